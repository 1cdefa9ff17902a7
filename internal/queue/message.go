package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// priorityScale separates priority bands in the pending score so that the
// sequence number only orders messages within a band.
const priorityScale = 1e12

// message is the stored envelope. ID changes on every resubmission while
// Job.ID stays stable.
type message struct {
	ID         string     `json:"id"`
	Queue      string     `json:"queue"`
	Job        domain.Job `json:"job"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

func decodeMessage(raw string) (*message, error) {
	var m message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// pendingScore orders higher priorities first and, within a priority,
// earlier sequence numbers first under ZREVRANGE.
func pendingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityScale - float64(seq)
}

// Delivery is a reserved message handed to a consumer.
type Delivery struct {
	MessageID string
	Queue     string
	Job       domain.Job

	// Attempt is 1 on first delivery and RetryCount+1 afterwards.
	Attempt int
}

func keyPrefix(prefix, queue string) string { return prefix + ":" + queue }

type queueKeys struct {
	pending, inflight, messages, dlq, consumers string
}

func (b *Broker) keys(queue string) queueKeys {
	p := keyPrefix(b.cfg.Prefix, queue)
	return queueKeys{
		pending:   p + ":pending",
		inflight:  p + ":inflight",
		messages:  p + ":messages",
		dlq:       p + ":dlq",
		consumers: p + ":consumers",
	}
}

func (b *Broker) seqKey() string { return b.cfg.Prefix + ":seq" }

func clampPriority(p int) int {
	switch {
	case p < 0:
		return 0
	case p > domain.MaxPriority:
		return domain.MaxPriority
	default:
		return p
	}
}
