package domain

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchOpen     BatchStatus = "open"
	BatchComplete BatchStatus = "complete"
)

// BatchState tracks a ranked batch. CompletedCount never exceeds TotalCount
// and the batch is complete iff they are equal. Failed members count toward
// completion.
type BatchState struct {
	ID string `json:"id" validate:"required"`

	// SubjectIDs are the members in submission order.
	SubjectIDs []string `json:"subject_ids" validate:"required,min=1"`

	TotalCount     int         `json:"total_count" validate:"min=1"`
	CompletedCount int         `json:"completed_count" validate:"min=0,ltefield=TotalCount"`
	Status         BatchStatus `json:"status" validate:"required,oneof=open complete"`

	// Payload is shared by every member; each member's document reference
	// is taken from its subject.
	Payload  Payload `json:"payload"`
	Priority int     `json:"priority" validate:"min=0,max=255"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the batch invariants.
func (b *BatchState) Validate() error { return validate.Struct(b) }

// IsComplete reports whether every member has reached a terminal status.
func (b *BatchState) IsComplete() bool {
	return b.Status == BatchComplete || (b.TotalCount > 0 && b.CompletedCount >= b.TotalCount)
}

// MemberJobID derives the job ID for a batch position. The same position
// always yields the same ID, so re-dispatching a chunk does not mint new jobs.
func MemberJobID(batchID string, position int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "evalpipe:batch:%s:%d", batchID, position)).String()
}

// MemberJob builds the queued job for the member at position. The batch
// payload is copied and pointed at the member's document.
func (b *BatchState) MemberJob(subjectID string, doc DocumentRef, position int, submittedAt time.Time) Job {
	payload := b.Payload.Clone()
	payload.Document = doc
	return Job{
		ID:          MemberJobID(b.ID, position),
		Kind:        JobKindBatchMember,
		SubjectID:   subjectID,
		Batch:       &BatchRef{BatchID: b.ID, Position: position},
		Payload:     payload,
		Priority:    b.Priority,
		SubmittedAt: submittedAt,
	}
}

// MemberState is one member's row in the batch leaderboard. Rank is 1-based;
// zero means unranked.
type MemberState struct {
	SubjectID string           `json:"subject_id"`
	Position  int              `json:"position"`
	Status    EvaluationStatus `json:"status"`
	Overall   float64          `json:"overall"`
	Relevant  bool             `json:"relevant"`
	Rank      int              `json:"rank"`
}

// Ranked reports whether the member is eligible for a rank.
func (m MemberState) Ranked() bool {
	return m.Status == StatusCompleted && m.Relevant
}

// RankMembers returns a copy of members with ranks recomputed from scratch.
// Completed relevant members are ordered by overall score descending with
// ties broken by submission position, and numbered 1..N. Every other member
// has its rank cleared. The input slice is not modified and the output keeps
// the input order.
func RankMembers(members []MemberState) []MemberState {
	out := slices.Clone(members)

	eligible := make([]int, 0, len(out))
	for i := range out {
		out[i].Rank = 0
		if out[i].Ranked() {
			eligible = append(eligible, i)
		}
	}

	slices.SortStableFunc(eligible, func(a, b int) int {
		if c := cmp.Compare(out[b].Overall, out[a].Overall); c != 0 {
			return c
		}
		return cmp.Compare(out[a].Position, out[b].Position)
	})

	for rank, idx := range eligible {
		out[idx].Rank = rank + 1
	}
	return out
}

// CountTerminal returns how many members have completed or failed.
func CountTerminal(members []MemberState) int {
	n := 0
	for _, m := range members {
		if m.Status.Terminal() {
			n++
		}
	}
	return n
}
