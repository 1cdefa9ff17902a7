package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-evalpipe/pkg/events"
)

// flakySink fails the first failures appends and records the rest.
type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []events.Envelope
}

func (s *flakySink) Append(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, env)
	return nil
}

func TestEmitter_RetriesOnce(t *testing.T) {
	sink := &flakySink{failures: 1}
	e := events.NewEmitter(sink, "processor")

	e.Emit(context.Background(), events.Event{
		Type:           "evaluation.completed",
		SubjectID:      "s1",
		BatchID:        "b1",
		IdempotencyKey: "job-1:completed",
		Payload:        map[string]float64{"overall": 8},
	})

	require.Len(t, sink.got, 1)
	env := sink.got[0]
	assert.Equal(t, "processor", env.Source)
	assert.Equal(t, events.SchemaVersion, env.Version)
	assert.Equal(t, "b1", env.BatchID)
	assert.NotEmpty(t, env.ID)
	assert.JSONEq(t, `{"overall":8}`, string(env.Payload))
}

func TestEmitter_GivesUpSilently(t *testing.T) {
	sink := &flakySink{failures: 10}
	e := events.NewEmitter(sink, "ranking")

	e.Emit(context.Background(), events.Event{Type: "batch.completed"})

	assert.Equal(t, 2, sink.calls)
	assert.Empty(t, sink.got)
}

func TestEmitter_NilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		events.NewEmitter(nil, "x").Emit(context.Background(), events.Event{Type: "t"})
	})
}
