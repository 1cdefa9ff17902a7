package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/store"
	"github.com/ahrav/go-evalpipe/pkg/activity"
)

// fakeBroker records enqueued jobs and reports a configurable pending depth.
type fakeBroker struct {
	mu       sync.Mutex
	jobs     []domain.Job
	queues   []string
	pending  int64
	grow     bool
	enqErr   error
	depthErr error
}

func (f *fakeBroker) Enqueue(_ context.Context, q string, job domain.Job, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqErr != nil {
		return "", f.enqErr
	}
	f.jobs = append(f.jobs, job)
	f.queues = append(f.queues, q)
	if f.grow {
		f.pending++
	}
	return fmt.Sprintf("%d-0", len(f.jobs)), nil
}

func (f *fakeBroker) QueueDepth(_ context.Context, q string) (queue.Depth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depthErr != nil {
		return queue.Depth{}, f.depthErr
	}
	return queue.Depth{Queue: q, Pending: f.pending}, nil
}

func (f *fakeBroker) setPending(n int64) {
	f.mu.Lock()
	f.pending = n
	f.mu.Unlock()
}

func (f *fakeBroker) enqueued() []domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Job(nil), f.jobs...)
}

func bulkConfig() configuration.BulkConfig {
	return configuration.BulkConfig{
		Threshold:       10,
		ChunkSize:       4,
		MaxPending:      100,
		MaxChunksPerRun: 50,
	}
}

func seedBatch(t *testing.T, s store.Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := range n {
		sid := fmt.Sprintf("%s-%d", id, i)
		require.NoError(t, s.CreateSubject(ctx, domain.Subject{
			ID:       sid,
			Document: domain.DocumentRef{Key: sid + ".txt"},
			Content:  []byte("doc " + sid),
		}))
		ids = append(ids, sid)
	}
	require.NoError(t, s.CreateBatch(ctx, domain.BatchState{
		ID:         id,
		SubjectIDs: ids,
		TotalCount: n,
		Status:     domain.BatchOpen,
		Priority:   3,
		Payload: domain.Payload{
			Document: domain.DocumentRef{Key: "template"},
			Context:  "grants",
			Criteria: []domain.Criterion{{Name: "impact", Weight: 100}},
		},
		CreatedAt: time.Now().UTC(),
	}))
}

func newTestDispatcher(s store.Store, b Broker, cfg configuration.BulkConfig) *Dispatcher {
	d := NewDispatcher(s, b, cfg)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestDispatchChunk(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name           string
		members        int
		pending        int64
		in             ChunkInput
		wantDispatched int
		wantNext       int
		wantThrottled  bool
		wantDone       bool
	}{
		{
			name:           "first chunk uses configured size",
			members:        10,
			in:             ChunkInput{Offset: 0},
			wantDispatched: 4,
			wantNext:       4,
		},
		{
			name:           "explicit limit",
			members:        10,
			in:             ChunkInput{Offset: 2, Limit: 2},
			wantDispatched: 2,
			wantNext:       4,
		},
		{
			name:           "final partial chunk",
			members:        10,
			in:             ChunkInput{Offset: 8},
			wantDispatched: 2,
			wantNext:       10,
			wantDone:       true,
		},
		{
			name:           "chunk shrinks to fit pending ceiling",
			members:        10,
			pending:        98,
			in:             ChunkInput{Offset: 0},
			wantDispatched: 2,
			wantNext:       2,
		},
		{
			name:          "saturated queue is throttled",
			members:       10,
			pending:       100,
			in:            ChunkInput{Offset: 4},
			wantNext:      4,
			wantThrottled: true,
		},
		{
			name:     "offset past end is done",
			members:  3,
			in:       ChunkInput{Offset: 5},
			wantNext: 3,
			wantDone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemory()
			seedBatch(t, s, "b1", tt.members)
			broker := &fakeBroker{pending: tt.pending}
			d := newTestDispatcher(s, broker, bulkConfig())

			in := tt.in
			in.BatchID = "b1"
			res, err := d.DispatchChunk(ctx, in)
			require.NoError(t, err)

			assert.Equal(t, tt.wantDispatched, res.Dispatched)
			assert.Equal(t, tt.wantNext, res.Next)
			assert.Equal(t, tt.wantThrottled, res.Throttled)
			assert.Equal(t, tt.wantDone, res.Done)
			assert.Equal(t, tt.members, res.Total)
			assert.Len(t, broker.enqueued(), tt.wantDispatched)
			for _, q := range broker.queues {
				assert.Equal(t, domain.QueueBulk, q)
			}
		})
	}
}

func TestDispatchChunk_MemberJobs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedBatch(t, s, "b1", 3)
	broker := &fakeBroker{}
	d := newTestDispatcher(s, broker, bulkConfig())

	_, err := d.DispatchChunk(ctx, ChunkInput{BatchID: "b1"})
	require.NoError(t, err)

	jobs := broker.enqueued()
	require.Len(t, jobs, 3)
	for pos, job := range jobs {
		assert.Equal(t, domain.MemberJobID("b1", pos), job.ID)
		assert.Equal(t, domain.JobKindBatchMember, job.Kind)
		assert.Equal(t, fmt.Sprintf("b1-%d", pos), job.SubjectID)
		assert.Equal(t, fmt.Sprintf("b1-%d.txt", pos), job.Payload.Document.Key)
		assert.Equal(t, 3, job.Priority)
		require.NotNil(t, job.Batch)
		assert.Equal(t, pos, job.Batch.Position)
		assert.NoError(t, job.Validate())
	}

	// Re-dispatching the same range mints the same IDs.
	_, err = d.DispatchChunk(ctx, ChunkInput{BatchID: "b1"})
	require.NoError(t, err)
	again := broker.enqueued()[3:]
	for i := range again {
		assert.Equal(t, jobs[i].ID, again[i].ID)
	}
}

func TestDispatchChunk_SkipsTerminalMembers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedBatch(t, s, "b1", 4)
	require.NoError(t, s.UpdateBatchMember(ctx, "b1", domain.MemberState{SubjectID: "b1-0", Status: domain.StatusCompleted, Overall: 8, Relevant: true}))
	require.NoError(t, s.UpdateBatchMember(ctx, "b1", domain.MemberState{SubjectID: "b1-2", Status: domain.StatusFailed}))

	broker := &fakeBroker{}
	d := newTestDispatcher(s, broker, bulkConfig())

	res, err := d.DispatchChunk(ctx, ChunkInput{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 4, res.Next)
	assert.True(t, res.Done)

	var subjects []string
	for _, j := range broker.enqueued() {
		subjects = append(subjects, j.SubjectID)
	}
	assert.Equal(t, []string{"b1-1", "b1-3"}, subjects)
}

func TestDispatchChunk_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown batch", func(t *testing.T) {
		d := newTestDispatcher(store.NewMemory(), &fakeBroker{}, bulkConfig())
		_, err := d.DispatchChunk(ctx, ChunkInput{BatchID: "missing"})
		assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	})

	t.Run("depth failure", func(t *testing.T) {
		s := store.NewMemory()
		seedBatch(t, s, "b1", 2)
		boom := errors.New("redis down")
		d := newTestDispatcher(s, &fakeBroker{depthErr: boom}, bulkConfig())
		_, err := d.DispatchChunk(ctx, ChunkInput{BatchID: "b1"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("enqueue failure", func(t *testing.T) {
		s := store.NewMemory()
		seedBatch(t, s, "b1", 2)
		boom := errors.New("enqueue refused")
		d := newTestDispatcher(s, &fakeBroker{enqErr: boom}, bulkConfig())
		res, err := d.DispatchChunk(ctx, ChunkInput{BatchID: "b1"})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, res.Next)
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches whole batch", func(t *testing.T) {
		s := store.NewMemory()
		seedBatch(t, s, "b1", 10)
		broker := &fakeBroker{}
		d := newTestDispatcher(s, broker, bulkConfig())

		next, done, err := d.Run(ctx, "b1", 0)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, 10, next)
		assert.Len(t, broker.enqueued(), 10)
	})

	t.Run("stops at chunk budget", func(t *testing.T) {
		s := store.NewMemory()
		seedBatch(t, s, "b1", 10)
		cfg := bulkConfig()
		cfg.MaxChunksPerRun = 2
		broker := &fakeBroker{}
		d := newTestDispatcher(s, broker, cfg)

		next, done, err := d.Run(ctx, "b1", 0)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, 8, next)

		next, done, err = d.Run(ctx, "b1", next)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, 10, next)
		assert.Len(t, broker.enqueued(), 10)
	})

	t.Run("backpressure holds offset", func(t *testing.T) {
		s := store.NewMemory()
		seedBatch(t, s, "b1", 10)
		cfg := bulkConfig()
		cfg.MaxPending = 5
		cfg.MaxChunksPerRun = 3
		broker := &fakeBroker{grow: true}
		d := newTestDispatcher(s, broker, cfg)

		next, done, err := d.Run(ctx, "b1", 0)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, 5, next)
		assert.Len(t, broker.enqueued(), 5)

		broker.setPending(0)
		next, done, err = d.Run(ctx, "b1", next)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, 10, next)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := store.NewMemory()
		seedBatch(t, s, "b1", 10)
		d := NewDispatcher(s, &fakeBroker{}, bulkConfig())
		d.cfg.ChunkDelay = time.Hour

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		next, done, err := d.Run(cctx, "b1", 0)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, done)
		assert.Equal(t, 4, next)
	})
}

func TestLocalStarter(t *testing.T) {
	s := store.NewMemory()
	seedBatch(t, s, "b1", 9)
	seedBatch(t, s, "b2", 3)
	broker := &fakeBroker{}
	cfg := bulkConfig()
	cfg.MaxChunksPerRun = 1
	d := newTestDispatcher(s, broker, cfg)

	starter := NewLocalStarter(context.Background(), d)
	require.NoError(t, starter.StartBulk(context.Background(), "b1"))
	require.NoError(t, starter.StartBulk(context.Background(), "b2"))
	starter.Wait()

	counts := map[string]int{}
	for _, j := range broker.enqueued() {
		counts[j.Batch.BatchID]++
	}
	assert.Equal(t, map[string]int{"b1": 9, "b2": 3}, counts)
}

func TestActivities_DispatchChunk(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedBatch(t, s, "b1", 5)
	broker := &fakeBroker{}
	acts := NewActivities(activity.NewBaseActivities(nil, "test"), newTestDispatcher(s, broker, bulkConfig()))

	res, err := acts.DispatchChunk(ctx, ChunkInput{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Dispatched)

	_, err = acts.DispatchChunk(ctx, ChunkInput{BatchID: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidBatch)

	_, err = acts.DispatchChunk(ctx, ChunkInput{BatchID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}
