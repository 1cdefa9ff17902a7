package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-evalpipe/internal/bulk"
	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/intake"
	"github.com/ahrav/go-evalpipe/internal/oracle"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/store"
	"github.com/ahrav/go-evalpipe/internal/workflow"
	"github.com/ahrav/go-evalpipe/pkg/activity"
)

type fakeConsumer struct {
	queues   []string
	failOn   string
	mu       sync.Mutex
	started  map[string]int
	reclaims atomic.Int32
}

func (f *fakeConsumer) Queues() []string { return f.queues }

func (f *fakeConsumer) Consume(ctx context.Context, q string, _ queue.Handler) error {
	f.mu.Lock()
	f.started[q]++
	f.mu.Unlock()
	if q == f.failOn {
		return queue.ErrBrokerUnavailable
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Reclaim(context.Context, string) (int, error) {
	f.reclaims.Add(1)
	return 0, nil
}

func (f *fakeConsumer) startedCount() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.started))
	for k, v := range f.started {
		out[k] = v
	}
	return out
}

func poolConfig() configuration.QueueConfig {
	cfg := configuration.DefaultConfig().Queue
	cfg.ReclaimInterval = 5 * time.Millisecond
	cfg.WorkersPerQueue = map[string]int{"a": 2, "b": 1}
	return cfg
}

func TestPool_RunsSlotsAndReclaimer(t *testing.T) {
	fc := &fakeConsumer{queues: []string{"a", "b"}, started: map[string]int{}}
	pool := NewPool(fc, queue.HandlerFunc(func(context.Context, *queue.Delivery) error { return nil }), poolConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := fc.startedCount()
		return s["a"] == 2 && s["b"] == 1 && fc.reclaims.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_StopsWhenBrokerLost(t *testing.T) {
	fc := &fakeConsumer{queues: []string{"a", "b"}, failOn: "b", started: map[string]int{}}
	pool := NewPool(fc, queue.HandlerFunc(func(context.Context, *queue.Delivery) error { return nil }), poolConfig())

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrBrokerUnavailable)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after broker loss")
	}
}

// scoreOracle scores every criterion with a per-document value.
type scoreOracle struct {
	scores map[string]float64
	calls  atomic.Int32
}

func (o *scoreOracle) Analyze(_ context.Context, req *oracle.Request) (*oracle.Response, error) {
	o.calls.Add(1)
	a := domain.Analysis{Relevant: true}
	for _, c := range req.Criteria {
		a.Scores = append(a.Scores, domain.CriterionScore{Name: c.Name, Score: o.scores[req.Document.Key], Weight: c.Weight})
	}
	return &oracle.Response{Analysis: a}, nil
}

func runtimeConfig(addr string) *configuration.Config {
	cfg := configuration.DefaultConfig()
	cfg.Redis.Addr = addr
	cfg.Queue.PollInterval = 5 * time.Millisecond
	cfg.Queue.ReclaimInterval = 50 * time.Millisecond
	cfg.Bulk.Threshold = 2
	cfg.Bulk.ChunkSize = 2
	cfg.Bulk.ChunkDelay = 0
	cfg.Oracle.RateLimit.Enabled = false
	return cfg
}

func TestRuntime_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orc := &scoreOracle{scores: map[string]float64{"a.txt": 6, "b.txt": 9, "c.txt": 7.5, "solo.txt": 5}}
	rt, err := Build(ctx, runtimeConfig(mr.Addr()), WithRedisClient(client), WithOracle(orc))
	require.NoError(t, err)
	require.NotNil(t, rt.Local)
	require.Nil(t, rt.Temporal)
	require.NoError(t, rt.Ping(ctx))

	poolDone := make(chan error, 1)
	go func() { poolDone <- rt.Pool().Run(ctx) }()

	docs := make([]intake.BatchDocument, 0, 3)
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		docs = append(docs, intake.BatchDocument{Document: domain.DocumentRef{Key: key}, Content: []byte("text of " + key)})
	}
	payload := domain.Payload{Context: "grant review", Criteria: []domain.Criterion{{Name: "impact", Weight: 100}}}
	receipt, err := rt.Intake.SubmitBatch(ctx, intake.BatchRequest{BatchID: "e2e", Documents: docs, Payload: payload})
	require.NoError(t, err)
	assert.True(t, receipt.Bulk)

	solo, err := rt.Intake.SubmitDocument(ctx, intake.DocumentRequest{
		Document: domain.DocumentRef{Key: "solo.txt"},
		Content:  []byte("solo"),
		Context:  "grant review",
		Criteria: payload.Criteria,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err := rt.Store.LoadBatch(ctx, "e2e")
		return err == nil && b.IsComplete()
	}, 5*time.Second, 10*time.Millisecond)

	members, err := rt.Store.LoadBatchMembers(ctx, "e2e")
	require.NoError(t, err)
	ranks := make([]int, 0, len(members))
	for _, m := range members {
		ranks = append(ranks, m.Rank)
	}
	assert.Equal(t, []int{3, 1, 2}, ranks)

	require.Eventually(t, func() bool {
		rec, err := rt.Store.LoadResult(ctx, solo.SubjectID)
		return err == nil && rec.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	for _, q := range queue.DefaultQueues {
		d, err := rt.Broker.QueueDepth(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, d.Pending, q)
		assert.Zero(t, d.DeadLettered, q)
	}

	cancel()
	require.NoError(t, <-poolDone)
	require.NoError(t, rt.Close())
	assert.EqualValues(t, 4, orc.calls.Load())
}

func TestBuild_UnknownStoreDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := runtimeConfig(mr.Addr())
	cfg.Store.Driver = "sqlite"

	_, err := Build(context.Background(), cfg, WithOracle(&scoreOracle{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open store")
}

func TestBuild_UsesSuppliedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := store.NewMemory()
	rt, err := Build(context.Background(), runtimeConfig(mr.Addr()), WithStore(s), WithOracle(&scoreOracle{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	assert.Same(t, s, rt.Store)

	stop, err := rt.StartTemporalWorker()
	require.NoError(t, err)
	stop()
}

func TestRegisterAll(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	s := store.NewMemory()
	require.NoError(t, s.CreateSubject(context.Background(), domain.Subject{ID: "s0", Document: domain.DocumentRef{Key: "s0"}}))
	require.NoError(t, s.CreateBatch(context.Background(), domain.BatchState{
		ID: "b", SubjectIDs: []string{"s0"}, TotalCount: 1, Status: domain.BatchOpen,
		Payload: domain.Payload{Document: domain.DocumentRef{Key: "s0"}, Context: "c", Criteria: []domain.Criterion{{Name: "x", Weight: 1}}},
	}))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := runtimeConfig(mr.Addr())
	broker := queue.New(cfg.Queue, cfg.Redis, queue.WithClient(client))
	require.NoError(t, broker.Connect(context.Background()))

	acts := bulk.NewActivities(activity.NewBaseActivities(nil, "test"), bulk.NewDispatcher(s, broker, cfg.Bulk))
	RegisterAll(env, acts)

	env.ExecuteWorkflow("BulkDispatchWorkflow", workflow.NewBulkDispatchInput("b", cfg.Bulk))
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	d, err := broker.QueueDepth(context.Background(), domain.QueueBulk)
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.Pending)
}
