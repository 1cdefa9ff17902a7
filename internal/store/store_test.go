package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

func samplePayload() domain.Payload {
	return domain.Payload{
		Document: domain.DocumentRef{Key: "shared"},
		Context:  "energy",
		Criteria: []domain.Criterion{{Name: "clarity", Weight: 100}},
	}
}

func seedBatch(t *testing.T, s Store, id string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := range n {
		sid := fmt.Sprintf("%s-s%d", id, i)
		require.NoError(t, s.CreateSubject(ctx, domain.Subject{
			ID:       sid,
			Document: domain.DocumentRef{Key: sid + ".txt"},
			Content:  []byte("content " + sid),
		}))
		ids = append(ids, sid)
	}
	require.NoError(t, s.CreateBatch(ctx, domain.BatchState{
		ID:         id,
		SubjectIDs: ids,
		TotalCount: n,
		Status:     domain.BatchOpen,
		Payload:    samplePayload(),
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}))
	return ids
}

// runStoreContract exercises behavior every adapter must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("subject round trip", func(t *testing.T) {
		s := newStore(t)
		subj := domain.Subject{
			ID:       "subj-rt",
			Document: domain.DocumentRef{Key: "k", ContentType: "text/plain", Filename: "a.txt"},
			Content:  []byte("hello"),
		}
		require.NoError(t, s.CreateSubject(ctx, subj))
		assert.ErrorIs(t, s.CreateSubject(ctx, subj), ErrSubjectExists)

		got, err := s.LoadSubject(ctx, "subj-rt")
		require.NoError(t, err)
		assert.Equal(t, subj, *got)

		_, err = s.LoadSubject(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrSubjectNotFound)
	})

	t.Run("result upsert", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateSubject(ctx, domain.Subject{ID: "subj-res", Document: domain.DocumentRef{Key: "k"}, Content: []byte("x")}))

		rec := domain.EvaluationRecord{
			SubjectID:  "subj-res",
			JobID:      "job-1",
			Status:     domain.StatusFailed,
			ErrorClass: "oracle_timeout",
			UpdatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, s.SaveResult(ctx, rec))

		rec.Status = domain.StatusCompleted
		rec.ErrorClass = ""
		rec.Overall = 8.25
		rec.Scores = []domain.CriterionScore{{Name: "clarity", Score: 8.25, Weight: 100}}
		require.NoError(t, s.SaveResult(ctx, rec))

		got, err := s.LoadResult(ctx, "subj-res")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Empty(t, got.ErrorClass)
		assert.InDelta(t, 8.25, got.Overall, 1e-9)

		_, err = s.LoadResult(ctx, "other")
		assert.ErrorIs(t, err, ErrResultMissing)
	})

	t.Run("batch lifecycle", func(t *testing.T) {
		s := newStore(t)
		ids := seedBatch(t, s, "batch-life", 3)

		b, err := s.LoadBatch(ctx, "batch-life")
		require.NoError(t, err)
		assert.Equal(t, ids, b.SubjectIDs)
		assert.Equal(t, domain.BatchOpen, b.Status)
		assert.Equal(t, "energy", b.Payload.Context)

		require.NoError(t, s.UpdateBatchMember(ctx, "batch-life", domain.MemberState{
			SubjectID: ids[1], Status: domain.StatusCompleted, Overall: 9, Relevant: true, Rank: 99,
		}))
		assert.ErrorIs(t, s.UpdateBatchMember(ctx, "batch-life", domain.MemberState{SubjectID: "stranger"}), ErrNotMember)

		members, err := s.LoadBatchMembers(ctx, "batch-life")
		require.NoError(t, err)
		require.Len(t, members, 3)
		assert.Equal(t, 1, members[1].Position)
		assert.Equal(t, domain.StatusCompleted, members[1].Status)
		assert.Zero(t, members[1].Rank, "member updates must not write ranks")

		ranked := domain.RankMembers(members)
		require.NoError(t, s.SaveBatchProgress(ctx, "batch-life", ranked, 1))

		members, err = s.LoadBatchMembers(ctx, "batch-life")
		require.NoError(t, err)
		assert.Equal(t, 1, members[1].Rank)

		first := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.MarkBatchComplete(ctx, "batch-life", first))
		require.NoError(t, s.MarkBatchComplete(ctx, "batch-life", first.Add(time.Hour)))

		b, err = s.LoadBatch(ctx, "batch-life")
		require.NoError(t, err)
		assert.Equal(t, domain.BatchComplete, b.Status)
		assert.Equal(t, 1, b.CompletedCount)
		require.NotNil(t, b.CompletedAt)
		assert.True(t, first.Equal(*b.CompletedAt))
	})

	t.Run("register batch is all or nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateSubject(ctx, domain.Subject{ID: "reg-s2", Document: domain.DocumentRef{Key: "k"}, Content: []byte("x")}))

		subjects := make([]domain.Subject, 0, 3)
		ids := make([]string, 0, 3)
		for i := range 3 {
			id := fmt.Sprintf("reg-s%d", i)
			subjects = append(subjects, domain.Subject{ID: id, Document: domain.DocumentRef{Key: id}, Content: []byte(id)})
			ids = append(ids, id)
		}
		batch := domain.BatchState{
			ID: "reg", SubjectIDs: ids, TotalCount: 3, Status: domain.BatchOpen,
			Payload: samplePayload(), CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}

		err := s.RegisterBatch(ctx, subjects, batch)
		assert.ErrorIs(t, err, ErrSubjectExists)
		_, err = s.LoadSubject(ctx, "reg-s0")
		assert.ErrorIs(t, err, domain.ErrSubjectNotFound)
		_, err = s.LoadBatch(ctx, "reg")
		assert.ErrorIs(t, err, domain.ErrBatchNotFound)

		subjects[2].ID, batch.SubjectIDs[2] = "reg-s3", "reg-s3"
		require.NoError(t, s.RegisterBatch(ctx, subjects, batch))
		members, err := s.LoadBatchMembers(ctx, "reg")
		require.NoError(t, err)
		assert.Len(t, members, 3)

		subjects[0].ID, batch.SubjectIDs[0] = "reg-s4", "reg-s4"
		assert.ErrorIs(t, s.RegisterBatch(ctx, subjects[:1], batch), ErrBatchExists)
		_, err = s.LoadSubject(ctx, "reg-s4")
		assert.ErrorIs(t, err, domain.ErrSubjectNotFound)
	})

	t.Run("completed count capped at total", func(t *testing.T) {
		s := newStore(t)
		seedBatch(t, s, "batch-cap", 2)
		require.NoError(t, s.SaveBatchProgress(ctx, "batch-cap", nil, 5))
		b, err := s.LoadBatch(ctx, "batch-cap")
		require.NoError(t, err)
		assert.Equal(t, 2, b.CompletedCount)
	})

	t.Run("unknown batch", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadBatch(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrBatchNotFound)
		_, err = s.LoadBatchMembers(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrBatchNotFound)
		assert.ErrorIs(t, s.MarkBatchComplete(ctx, "missing", time.Now()), domain.ErrBatchNotFound)
	})

	t.Run("lock serializes", func(t *testing.T) {
		s := newStore(t)
		seedBatch(t, s, "batch-lock", 1)

		var (
			mu     sync.Mutex
			inside int
			peak   int
			wg     sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithBatchLock(ctx, "batch-lock", func(ctx context.Context, locked Store) error {
					mu.Lock()
					inside++
					peak = max(peak, inside)
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
					_, err := locked.LoadBatchMembers(ctx, "batch-lock")
					mu.Lock()
					inside--
					mu.Unlock()
					return err
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, peak)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemory() })
}

func TestMemoryStore_LockHonorsContext(t *testing.T) {
	s := NewMemory()
	seedBatch(t, s, "b", 1)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithBatchLock(context.Background(), "b", func(context.Context, Store) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := s.WithBatchLock(ctx, "b", func(context.Context, Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	close(release)
	require.NoError(t, <-done)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ids := seedBatch(t, s, "b", 2)

	members, err := s.LoadBatchMembers(context.Background(), "b")
	require.NoError(t, err)
	members[0].Rank = 7

	again, err := s.LoadBatchMembers(context.Background(), "b")
	require.NoError(t, err)
	assert.Zero(t, again[0].Rank)

	subj, err := s.LoadSubject(context.Background(), ids[0])
	require.NoError(t, err)
	subj.Content[0] = 'X'
	subj2, err := s.LoadSubject(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, byte('c'), subj2.Content[0])
}
