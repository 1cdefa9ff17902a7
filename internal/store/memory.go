package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

type memBatch struct {
	state   domain.BatchState
	members []domain.MemberState
	index   map[string]int
	lock    chan struct{}
}

// Memory is an in-process Store. All returned values are copies.
type Memory struct {
	mu       sync.RWMutex
	subjects map[string]domain.Subject
	results  map[string]domain.EvaluationRecord
	batches  map[string]*memBatch
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		subjects: make(map[string]domain.Subject),
		results:  make(map[string]domain.EvaluationRecord),
		batches:  make(map[string]*memBatch),
	}
}

func (m *Memory) CreateSubject(_ context.Context, s domain.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subjects[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSubjectExists, s.ID)
	}
	m.putSubject(s)
	return nil
}

func (m *Memory) putSubject(s domain.Subject) {
	s.Content = slices.Clone(s.Content)
	m.subjects[s.ID] = s
}

func (m *Memory) LoadSubject(_ context.Context, id string) (*domain.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubjectNotFound, id)
	}
	s.Content = slices.Clone(s.Content)
	return &s, nil
}

func (m *Memory) SaveResult(_ context.Context, rec domain.EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subjects[rec.SubjectID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSubjectNotFound, rec.SubjectID)
	}
	rec.Scores = slices.Clone(rec.Scores)
	m.results[rec.SubjectID] = rec
	return nil
}

func (m *Memory) LoadResult(_ context.Context, subjectID string) (*domain.EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.results[subjectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResultMissing, subjectID)
	}
	rec.Scores = slices.Clone(rec.Scores)
	return &rec, nil
}

func (m *Memory) CreateBatch(_ context.Context, b domain.BatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
	}
	m.putBatch(b)
	return nil
}

// RegisterBatch checks every subject and the batch for conflicts before
// writing any of them.
func (m *Memory) RegisterBatch(_ context.Context, subjects []domain.Subject, b domain.BatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
	}
	seen := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		_, dup := seen[s.ID]
		if _, ok := m.subjects[s.ID]; ok || dup {
			return fmt.Errorf("%w: %s", ErrSubjectExists, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	for _, s := range subjects {
		m.putSubject(s)
	}
	m.putBatch(b)
	return nil
}

func (m *Memory) putBatch(b domain.BatchState) {
	mb := &memBatch{
		state:   b,
		members: make([]domain.MemberState, 0, len(b.SubjectIDs)),
		index:   make(map[string]int, len(b.SubjectIDs)),
		lock:    make(chan struct{}, 1),
	}
	mb.state.SubjectIDs = slices.Clone(b.SubjectIDs)
	for pos, id := range b.SubjectIDs {
		mb.index[id] = pos
		mb.members = append(mb.members, domain.MemberState{
			SubjectID: id,
			Position:  pos,
			Status:    domain.StatusPending,
		})
	}
	m.batches[b.ID] = mb
}

func (m *Memory) batch(id string) (*memBatch, error) {
	mb, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	return mb, nil
}

func (m *Memory) LoadBatch(_ context.Context, id string) (*domain.BatchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, err := m.batch(id)
	if err != nil {
		return nil, err
	}
	b := mb.state
	b.SubjectIDs = slices.Clone(mb.state.SubjectIDs)
	b.Payload = mb.state.Payload.Clone()
	return &b, nil
}

func (m *Memory) LoadBatchMembers(_ context.Context, batchID string) ([]domain.MemberState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, err := m.batch(batchID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(mb.members), nil
}

func (m *Memory) UpdateBatchMember(_ context.Context, batchID string, ms domain.MemberState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, err := m.batch(batchID)
	if err != nil {
		return err
	}
	i, ok := mb.index[ms.SubjectID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotMember, batchID, ms.SubjectID)
	}
	cur := &mb.members[i]
	cur.Status = ms.Status
	cur.Overall = ms.Overall
	cur.Relevant = ms.Relevant
	return nil
}

func (m *Memory) SaveBatchProgress(_ context.Context, batchID string, members []domain.MemberState, completed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, err := m.batch(batchID)
	if err != nil {
		return err
	}
	for _, ms := range members {
		if i, ok := mb.index[ms.SubjectID]; ok {
			mb.members[i].Rank = ms.Rank
		}
	}
	mb.state.CompletedCount = min(completed, mb.state.TotalCount)
	return nil
}

func (m *Memory) MarkBatchComplete(_ context.Context, batchID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, err := m.batch(batchID)
	if err != nil {
		return err
	}
	if mb.state.Status == domain.BatchComplete {
		return nil
	}
	mb.state.Status = domain.BatchComplete
	mb.state.CompletedAt = &at
	return nil
}

func (m *Memory) WithBatchLock(ctx context.Context, batchID string, fn func(context.Context, Store) error) error {
	m.mu.RLock()
	mb, err := m.batch(batchID)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	select {
	case mb.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-mb.lock }()
	return fn(ctx, m)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
