// Package store persists subjects, evaluation records and batch state.
//
// Two adapters exist: Memory for tests and single-process runs, and
// Postgres backed by a pgx pool. Both serialize leaderboard recomputation
// per batch through WithBatchLock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// Sentinel errors shared by every adapter.
var (
	ErrSubjectExists = errors.New("subject already exists")
	ErrBatchExists   = errors.New("batch already exists")
	ErrNotMember     = errors.New("subject is not a member of the batch")
	ErrResultMissing = errors.New("evaluation record not found")
)

// Store is the persistence boundary of the pipeline.
type Store interface {
	CreateSubject(ctx context.Context, s domain.Subject) error
	LoadSubject(ctx context.Context, id string) (*domain.Subject, error)

	// SaveResult upserts the subject's evaluation record.
	SaveResult(ctx context.Context, rec domain.EvaluationRecord) error
	LoadResult(ctx context.Context, subjectID string) (*domain.EvaluationRecord, error)

	// CreateBatch registers a batch and one pending member per subject, in
	// SubjectIDs order.
	CreateBatch(ctx context.Context, b domain.BatchState) error
	// RegisterBatch creates the subjects and the batch together. On error
	// nothing is written.
	RegisterBatch(ctx context.Context, subjects []domain.Subject, b domain.BatchState) error
	LoadBatch(ctx context.Context, id string) (*domain.BatchState, error)
	LoadBatchMembers(ctx context.Context, batchID string) ([]domain.MemberState, error)

	// UpdateBatchMember records a member's status, score and relevance.
	// The member's rank is left untouched.
	UpdateBatchMember(ctx context.Context, batchID string, m domain.MemberState) error

	// SaveBatchProgress overwrites every member's rank and the batch's
	// completed count.
	SaveBatchProgress(ctx context.Context, batchID string, members []domain.MemberState, completed int) error

	// MarkBatchComplete sets the batch status to complete. Repeated calls
	// keep the first completion time.
	MarkBatchComplete(ctx context.Context, batchID string, at time.Time) error

	// WithBatchLock runs fn while holding the batch's leaderboard lock. fn
	// must do its reads and writes through the Store it is handed.
	WithBatchLock(ctx context.Context, batchID string, fn func(ctx context.Context, s Store) error) error

	Ping(ctx context.Context) error
	Close() error
}
