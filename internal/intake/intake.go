// Package intake accepts evaluation work. It registers subjects and batches
// with the store and routes jobs to the right queue: individual submissions to
// individual_evaluation, small batches member by member to batch_evaluation
// and large batches through the bulk scheduler.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/store"
)

// Enqueuer is the part of the broker intake depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, job domain.Job, priority int) (string, error)
}

// BulkStarter hands a registered batch to the bulk scheduler.
type BulkStarter interface {
	StartBulk(ctx context.Context, batchID string) error
}

// ErrBulkUnavailable is returned when a batch exceeds the bulk threshold and
// no bulk scheduler is configured.
var ErrBulkUnavailable = errors.New("bulk scheduler not configured")

// SubmitRequest describes one job. Batch must be set iff Kind is
// domain.JobKindBatchMember.
type SubmitRequest struct {
	Kind      domain.JobKind
	SubjectID string
	Payload   domain.Payload
	Priority  int
	Batch     *domain.BatchRef
}

// DocumentRequest submits a new document for individual evaluation. An empty
// SubjectID gets a generated one.
type DocumentRequest struct {
	SubjectID string
	Document  domain.DocumentRef
	Content   []byte
	Context   string
	Criteria  []domain.Criterion
	Template  *domain.TemplateDescriptor
	Priority  int
}

// BatchDocument is one member of a batch submission.
type BatchDocument struct {
	SubjectID string
	Document  domain.DocumentRef
	Content   []byte
}

// BatchRequest submits a ranked batch. Payload.Document is ignored; each
// member's document comes from its BatchDocument.
type BatchRequest struct {
	BatchID   string
	Documents []BatchDocument
	Payload   domain.Payload
	Priority  int
}

// Receipt reports the IDs assigned to an individual submission.
type Receipt struct {
	SubjectID string `json:"subject_id"`
	JobID     string `json:"job_id"`
}

// BatchReceipt reports how a batch was accepted. JobIDs is empty for bulk
// batches; their jobs are minted by the scheduler.
type BatchReceipt struct {
	BatchID    string   `json:"batch_id"`
	SubjectIDs []string `json:"subject_ids"`
	JobIDs     []string `json:"job_ids,omitempty"`
	Bulk       bool     `json:"bulk"`
}

// Service is the submission entry point.
type Service struct {
	store  store.Store
	queue  Enqueuer
	bulk   BulkStarter
	cfg    configuration.BulkConfig
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Service. bulk may be nil, in which case every batch must fit
// under the bulk threshold.
func New(s store.Store, q Enqueuer, bulk BulkStarter, cfg configuration.BulkConfig) *Service {
	return &Service{
		store:  s,
		queue:  q,
		bulk:   bulk,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "intake"),
	}
}

// Submit validates and enqueues one job and returns its ID.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := domain.ValidatePayload(&req.Payload); err != nil {
		return "", err
	}

	job := domain.Job{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		SubjectID:   req.SubjectID,
		Batch:       req.Batch,
		Payload:     req.Payload.Clone(),
		Priority:    req.Priority,
		SubmittedAt: s.now().UTC(),
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	if _, err := s.queue.Enqueue(ctx, job.Queue(), job, job.Priority); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.logger.Info("job submitted",
		"job_id", job.ID,
		"kind", job.Kind,
		"subject_id", job.SubjectID,
		"queue", job.Queue())
	return job.ID, nil
}

// SubmitDocument stores a document as a new subject and submits it for
// individual evaluation.
func (s *Service) SubmitDocument(ctx context.Context, req DocumentRequest) (Receipt, error) {
	subjectID := req.SubjectID
	if subjectID == "" {
		subjectID = uuid.NewString()
	}
	payload := domain.Payload{
		Document: req.Document,
		Context:  req.Context,
		Criteria: req.Criteria,
		Template: req.Template,
	}
	if err := domain.ValidatePayload(&payload); err != nil {
		return Receipt{}, err
	}

	subject := domain.Subject{ID: subjectID, Document: req.Document, Content: req.Content}
	if err := s.store.CreateSubject(ctx, subject); err != nil {
		return Receipt{}, fmt.Errorf("register subject: %w", err)
	}

	jobID, err := s.Submit(ctx, SubmitRequest{
		Kind:      domain.JobKindIndividual,
		SubjectID: subjectID,
		Payload:   payload,
		Priority:  req.Priority,
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{SubjectID: subjectID, JobID: jobID}, nil
}

// SubmitBatch registers the batch and its subjects, then enqueues one
// BatchMember job per document. Batches larger than the bulk threshold are
// handed to the bulk scheduler instead.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) (BatchReceipt, error) {
	if len(req.Documents) == 0 {
		return BatchReceipt{}, fmt.Errorf("%w: no documents", domain.ErrInvalidBatch)
	}
	bulk := len(req.Documents) > s.cfg.Threshold
	if bulk && s.bulk == nil {
		return BatchReceipt{}, fmt.Errorf("%w: %d documents exceed threshold %d",
			ErrBulkUnavailable, len(req.Documents), s.cfg.Threshold)
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	// Every member shares the payload; validate it against the first document
	// so the required document reference is present.
	first := req.Payload.Clone()
	first.Document = req.Documents[0].Document
	if err := domain.ValidatePayload(&first); err != nil {
		return BatchReceipt{}, err
	}

	now := s.now().UTC()
	batch := domain.BatchState{
		ID:         batchID,
		SubjectIDs: make([]string, 0, len(req.Documents)),
		TotalCount: len(req.Documents),
		Status:     domain.BatchOpen,
		Payload:    first,
		Priority:   req.Priority,
		CreatedAt:  now,
	}
	subjects := make([]domain.Subject, 0, len(req.Documents))
	for _, doc := range req.Documents {
		id := doc.SubjectID
		if id == "" {
			id = uuid.NewString()
		}
		subjects = append(subjects, domain.Subject{ID: id, Document: doc.Document, Content: doc.Content})
		batch.SubjectIDs = append(batch.SubjectIDs, id)
	}
	if err := batch.Validate(); err != nil {
		return BatchReceipt{}, fmt.Errorf("%w: %w", domain.ErrInvalidBatch, err)
	}

	if err := s.store.RegisterBatch(ctx, subjects, batch); err != nil {
		return BatchReceipt{}, fmt.Errorf("register batch: %w", err)
	}

	receipt := BatchReceipt{BatchID: batchID, SubjectIDs: batch.SubjectIDs, Bulk: bulk}
	if bulk {
		if err := s.bulk.StartBulk(ctx, batchID); err != nil {
			return BatchReceipt{}, fmt.Errorf("start bulk dispatch: %w", err)
		}
		s.logger.Info("batch handed to bulk scheduler", "batch_id", batchID, "members", batch.TotalCount)
		return receipt, nil
	}

	receipt.JobIDs = make([]string, 0, len(subjects))
	for pos, subj := range subjects {
		job := batch.MemberJob(subj.ID, subj.Document, pos, now)
		if _, err := s.queue.Enqueue(ctx, job.Queue(), job, job.Priority); err != nil {
			return BatchReceipt{}, fmt.Errorf("enqueue member %d: %w", pos, err)
		}
		receipt.JobIDs = append(receipt.JobIDs, job.ID)
	}
	s.logger.Info("batch submitted", "batch_id", batchID, "members", batch.TotalCount)
	return receipt, nil
}
