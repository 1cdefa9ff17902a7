// Package processor evaluates one queued job end to end: cache lookup,
// oracle analysis, template validation, weighted scoring, persistence and,
// for batch members, leaderboard recomputation.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/oracle"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/ranking"
	"github.com/ahrav/go-evalpipe/internal/store"
	"github.com/ahrav/go-evalpipe/internal/validation"
	"github.com/ahrav/go-evalpipe/pkg/events"
)

// Event types emitted per evaluation.
const (
	EventEvaluationCompleted = "evaluation.completed"
	EventEvaluationFailed    = "evaluation.failed"
)

// settleTimeout bounds persistence of a failure after the job context
// has expired.
const settleTimeout = 10 * time.Second

// Deps are the collaborators a Processor needs. Cache, Catalog and Sink
// may be nil.
type Deps struct {
	Store     store.Store
	Cache     *cache.Store
	Oracle    oracle.Client
	Validator *validation.Validator
	Catalog   *validation.Catalog
	Ranking   *ranking.Aggregator
	Sink      events.EventSink
}

// Processor implements queue.Handler.
type Processor struct {
	deps    Deps
	cfg     configuration.ProcessorConfig
	emitter *events.Emitter
	now     func() time.Time
	logger  *slog.Logger
}

var _ queue.Handler = (*Processor)(nil)

// New creates a Processor.
func New(deps Deps, cfg configuration.ProcessorConfig) *Processor {
	if deps.Catalog == nil {
		deps.Catalog = validation.NewCatalog()
	}
	return &Processor{
		deps:    deps,
		cfg:     cfg,
		emitter: events.NewEmitter(deps.Sink, "processor"),
		now:     time.Now,
		logger:  slog.Default().With("component", "processor"),
	}
}

// Handle implements queue.Handler. A returned error hands the delivery back
// to the broker for retry or dead-lettering.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) error {
	_, err := p.Process(ctx, &d.Job, d.Attempt)
	return err
}

// Process evaluates job under the configured job timeout and persists the
// outcome. On failure a failed record is persisted and the error returned.
func (p *Processor) Process(ctx context.Context, job *domain.Job, attempt int) (*domain.EvaluationRecord, error) {
	logger := p.logger.With("job_id", job.ID, "subject_id", job.SubjectID, "attempt", attempt)

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	rec, err := p.evaluate(jobCtx, job, attempt)
	if err != nil {
		class := ClassOf(err)
		logger.Warn("evaluation failed", "error_class", class, "error", err)
		p.recordFailure(ctx, job, attempt, class)
		return nil, err
	}

	if err := p.deps.Store.SaveResult(jobCtx, *rec); err != nil {
		return nil, stageError(StagePersist, err)
	}
	logger.Info("evaluation completed",
		"overall", rec.Overall,
		"relevant", rec.Relevant,
		"cache_hit", rec.CacheHit)

	p.emitter.Emit(jobCtx, events.Event{
		Type:           EventEvaluationCompleted,
		SubjectID:      job.SubjectID,
		BatchID:        batchID(job),
		IdempotencyKey: fmt.Sprintf("%s:%d:completed", job.ID, attempt),
		Payload:        rec,
	})

	if err := p.updateBatch(jobCtx, job, domain.MemberState{
		SubjectID: job.SubjectID,
		Status:    domain.StatusCompleted,
		Overall:   rec.Overall,
		Relevant:  rec.Relevant,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// evaluate runs the pure evaluation steps without persisting anything.
func (p *Processor) evaluate(ctx context.Context, job *domain.Job, attempt int) (*domain.EvaluationRecord, error) {
	subject, err := p.deps.Store.LoadSubject(ctx, job.SubjectID)
	if err != nil {
		return nil, stageError(StageLoadSubject, err)
	}

	analysis, hit, err := p.analyze(ctx, subject, &job.Payload)
	if err != nil {
		return nil, stageError(StageOracle, err)
	}

	var validationResult *domain.ValidationResult
	if tmpl := p.deps.Catalog.Resolve(job.Payload.Template); tmpl != nil && p.deps.Validator != nil {
		res := p.deps.Validator.Validate(ctx, subject, tmpl)
		validationResult = &res
	}

	score, err := domain.ComputeWeightedScore(job.Payload.Criteria, analysis)
	if err != nil {
		return nil, stageError(StageScoring, err)
	}

	return &domain.EvaluationRecord{
		SubjectID:  job.SubjectID,
		JobID:      job.ID,
		Status:     domain.StatusCompleted,
		Scores:     score.Scores,
		Overall:    score.Overall,
		Notes:      analysis.Notes,
		Validation: validationResult,
		Relevant:   p.relevant(analysis, validationResult),
		CacheHit:   hit,
		Attempt:    attempt,
		UpdatedAt:  p.now().UTC(),
	}, nil
}

// analyze resolves the analysis from cache or the oracle. A cached analysis
// missing any requested criterion is treated as a miss.
func (p *Processor) analyze(ctx context.Context, subject *domain.Subject, payload *domain.Payload) (domain.Analysis, bool, error) {
	fp := cache.FingerprintOf(subject.Content, payload.Context)

	if p.deps.Cache != nil {
		var cached domain.Analysis
		if p.deps.Cache.GetJSON(ctx, fp, &cached) && covers(cached, payload.Criteria) {
			return cached, true, nil
		}
	}

	resp, err := p.deps.Oracle.Analyze(ctx, &oracle.Request{
		Task:     oracle.TaskEvaluate,
		Content:  subject.Content,
		Document: subject.Document,
		Context:  payload.Context,
		Criteria: payload.Criteria,
	})
	if err != nil {
		return domain.Analysis{}, false, err
	}
	if resp == nil {
		return domain.Analysis{}, false, oracle.Malformed("empty response", nil)
	}

	if p.deps.Cache != nil {
		p.deps.Cache.Put(ctx, fp, resp.Analysis)
	}
	return resp.Analysis, false, nil
}

func covers(a domain.Analysis, criteria []domain.Criterion) bool {
	for _, c := range criteria {
		if _, ok := a.ScoreFor(c.Name); !ok {
			return false
		}
	}
	return true
}

// relevant is false when the oracle flags the document off-topic or a
// non-neutral validation reports a theme match below the threshold.
func (p *Processor) relevant(a domain.Analysis, v *domain.ValidationResult) bool {
	if !a.Relevant {
		return false
	}
	if v != nil && !v.IsNeutral() && v.ThemeMatch < p.cfg.RelevanceThreshold {
		return false
	}
	return true
}

// recordFailure persists a failed record and updates the batch. It runs on
// a detached context because the job context may already be expired; its
// own errors are logged only, so the original failure reaches the broker.
func (p *Processor) recordFailure(ctx context.Context, job *domain.Job, attempt int, class string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	rec := domain.EvaluationRecord{
		SubjectID:  job.SubjectID,
		JobID:      job.ID,
		Status:     domain.StatusFailed,
		Attempt:    attempt,
		ErrorClass: class,
		UpdatedAt:  p.now().UTC(),
	}
	if err := p.deps.Store.SaveResult(ctx, rec); err != nil {
		p.logger.Error("failed to persist failure", "job_id", job.ID, "subject_id", job.SubjectID, "error", err)
	}

	p.emitter.Emit(ctx, events.Event{
		Type:           EventEvaluationFailed,
		SubjectID:      job.SubjectID,
		BatchID:        batchID(job),
		IdempotencyKey: fmt.Sprintf("%s:%d:failed", job.ID, attempt),
		Payload:        rec,
	})

	if err := p.updateBatch(ctx, job, domain.MemberState{
		SubjectID: job.SubjectID,
		Status:    domain.StatusFailed,
	}); err != nil {
		p.logger.Error("failed to update batch after failure", "job_id", job.ID, "error", err)
	}
}

// updateBatch records the member outcome and recomputes the leaderboard.
// Individual jobs are a no-op.
func (p *Processor) updateBatch(ctx context.Context, job *domain.Job, m domain.MemberState) error {
	member, ok := job.Target().(domain.BatchMember)
	if !ok {
		return nil
	}

	m.Position = member.Position
	if err := p.deps.Store.UpdateBatchMember(ctx, member.BatchID, m); err != nil {
		return stageError(StagePersist, err)
	}
	if p.deps.Ranking == nil {
		return nil
	}
	if _, err := p.deps.Ranking.Recompute(ctx, member.BatchID); err != nil {
		return stageError(StageRanking, err)
	}
	return nil
}

func batchID(job *domain.Job) string {
	if job.Batch != nil {
		return job.Batch.BatchID
	}
	return ""
}
