// Package domain defines the core types of the document evaluation pipeline:
// jobs and their payloads, per-subject evaluation records, template
// validation results, batch state and the pure ranking and scoring
// functions that operate on them.
//
// Everything in this package is free of I/O so it can be used from queue
// consumers, Temporal activities and tests alike.
package domain

import (
	"fmt"
	"time"
)

// JobKind discriminates the two job variants carried by the queue.
type JobKind string

const (
	// JobKindIndividual is a standalone document evaluation.
	JobKindIndividual JobKind = "individual"

	// JobKindBatchMember is one document of a ranked batch.
	JobKindBatchMember JobKind = "batch_member"
)

// String returns the string representation of the job kind.
func (k JobKind) String() string { return string(k) }

// Queue names used for routing submitted work.
const (
	QueueIndividual = "individual_evaluation"
	QueueBatch      = "batch_evaluation"
	QueueBulk       = "bulk_processing"
)

// MaxPriority is the highest accepted job priority.
const MaxPriority = 255

// BatchRef ties a job to its batch and records its submission order,
// which is the tie-breaker when ranking equal scores.
type BatchRef struct {
	BatchID  string `json:"batch_id" validate:"required"`
	Position int    `json:"position" validate:"min=0"`
}

// Job is a unit of queued work. It is created at submission, mutated only by
// the broker (RetryCount) and acknowledged on terminal success or after the
// retry ceiling is exceeded.
type Job struct {
	// ID uniquely identifies the submission. Redeliveries keep the same ID.
	ID string `json:"id" validate:"required"`

	Kind      JobKind `json:"kind" validate:"required,oneof=individual batch_member"`
	SubjectID string  `json:"subject_id" validate:"required"`

	// Batch is present iff Kind is JobKindBatchMember.
	Batch *BatchRef `json:"batch,omitempty" validate:"required_if=Kind batch_member,excluded_if=Kind individual"`

	Payload Payload `json:"payload" validate:"required"`

	// Priority is a scheduling hint; higher values are delivered first.
	Priority int `json:"priority" validate:"min=0,max=255"`

	// RetryCount starts at zero and is incremented by the broker on each
	// failed delivery that is resubmitted.
	RetryCount int `json:"retry_count" validate:"min=0"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks the job's structural invariants.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	return nil
}

// Target returns the job's variant. Consumers switch on the concrete type
// instead of probing optional fields.
func (j *Job) Target() Target {
	if j.Kind == JobKindBatchMember && j.Batch != nil {
		return BatchMember{
			SubjectID: j.SubjectID,
			BatchID:   j.Batch.BatchID,
			Position:  j.Batch.Position,
		}
	}
	return Individual{SubjectID: j.SubjectID}
}

// Queue returns the queue this job is routed to on submission.
func (j *Job) Queue() string {
	if j.Kind == JobKindBatchMember {
		return QueueBatch
	}
	return QueueIndividual
}

// Target is the sealed set of job variants.
type Target interface {
	isTarget()
	Subject() string
}

// Individual is a standalone evaluation target.
type Individual struct {
	SubjectID string
}

func (Individual) isTarget() {}

// Subject returns the evaluated subject's ID.
func (i Individual) Subject() string { return i.SubjectID }

// BatchMember is an evaluation target that belongs to a ranked batch.
type BatchMember struct {
	SubjectID string
	BatchID   string
	Position  int
}

func (BatchMember) isTarget() {}

// Subject returns the evaluated subject's ID.
func (b BatchMember) Subject() string { return b.SubjectID }
