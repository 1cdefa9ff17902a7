package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// Stage names the processing step that failed.
type Stage string

const (
	StageLoadSubject Stage = "load_subject"
	StageOracle      Stage = "oracle"
	StageScoring     Stage = "scoring"
	StagePersist     Stage = "persist"
	StageRanking     Stage = "ranking"
)

// Error is a processing failure. Its class, not its text, is what gets
// recorded on the evaluation and the dead-letter entry.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Class returns a stable error class for the failure.
func (e *Error) Class() string {
	type classifier interface{ Class() string }
	var c classifier
	if errors.As(e.Err, &c) {
		return c.Class()
	}
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "job_timeout"
	case errors.Is(e.Err, domain.ErrSubjectNotFound):
		return "subject_not_found"
	case errors.Is(e.Err, domain.ErrMissingCriterionScore), errors.Is(e.Err, domain.ErrNoCriteria):
		return "scoring_failed"
	default:
		return string(e.Stage) + "_failed"
	}
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Err: err}
}

// ClassOf returns err's class, or an empty string for nil.
func ClassOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class()
	}
	return (&Error{Stage: "processing", Err: err}).Class()
}
