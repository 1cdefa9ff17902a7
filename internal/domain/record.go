package domain

import "time"

// EvaluationStatus is the lifecycle state of a subject's evaluation.
type EvaluationStatus string

const (
	StatusPending    EvaluationStatus = "pending"
	StatusProcessing EvaluationStatus = "processing"
	StatusCompleted  EvaluationStatus = "completed"
	StatusFailed     EvaluationStatus = "failed"
)

// Terminal reports whether the status counts toward batch completion.
func (s EvaluationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CriterionScore is the oracle's score for one criterion on a 0-10 scale.
type CriterionScore struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Analysis is the cacheable outcome of evaluating one document under one
// context: per-criterion scores, free-text notes and the oracle's relevance
// judgement.
type Analysis struct {
	Scores   []CriterionScore `json:"scores"`
	Notes    string           `json:"notes,omitempty"`
	Relevant bool             `json:"relevant"`
}

// ScoreFor returns the score recorded for the named criterion.
func (a Analysis) ScoreFor(name string) (float64, bool) {
	for _, s := range a.Scores {
		if s.Name == name {
			return s.Score, true
		}
	}
	return 0, false
}

// EvaluationRecord is the persisted per-subject result. Failures are
// recorded with an error class only; raw error text is never stored.
type EvaluationRecord struct {
	SubjectID  string            `json:"subject_id"`
	JobID      string            `json:"job_id"`
	Status     EvaluationStatus  `json:"status"`
	Scores     []CriterionScore  `json:"scores,omitempty"`
	Overall    float64           `json:"overall"`
	Notes      string            `json:"notes,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Relevant   bool              `json:"relevant"`
	CacheHit   bool              `json:"cache_hit"`
	Attempt    int               `json:"attempt"`
	ErrorClass string            `json:"error_class,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
