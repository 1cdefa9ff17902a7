package domain

import "errors"

// ErrInvalidJob indicates that a job fails structural validation.
var ErrInvalidJob = errors.New("invalid job")

// ErrInvalidPayload indicates that an evaluation payload contains invalid data.
var ErrInvalidPayload = errors.New("invalid evaluation payload")

// ErrInvalidBatch indicates that a batch definition is invalid.
var ErrInvalidBatch = errors.New("invalid batch")

// ErrNoCriteria indicates that an overall score was requested without criteria.
var ErrNoCriteria = errors.New("no scoring criteria")

// ErrMissingCriterionScore indicates that an analysis lacks a score for a requested criterion.
var ErrMissingCriterionScore = errors.New("missing criterion score")

// ErrSubjectNotFound indicates that no stored subject matches the requested ID.
var ErrSubjectNotFound = errors.New("subject not found")

// ErrBatchNotFound indicates that no batch matches the requested ID.
var ErrBatchNotFound = errors.New("batch not found")
