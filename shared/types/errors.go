// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package types

import (
	"errors"
	"fmt"
)

// The pipeline error taxonomy. Every stage returns a typed outcome; the
// orchestration engine maps these onto skip/retry/fallback policy. Only
// generic messages ever reach the user.

// ErrInputTooLong is returned by the classifier when the query text
// still exceeds the limit after the truncation attempt.
var ErrInputTooLong = errors.New("input too long")

// ErrContextStoreUnavailable is returned by the context assembler when
// the knowledge store cannot be reached within its sub-timeout.
// Recoverable: proceed with an empty bundle and reduced validation depth.
var ErrContextStoreUnavailable = errors.New("context store unavailable")

// ErrAllProvidersFailed is returned by the invoker when every candidate
// provider has been exhausted. Fatal to the invocation stage; the engine
// emits the safe fallback message instead of propagating it.
var ErrAllProvidersFailed = errors.New("all providers failed")

// ErrValidationRejected signals confidence below the rejection
// threshold. Recovered by one regeneration attempt, else a hedged response.
var ErrValidationRejected = errors.New("validation rejected")

// ErrAuditWriteFailed is logged and alerted, never surfaced to the user.
var ErrAuditWriteFailed = errors.New("audit write failed")

// StageError wraps an underlying error with the stage it occurred in and
// whether the engine may recover from it.
type StageError struct {
	Stage       Stage
	Recoverable bool
	Err         error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Recoverable {
		return fmt.Sprintf("%s stage: recoverable: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage: fatal: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err as a fatal stage error.
func NewStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// NewRecoverableStageError wraps err as a recoverable stage error.
func NewRecoverableStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Recoverable: true, Err: err}
}
