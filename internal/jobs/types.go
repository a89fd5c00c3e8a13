// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobs submits image and video generation jobs and polls them until
// the server reports a terminal status.
package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// JOB TYPES
// =============================================================================

// Kind selects the generation endpoint.
type Kind string

// Job kinds.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ParseKind maps a user-supplied name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindImage:
		return KindImage, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Status is the server-reported job state.
type Status string

// Job statuses. COMPLETED and FAILED are terminal.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further polling should happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Known reports whether s is one of the four documented statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Result is the output of a completed job.
type Result struct {
	Path string `json:"path"`
}

// Job is one status response.
type Job struct {
	ID     string  `json:"id"`
	Status Status  `json:"status"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// FallbackMessage is used when a job fails without an error text.
const FallbackMessage = "generation failed"

var (
	// ErrUnknownKind is returned for a kind other than image or video.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrMaxAttempts is returned when the poll budget runs out before a
	// terminal status.
	ErrMaxAttempts = errors.New("job did not finish within the attempt limit")

	// ErrMaxWait is returned when the wait budget runs out before a
	// terminal status.
	ErrMaxWait = errors.New("job did not finish within the wait limit")

	errNoJobID = errors.New("response has no job_id")
)

// SubmissionError means the creation request failed and no job id exists.
type SubmissionError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s job: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// JobError means the job reached FAILED.
type JobError struct {
	JobID   string
	Message string // server text, or FallbackMessage
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

func newJobError(id, message string) *JobError {
	if strings.TrimSpace(message) == "" {
		message = FallbackMessage
	}
	return &JobError{JobID: id, Message: message}
}
