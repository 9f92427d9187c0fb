package runtime

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports malformed job or workflow input. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// TimeoutError means an attempt exceeded its execution budget. The attempt is
// abandoned but the job-level retry loop may try again.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded %s budget", e.Budget)
}

// ClientError is a 4xx-equivalent failure. Retrying would not help.
type ClientError struct {
	Status int
	Reason string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Status, e.Reason)
}

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type UnknownWorkflowError struct {
	WorkflowID string
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("unknown workflow: %s", e.WorkflowID)
}

type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type: %s", e.JobType)
}

// DependencyNotMetError aborts a workflow when a required step's dependency
// did not complete.
type DependencyNotMetError struct {
	StepID     string
	Dependency string
}

func (e *DependencyNotMetError) Error() string {
	return fmt.Sprintf("step %s: dependency %s not met", e.StepID, e.Dependency)
}

// StorageError wraps a best-effort persistence failure. It is logged and
// swallowed, never failing the operation it shadows.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// retryablePatterns are error message substrings treated as transient when the
// error carries no explicit classification.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"temporarily unavailable",
	"too many requests",
	"unexpected EOF",
}

// Retryable reports whether a job attempt error should be retried with
// backoff. Classified errors decide directly; unclassified errors fall back
// to message pattern matching.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		validation *ValidationError
		client     *ClientError
		transient  *TransientError
		timeout    *TimeoutError
		unknownWf  *UnknownWorkflowError
		unknownJob *UnknownJobTypeError
		depNotMet  *DependencyNotMetError
	)
	switch {
	case errors.As(err, &transient), errors.As(err, &timeout):
		return true
	case errors.As(err, &validation), errors.As(err, &client),
		errors.As(err, &unknownWf), errors.As(err, &unknownJob),
		errors.As(err, &depNotMet):
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
