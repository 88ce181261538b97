package scrape

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound signals that the requested job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrInProgress signals that an active job already exists for the URL.
	ErrInProgress = errors.New("scrape already in progress")
	// ErrJobActive signals an operation that is forbidden while a job is pending or scraping.
	ErrJobActive = errors.New("job is still pending or scraping")
	// ErrInvalidURL is matched by every ValidationError.
	ErrInvalidURL = errors.New("invalid url")
	// ErrQueueClosed is returned by a Queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned by a Queue that has no room for another job.
	ErrQueueFull = errors.New("job queue is full")
)

// ValidationCode classifies a rejected URL.
type ValidationCode string

// URL validation failure codes.
const (
	CodeTooLong         ValidationCode = "too_long"
	CodeInvalidURL      ValidationCode = "invalid_url"
	CodeInvalidScheme   ValidationCode = "invalid_scheme"
	CodePrivateIP       ValidationCode = "private_ip"
	CodeBlockedHostname ValidationCode = "blocked_hostname"
)

// ValidationError describes why a URL was rejected.
type ValidationError struct {
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrInvalidURL) match any validation failure.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidURL
}

// InProgressError carries the id of the job that blocked a new scrape.
type InProgressError struct {
	JobID string
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("scrape already in progress (job %s)", e.JobID)
}

// Is lets errors.Is(err, ErrInProgress) match.
func (e *InProgressError) Is(target error) bool {
	return target == ErrInProgress
}

// Error codes recorded on failed jobs that did not come from the provider.
const (
	ErrorCodeInternal  = "internal_error"
	ErrorCodeNetwork   = "network_error"
	ErrorCodeTimeout   = "timeout"
	ErrorCodeQueueFull = "queue_full" // job withdrawn before it was queued
)
