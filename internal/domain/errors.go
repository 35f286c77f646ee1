package domain

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports that the requested interval is already taken.
type ConflictError struct {
	ResourceID  string
	Conflicting []string
}

func (e ConflictError) Error() string {
	if len(e.Conflicting) == 0 {
		return fmt.Sprintf("resource %s is not available for the requested interval", e.ResourceID)
	}
	return fmt.Sprintf("resource %s is not available for the requested interval (conflicts with %s)", e.ResourceID, strings.Join(e.Conflicting, ","))
}

type ThreadClosedError struct {
	ThreadID  string
	SubjectID string
}

func (e ThreadClosedError) Error() string {
	return fmt.Sprintf("thread %s is closed", e.ThreadID)
}

// OfferNoLongerAvailableError wraps the reason an accept could not complete.
type OfferNoLongerAvailableError struct {
	OfferID string
	Cause   error
}

func (e OfferNoLongerAvailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("offer %s is no longer available: %v", e.OfferID, e.Cause)
	}
	return fmt.Sprintf("offer %s is no longer available", e.OfferID)
}

func (e OfferNoLongerAvailableError) Unwrap() error { return e.Cause }

type ExpiredError struct {
	Entity    string
	ID        string
	ExpiredAt time.Time
}

func (e ExpiredError) Error() string {
	return fmt.Sprintf("%s %s expired at %s", e.Entity, e.ID, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// TransientFailure is surfaced once bounded retries of a storage
// contention error are exhausted. Callers may retry.
type TransientFailure struct {
	Attempts int
	Err      error
}

func (e TransientFailure) Error() string {
	return fmt.Sprintf("transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e TransientFailure) Unwrap() error { return e.Err }
