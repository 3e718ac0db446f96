package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"ledgercal/internal/credentials"
)

// ErrorClass buckets external-API failures into the recovery strategies
// the worker knows about.
type ErrorClass string

const (
	ClassTransient    ErrorClass = "transient"     // retry with backoff
	ClassRateLimited  ErrorClass = "rate_limited"  // retry honoring retry-after
	ClassAuth         ErrorClass = "auth"          // refresh once, then dead-letter
	ClassPrecondition ErrorClass = "precondition"  // stale etag, route to resolver
	ClassTokenExpired ErrorClass = "token_expired" // sync token gone, full sync
	ClassNotFound     ErrorClass = "not_found"     // target deleted externally
	ClassPermanent    ErrorClass = "permanent"     // dead-letter immediately
)

// APIError wraps an external-service error with its class and an optional
// server-provided retry hint.
type APIError struct {
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar api error (%s): %v", e.Class, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// ClassOf returns the class of an error, defaulting to transient for
// anything unclassified (network failures and the like are worth a retry).
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if isCredentialError(err) {
		return ClassAuth
	}
	return ClassTransient
}

// RetryAfterOf returns the server-provided retry hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Classify converts a raw Google API error into an APIError. Errors that
// are already classified pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var already *APIError
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Class: ClassTransient, Err: err}
	}
	// Token source failures never reach the API but need the same auth
	// recovery: one refresh attempt, then reconnect-required.
	if isCredentialError(err) {
		return &APIError{Class: ClassAuth, Err: err}
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport-level failure.
		return &APIError{Class: ClassTransient, Err: err}
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return &APIError{Class: ClassAuth, Err: err}
	case http.StatusForbidden:
		if isRateLimitReason(gerr) {
			return &APIError{Class: ClassRateLimited, RetryAfter: retryAfter(gerr), Err: err}
		}
		return &APIError{Class: ClassAuth, Err: err}
	case http.StatusTooManyRequests:
		return &APIError{Class: ClassRateLimited, RetryAfter: retryAfter(gerr), Err: err}
	case http.StatusPreconditionFailed, http.StatusConflict:
		return &APIError{Class: ClassPrecondition, Err: err}
	case http.StatusGone:
		// The calendar API signals an expired sync token with 410.
		return &APIError{Class: ClassTokenExpired, Err: err}
	case http.StatusNotFound:
		return &APIError{Class: ClassNotFound, Err: err}
	}

	if gerr.Code >= 500 {
		return &APIError{Class: ClassTransient, Err: err}
	}
	return &APIError{Class: ClassPermanent, Err: err}
}

func isCredentialError(err error) bool {
	return errors.Is(err, credentials.ErrNotConnected) || errors.Is(err, credentials.ErrReconnectRequired)
}

func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return 0
	}
	raw := gerr.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
