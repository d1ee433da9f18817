package cache

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies a FetchError.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "E_INVALID_REQUEST"
	CodeNotCached      ErrorCode = "E_NOT_CACHED"
	CodeOriginNotFound ErrorCode = "E_ORIGIN_NOT_FOUND"
	CodeOriginFailed   ErrorCode = "E_ORIGIN_FAILED"
	CodeWriteFailed    ErrorCode = "E_WRITE_FAILED"
	CodeCancelled      ErrorCode = "E_CANCELLED"
)

var (
	// ErrNotCached is returned for a miss when no origin is configured.
	ErrNotCached = errors.New("cache: chunk not cached")
	// ErrNotFound is returned by origins that do not have the chunk.
	ErrNotFound = errors.New("cache: chunk not found at origin")
)

// FetchError carries a code and a retry hint. A failed fetch never touches
// previously committed chunks, so retrying is always safe.
type FetchError struct {
	Code      ErrorCode
	Retryable bool
	Request   Request
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Request.Key(), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Request.Key())
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a FetchError marked retryable.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable
}

func fetchError(r Request, code ErrorCode, retryable bool, err error) *FetchError {
	return &FetchError{Code: code, Retryable: retryable, Request: r, Err: err}
}

// classify maps an origin error to a FetchError.
func classify(r Request, err error) *FetchError {
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fetchError(r, CodeCancelled, true, err)
	case errors.Is(err, ErrNotFound):
		return fetchError(r, CodeOriginNotFound, false, err)
	}
	return fetchError(r, CodeOriginFailed, true, err)
}
