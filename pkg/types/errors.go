package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the SDK. Server-reported failures are wrapped around
// one of these so callers can classify with errors.Is regardless of the
// message the server attached.
var (
	// Request validation errors
	ErrValidation = errors.New("validation failed")

	// Transport errors
	ErrNotConnected     = errors.New("transport is not connected")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrConnectionClosed = errors.New("connection closed")

	// Server-reported errors
	ErrNotFound        = errors.New("entity not found")
	ErrUnauthorized    = errors.New("authorization failed")
	ErrTooManyRequests = errors.New("request rate exceeded")
	ErrInternal        = errors.New("internal server error")
)

// TradeError is returned when the terminal answers a trade request with a
// failure retcode. It carries the terminal's numeric and string codes along
// with the human-readable message.
type TradeError struct {
	NumericCode int
	StringCode  string
	Message     string
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("trade rejected: %s (%d): %s", e.StringCode, e.NumericCode, e.Message)
}

// TooManyRequestsError carries the server's throttling hint. It matches
// ErrTooManyRequests under errors.Is.
type TooManyRequestsError struct {
	Message              string
	RecommendedRetryTime time.Time
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Message, e.RecommendedRetryTime.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrTooManyRequests) succeed on the typed value.
func (e *TooManyRequestsError) Is(target error) bool {
	return target == ErrTooManyRequests
}
