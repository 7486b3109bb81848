package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when a subscription or delivery record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDispatch marks failures of the dispatcher itself, as opposed to an
	// event that simply had no subscribers.
	ErrDispatch = errors.New("dispatch failed")
)

// ValidationError rejects malformed registration or update input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DeliveryError is a recoverable delivery failure: a non-2xx response, a
// timeout or a connection error.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("delivery failed: endpoint responded with status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the attempt ran out of time.
func (e *DeliveryError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ExhaustionError is recorded when the last permitted attempt failed.
type ExhaustionError struct {
	Attempts int
	Last     *DeliveryError
}

func (e *ExhaustionError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("delivery exhausted after %d retries", e.Attempts)
	}
	return fmt.Sprintf("delivery exhausted after %d retries: %v", e.Attempts, e.Last)
}

func (e *ExhaustionError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}
