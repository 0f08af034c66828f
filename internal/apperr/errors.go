// Package apperr defines the error taxonomy shared by the admission,
// validation and worker paths. Every error carries a user-safe message;
// wrapped causes stay internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError covers malformed or missing request fields.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation builds a ValidationError with a formatted message.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError covers an absent order, product, alert or user.
type NotFoundError struct {
	Resource string
	IDs      []string
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.IDs, ", "))
}

// NewNotFound reports missing resources; every missing id is listed, not just
// the first.
func NewNotFound(resource string, ids ...string) *NotFoundError {
	return &NotFoundError{Resource: resource, IDs: ids}
}

// ConflictError covers an order not in the expected state for a transition.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError names the offending product and the quantities
// involved. Surfaced to callers as a bad request.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// TransportError covers queue unavailability and scan timeouts.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// PersistenceError covers ledger or alert store failures.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Cause) }
func (e *PersistenceError) Unwrap() error { return e.Cause }

// HTTPStatus maps an error to the status code the thin HTTP layer should
// return. Internal and transport errors map to 500-class codes; their details
// are not for clients.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		is *InsufficientStockError
		te *TransportError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &is):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &te):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the client-facing message for an error. Persistence and
// transport failures collapse to a generic message.
func UserMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return err.Error()
	}
}
