// Package apperr defines the closed set of domain error kinds shared by the
// retrieval and ingestion surfaces. Handlers map kinds to HTTP status codes;
// internal code wraps with fmt.Errorf and %w so Kind survives the chain.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a stable error category.
type Kind string

const (
	KindBadRequest        Kind = "bad_request"
	KindUnsupportedMime   Kind = "unsupported_mime"
	KindTooLarge          Kind = "too_large"
	KindEmptyPayload      Kind = "empty_payload"
	KindUnknownProfile    Kind = "unknown_profile"
	KindUnknownDomain     Kind = "unknown_domain"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindSchemaDrift       Kind = "schema_drift"
	KindEmbedFailed       Kind = "embed_failed"
	KindLLMFailed         Kind = "llm_failed"
	KindStoreFailed       Kind = "store_failed"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindInvariantViolated Kind = "invariant_violated"
)

// Error carries a Kind plus a human-readable detail. Transient marks upstream
// failures that may succeed on retry.
type Error struct {
	Kind      Kind
	Detail    string
	Transient bool
	cause     error
}

// New creates an Error with the given kind and detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an Error with a formatted detail.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Upstream creates a transient upstream Error.
func Upstream(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Transient: true, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the Kind from an error chain. Unknown errors report
// invariant_violated so they always map to a 500.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInvariantViolated
}

// Is lets errors.Is match on Kind.
func (e *Error) Is(target error) bool {
	var ae *Error
	if errors.As(target, &ae) {
		return e.Kind == ae.Kind
	}
	return false
}

// HTTPStatus maps a Kind to an HTTP status code at the handler boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest, KindEmptyPayload:
		return http.StatusBadRequest
	case KindUnsupportedMime:
		return http.StatusUnsupportedMediaType
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnknownProfile:
		return http.StatusUnprocessableEntity
	case KindUnknownDomain:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindSchemaDrift, KindEmbedFailed, KindLLMFailed, KindStoreFailed, KindInvariantViolated:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
