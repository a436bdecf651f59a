// Package errinfo classifies transport and HTTP failures into the closed set of
// kinds the sync layer acts on.
package errinfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the classification of a failure
type Kind string

const (
	KindNetwork      Kind = "NETWORK"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindValidation   Kind = "VALIDATION"
	KindUnknown      Kind = "UNKNOWN"
)

// StatusError is implemented by errors that carry an HTTP status
type StatusError interface {
	error
	StatusCode() int
}

// FieldError is implemented by errors that carry per-field validation messages
type FieldError interface {
	FieldErrors() map[string]string
}

// Error is a classified failure
type Error struct {
	Kind    Kind              `json:"kind"`
	Status  int               `json:"status,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with no underlying cause
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Unauthorized is the error used when an operation needs a user and has none
func Unauthorized(cause error) *Error {
	msg := "authentication required"
	if cause != nil {
		msg = fmt.Sprintf("authentication required: %v", cause)
	}
	return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: msg, Err: cause}
}

// Extract classifies err. It returns nil for a nil error.
func Extract(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		info := &Error{
			Kind:    kindForStatus(statusErr.StatusCode()),
			Status:  statusErr.StatusCode(),
			Message: statusErr.Error(),
			Err:     err,
		}
		var fieldErr FieldError
		if errors.As(err, &fieldErr) {
			info.Fields = fieldErr.FieldErrors()
		}
		return info
	}

	// url.Error satisfies net.Error even when it only wraps a cancellation
	if IsCanceled(err) {
		return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
	}

	if isNetworkError(err) {
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}

	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// KindOf returns the kind of err, or "" for nil
func KindOf(err error) Kind {
	if info := Extract(err); info != nil {
		return info.Kind
	}
	return ""
}

// IsRetryable reports whether err should be retried automatically
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsCanceled reports whether err only signals that the caller gave up
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindUnknown
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return matchesTransportFailure(err.Error())
}

// Opaque errors from wrapped clients often only keep the message
var transportFailures = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"no such host",
	"network unreachable",
	"network is unreachable",
	"broken pipe",
	"dns lookup failed",
	"i/o timeout",
	"unexpected eof",
}

func matchesTransportFailure(msg string) bool {
	msg = strings.ToLower(msg)
	for _, failure := range transportFailures {
		if strings.Contains(msg, failure) {
			return true
		}
	}
	return false
}
