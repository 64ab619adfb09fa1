package shot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the coarse failure class the orchestration layer acts on.
// Only KindCapacity is ever retried.
type Kind int

const (
	// KindUnknown covers anything not otherwise classified.
	KindUnknown Kind = iota
	// KindCapacity means the backend is at its concurrency limit.
	KindCapacity
	// KindNotFound means the referenced session does not exist (or no longer does).
	KindNotFound
	// KindValidation means the caller supplied bad or missing input.
	KindValidation
	// KindTransport means the network or a spawned process failed.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is the structured failure backends and boundaries return.
// Status and RequestID are populated when the failure came from an HTTP backend.
type Error struct {
	Kind      Kind
	Op        string
	Status    int
	RequestID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	b.WriteString(msg)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d", e.Status)
		if e.RequestID != "" {
			fmt.Fprintf(&b, ", request %s", e.RequestID)
		}
		b.WriteString(")")
	}
	if e.Message != "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusError builds an Error from an HTTP response status.
// The kind is derived from the status code.
func StatusError(op string, status int, requestID, message string) *Error {
	kind, _ := kindForStatus(status)
	return &Error{Kind: kind, Op: op, Status: status, RequestID: requestID, Message: message}
}

// Classify maps err onto a Kind. A *Error anywhere in the chain is
// authoritative: its kind, else the HTTP status it carries, else a network
// or deadline cause. Free text is never inspected here; only backend
// adapters apply ClassifyMessage to response bodies they own.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Kind != KindUnknown {
			return se.Kind
		}
		if kind, ok := kindForStatus(se.Status); ok {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	return KindUnknown
}

// ClassifyMessage is for backend adapters whose responses only carry free text.
// A message is a capacity signal when it contains "429", mentions both
// "concurrent" and "computer", or contains "limit".
func ClassifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "429"):
		return KindCapacity
	case strings.Contains(m, "concurrent") && strings.Contains(m, "computer"):
		return KindCapacity
	case strings.Contains(m, "limit"):
		return KindCapacity
	}
	return KindUnknown
}

// IsCapacity reports whether err should be retried with backoff.
func IsCapacity(err error) bool {
	return err != nil && Classify(err) == KindCapacity
}

func kindForStatus(status int) (Kind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindCapacity, true
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation, true
	case status >= http.StatusInternalServerError:
		return KindUnknown, true
	}
	return KindUnknown, false
}
