package feed

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies feed failures.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindUpstreamAuth
	KindUpstreamFetch
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindUpstreamFetch:
		return "upstream_fetch"
	case KindEncode:
		return "encode"
	}
	return "unknown"
}

// Error is the only error type the assembler returns. Message is safe to show
// to clients; Err carries the detail for logs.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func missingCredentials(fields []string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Status:  http.StatusBadRequest,
		Message: "missing WebUntis credentials: " + strings.Join(fields, ", "),
	}
}

func upstreamAuth(err error) *Error {
	return &Error{Kind: KindUpstreamAuth, Status: http.StatusInternalServerError, Message: "WebUntis login failed", Err: err}
}

func upstreamFetch(err error) *Error {
	return &Error{Kind: KindUpstreamFetch, Status: http.StatusInternalServerError, Message: "failed to fetch timetable", Err: err}
}

func encodeFailed(err error) *Error {
	return &Error{Kind: KindEncode, Status: http.StatusInternalServerError, Message: "failed to create calendar", Err: err}
}

// AsError normalizes any error into an *Error; unknown errors become
// upstream fetch failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return upstreamFetch(err)
}
