// Package errs provides structured error types shared across the connectivity core.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the connectivity core.
type Code string

const (
	// CodeNetwork indicates a transient transport failure (timeout, reset).
	CodeNetwork Code = "network"
	// CodeAuth indicates a rejected signature or credential.
	CodeAuth Code = "auth"
	// CodeInvalid indicates the exchange rejected the request parameters.
	CodeInvalid Code = "invalid_request"
	// CodeRateLimited indicates the exchange reported throttling despite local limiting.
	CodeRateLimited Code = "rate_limited"
	// CodeExchange indicates an exchange-side failure (maintenance, internal error).
	CodeExchange Code = "exchange_error"
	// CodeDecode indicates a malformed or unrecognized payload.
	CodeDecode Code = "decode"
	// CodeTokenExpired indicates the private access token lapsed before renewal.
	CodeTokenExpired Code = "token_expired"
	// CodeReconnectExhausted indicates a session failed to re-establish within its retry budget.
	CodeReconnectExhausted Code = "reconnect_exhausted"
	// CodeUnavailable indicates a component is shut down or not yet started.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the connectivity core.
type E struct {
	Venue   string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{Venue: strings.TrimSpace(venue), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code (e.g. ERR-5003).
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// IsTransient reports whether err represents an infrastructure failure that is
// safe to retry. Application-level rejections are never transient.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeExchange, CodeUnavailable:
		return true
	default:
		return false
	}
}
