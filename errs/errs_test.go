package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesVenueAndCode(t *testing.T) {
	err := New(
		"gmocoin",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid order payload"),
		WithRawCode("ERR-5122"),
		WithRawMessage("The request is invalid"),
		WithCause(errors.New("gmocoin http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "venue=gmocoin") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=400") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"ERR-5122\"") {
		t.Fatalf("expected raw exchange code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"gmocoin http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := New("gmocoin", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the original cause")
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New("gmocoin", CodeRateLimited, WithRawCode("ERR-5003"))
	wrapped := fmt.Errorf("send subscribe: %w", inner)
	if got := CodeOf(wrapped); got != CodeRateLimited {
		t.Fatalf("CodeOf(wrapped) = %q, want %q", got, CodeRateLimited)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeNetwork, true},
		{CodeExchange, true},
		{CodeUnavailable, true},
		{CodeAuth, false},
		{CodeInvalid, false},
		{CodeRateLimited, false},
		{CodeTokenExpired, false},
	}
	for _, tc := range cases {
		err := New("gmocoin", tc.code)
		if got := IsTransient(err); got != tc.want {
			t.Fatalf("IsTransient(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
