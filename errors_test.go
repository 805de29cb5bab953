package strand

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"401", &ErrHTTP{Status: 401}, KindAuth},
		{"403", &ErrHTTP{Status: 403}, KindAuth},
		{"404", &ErrHTTP{Status: 404}, KindRejected},
		{"429", &ErrHTTP{Status: 429}, KindRejected},
		{"500", &ErrHTTP{Status: 500}, KindUnavailable},
		{"503", &ErrHTTP{Status: 503}, KindUnavailable},
		{"wrapped http", fmt.Errorf("openai: execute: %w", &ErrHTTP{Status: 401}), KindAuth},
		{"backend kind", &ErrBackend{Backend: "ollama", Kind: KindUnavailable, Message: "down"}, KindUnavailable},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancelled", context.Canceled, KindCancelled},
		{"plain", errors.New("connection reset"), KindTransport},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&ErrHTTP{Status: 429}) {
		t.Error("429 should be transient")
	}
	if !IsTransient(&ErrHTTP{Status: 503}) {
		t.Error("503 should be transient")
	}
	if !IsTransient(fmt.Errorf("anthropic: %w", &ErrHTTP{Status: 429})) {
		t.Error("wrapping must not hide transience")
	}
	if IsTransient(&ErrHTTP{Status: 500}) {
		t.Error("500 is not transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Error("plain errors are not transient")
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{
		"30":  30 * time.Second,
		"0":   0,
		"":    0,
		"abc": 0,
		"-5":  0,
	}
	for in, want := range cases {
		if got := ParseRetryAfter(in); got != want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("openai: %w", &ErrHTTP{Status: 429, RetryAfter: 7 * time.Second})
	if got := RetryAfterOf(err); got != 7*time.Second {
		t.Errorf("RetryAfterOf = %v", got)
	}
	if got := RetryAfterOf(errors.New("boom")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v", got)
	}
}

func TestErrBackendMessage(t *testing.T) {
	err := &ErrBackend{Backend: "anthropic", Kind: KindAuth, Message: "invalid x-api-key"}
	want := "anthropic: auth_failed: invalid x-api-key"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
