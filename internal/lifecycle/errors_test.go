package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/go-studio/internal/persistence"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout, true},
		{"canceled", context.Canceled, CodeInterrupted, true},
		{"auth", errors.New("HTTP 401 Unauthorized"), CodeProviderAuth, false},
		{"rate limit", errors.New("429 Too Many Requests"), CodeRateLimited, true},
		{"quota", errors.New("monthly quota reached"), CodeRateLimited, true},
		{"timeout text", errors.New("upstream timed out"), CodeTimeout, true},
		{"unavailable", errors.New("502 bad gateway"), CodeProviderUnavailable, true},
		{"eof", errors.New("unexpected EOF"), CodeProviderUnavailable, true},
		{"billing", errors.New("payment required"), CodeProviderBilling, false},
		{"bad request", errors.New("400 bad request: prompt too long"), CodeInvalidInput, false},
		{"content policy", errors.New("rejected by content policy"), CodeInvalidInput, false},
		{"unknown", errors.New("something odd"), persistence.ReasonExecutionFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := Normalize(tt.err)
			if te.Code != tt.code || te.Retryable != tt.retryable {
				t.Fatalf("Normalize(%q) = %s/%v, want %s/%v", tt.err, te.Code, te.Retryable, tt.code, tt.retryable)
			}
		})
	}
}

func TestNormalize_TaskErrorWins(t *testing.T) {
	explicit := Retryable("CUSTOM", errors.New("400 but retry anyway"))
	te := Normalize(fmt.Errorf("wrapped: %w", explicit))
	if te != explicit {
		t.Fatalf("expected explicit TaskError back, got %+v", te)
	}
	if !errors.Is(fmt.Errorf("x: %w", Permanent("X", context.Canceled)), context.Canceled) {
		t.Fatal("TaskError must unwrap to its cause")
	}
}

func TestNormalize_EmptyCodeDefaults(t *testing.T) {
	te := Normalize(&TaskError{Err: errors.New("boom")})
	if te.Code != persistence.ReasonExecutionFailed || te.Message != "boom" {
		t.Fatalf("unexpected %+v", te)
	}
	if Normalize(nil) != nil {
		t.Fatal("nil must normalize to nil")
	}
}
