package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/go-studio/internal/persistence"
)

// ErrTerminated tells the executor the task was ended from outside (usually
// cancelled) while the handler ran. The queue never retries it.
var ErrTerminated = errors.New("task terminated")

// Normalized execution error codes.
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeTimeout             = "TIMEOUT"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeProviderAuth        = "PROVIDER_AUTH"
	CodeProviderBilling     = "PROVIDER_BILLING"
	CodeInterrupted         = "INTERRUPTED"
	CodeHandlerMissing      = "HANDLER_NOT_REGISTERED"
)

// TaskError is a classified execution failure. Handlers return one to
// override pattern classification.
type TaskError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *TaskError) Unwrap() error { return e.Err }

// Retryable builds a TaskError the queue may retry.
func Retryable(code string, err error) *TaskError {
	return &TaskError{Code: code, Message: errMessage(err), Retryable: true, Err: err}
}

// Permanent builds a TaskError that fails the task on first occurrence.
func Permanent(code string, err error) *TaskError {
	return &TaskError{Code: code, Message: errMessage(err), Err: err}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Normalize classifies err into a code and retryable flag. A TaskError in the
// chain is returned as is; everything else is matched on its message the way
// provider errors surface (status codes and vendor phrases).
func Normalize(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		if te.Code == "" {
			te.Code = persistence.ReasonExecutionFailed
		}
		if te.Message == "" {
			te.Message = errMessage(te.Err)
		}
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(CodeTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return Retryable(CodeInterrupted, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "unauthorized", "invalid api key", "invalid key", "forbidden", "403"):
		return Permanent(CodeProviderAuth, err)
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "quota"):
		return Retryable(CodeRateLimited, err)
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return Retryable(CodeTimeout, err)
	case containsAny(msg, "500", "502", "503", "504", "unavailable", "connection refused", "connection reset", "bad gateway", "eof"):
		return Retryable(CodeProviderUnavailable, err)
	case containsAny(msg, "billing", "payment required", "insufficient funds", "402"):
		return Permanent(CodeProviderBilling, err)
	case containsAny(msg, "400", "422", "bad request", "invalid", "unprocessable", "content policy", "safety"):
		return Permanent(CodeInvalidInput, err)
	}
	return Retryable(persistence.ReasonExecutionFailed, err)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
