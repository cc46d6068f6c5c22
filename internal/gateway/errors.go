package gateway

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/internal/quota"
)

var (
	ErrAIUnavailable   = errors.New("ai unavailable")
	ErrInvalidResponse = errors.New("invalid ai response")
	ErrConfiguration   = errors.New("gateway misconfigured")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Outcome codes returned to callers.
const (
	CodeSuccess         = "SUCCESS"
	CodeLimitExceeded   = "LIMIT_EXCEEDED"
	CodeAIUnavailable   = "AI_UNAVAILABLE"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeConfiguration   = "CONFIGURATION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
)

// LimitExceededError carries the ledger snapshot that caused the rejection.
type LimitExceededError struct {
	Status quota.Status
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %d of %d used", e.Status.FeatureUsage, e.Status.FeatureLimit)
}

// FormatError means a provider answered but the answer was not valid
// structured output, even after repair.
type FormatError struct {
	Provider provider.Tag
	Model    string
	Raw      string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s/%s returned unparseable output: %v", e.Provider, e.Model, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// InvokeError wraps a terminal failure with the state the invocation reached.
type InvokeError struct {
	State    State
	Attempts int
	Err      error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke failed at %s after %d attempt(s): %v", e.State, e.Attempts, e.Err)
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}

// Code maps any error from Invoke onto the closed outcome set.
func Code(err error) string {
	var limitErr *LimitExceededError
	switch {
	case err == nil:
		return CodeSuccess
	case errors.As(err, &limitErr):
		return CodeLimitExceeded
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrConfiguration), provider.IsConfiguration(err):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidResponse):
		return CodeInvalidResponse
	default:
		return CodeAIUnavailable
	}
}
