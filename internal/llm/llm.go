package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway abstracts LLM providers behind a single completion call.
// Implementations are injected explicitly; there is no package-level client.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request carries everything a provider needs for one completion.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text       string
	TokensUsed int
}

// ErrEmptyPrompt is returned before any provider call is attempted.
var ErrEmptyPrompt = errors.New("prompt is empty")

// ProviderError wraps a provider failure that is not a rate limit.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider %s model %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError signals provider throttling. Info carries whatever the
// provider exposed; absent fields fall back to defaults downstream.
type RateLimitError struct {
	Provider string
	Model    string
	Info     RateLimitInfo
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("llm rate limit on %s model %s (wait %ds): %v", e.Provider, e.Model, e.Info.WaitSeconds, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// RateLimitFromError extracts structured throttling info from err.
// Falls back to message parsing when err is not a typed RateLimitError.
func RateLimitFromError(err error) (RateLimitInfo, bool) {
	if err == nil {
		return RateLimitInfo{}, false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Info, true
	}
	return ParseRateLimit(err.Error())
}

// IsTimeout reports whether err is a call deadline expiry. Timeouts are
// retried like generic provider errors, not like rate limits.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
