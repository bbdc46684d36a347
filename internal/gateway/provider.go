package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cachevoice/cachevoice/internal/config"
)

// Provider is the upstream TTS contract. Implementations return encoded audio
// bytes (mp3 unless noted) for the given text.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text, voice, model string) ([]byte, error)
}

// ErrUpstreamUnavailable means every provider in the chain failed with a
// fallback-eligible error. Surfaces as HTTP 503.
var ErrUpstreamUnavailable = errors.New("tts unavailable: all fallback providers failed")

// ErrNoProvider means the chain is empty or every provider was skipped for
// missing credentials.
var ErrNoProvider = errors.New("no tts provider configured")

// ProviderError wraps an upstream rejection together with the HTTP status the
// provider answered with (0 when the failure never reached a response).
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsFallbackEligible classifies an error as one that permits trying the next
// provider. Rate limits, server-side failures, and transport/timeout errors
// are eligible; client-side rejections (bad request, auth) imply the request
// itself is bad and propagate immediately.
func IsFallbackEligible(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		if pe.StatusCode == 429 {
			return true
		}
		return pe.StatusCode >= 500
	}
	// No status: transport failure, timeout, or context deadline.
	return true
}

// countsAsFailure mirrors the eligibility classes for circuit accounting.
func countsAsFailure(err error) bool {
	return IsFallbackEligible(err)
}

// hasCredentials treats empty, whitespace-only, and unresolved ${VAR}
// placeholder keys as absent so an un-configured provider is skipped cleanly.
func hasCredentials(key string) bool {
	trimmed := strings.TrimSpace(key)
	return trimmed != "" && !config.IsPlaceholder(trimmed)
}
