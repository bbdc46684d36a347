package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cachevoice/cachevoice/internal/config"
)

type circuitState struct {
	failures  []time.Time
	openUntil time.Time
}

// Fallback tries an ordered chain of providers. Fallback-eligible failures
// move on to the next provider; anything else propagates immediately.
// Repeated failures open a per-provider circuit that skips the provider for a
// cooldown.
type Fallback struct {
	chain []Provider
	log   *slog.Logger

	failureThreshold int
	failureWindow    time.Duration
	cooldown         time.Duration
	now              func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuitState
}

// NewFallback builds the chain from config order, instantiating only
// providers whose credentials are present. Provider names containing
// "eleven" get the ElevenLabs client; everything else speaks the
// OpenAI-compatible endpoint.
func NewFallback(cfg config.ProvidersConfig, log *slog.Logger) *Fallback {
	f := &Fallback{
		log:              log.With(slog.String("component", "gateway")),
		failureThreshold: 3,
		failureWindow:    5 * time.Minute,
		cooldown:         5 * time.Minute,
		now:              time.Now,
		circuits:         make(map[string]*circuitState),
	}
	for _, name := range cfg.FallbackChain {
		pc, ok := cfg.Configs[name]
		if !ok {
			continue
		}
		if !hasCredentials(pc.APIKey) {
			f.log.Info("skipping provider without credentials", slog.String("provider", name))
			continue
		}
		if strings.Contains(strings.ToLower(name), "eleven") {
			f.chain = append(f.chain, NewElevenLabsProvider(name, pc))
		} else {
			f.chain = append(f.chain, NewOpenAIProvider(name, pc))
		}
	}
	return f
}

// NewFallbackChain wires an explicit provider chain, used by tests.
func NewFallbackChain(log *slog.Logger, providers ...Provider) *Fallback {
	f := &Fallback{
		log:              log.With(slog.String("component", "gateway")),
		failureThreshold: 3,
		failureWindow:    5 * time.Minute,
		cooldown:         5 * time.Minute,
		now:              time.Now,
		circuits:         make(map[string]*circuitState),
	}
	f.chain = append(f.chain, providers...)
	return f
}

// Available reports whether any provider was instantiated.
func (f *Fallback) Available() bool { return len(f.chain) > 0 }

// Synthesize walks the chain in order and returns audio bytes plus the name
// of the provider that produced them.
func (f *Fallback) Synthesize(ctx context.Context, text, voice, model string) ([]byte, string, error) {
	if len(f.chain) == 0 {
		return nil, "", ErrNoProvider
	}

	var errs []string
	for _, p := range f.chain {
		if f.circuitOpen(p.Name()) {
			f.log.Info("skipping provider", slog.String("provider", p.Name()), slog.String("reason", "circuit-open"))
			continue
		}

		audio, err := p.Synthesize(ctx, text, voice, model)
		if err == nil {
			f.clearFailures(p.Name())
			return audio, p.Name(), nil
		}

		f.log.Warn("provider failed",
			slog.String("provider", p.Name()), slog.String("error", err.Error()))
		errs = append(errs, err.Error())

		if countsAsFailure(err) {
			f.recordFailure(p.Name())
		}
		if !IsFallbackEligible(err) {
			return nil, p.Name(), err
		}
	}

	if len(errs) > 0 {
		return nil, "", fmt.Errorf("%w (%s)", ErrUpstreamUnavailable, strings.Join(errs, "; "))
	}
	return nil, "", ErrUpstreamUnavailable
}

func (f *Fallback) circuitOpen(provider string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.circuits[provider]
	if !ok {
		return false
	}
	now := f.now()
	f.pruneLocked(state, now)
	if state.openUntil.After(now) {
		return true
	}
	state.openUntil = time.Time{}
	return false
}

func (f *Fallback) recordFailure(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.circuits[provider]
	if !ok {
		state = &circuitState{}
		f.circuits[provider] = state
	}
	now := f.now()
	f.pruneLocked(state, now)
	state.failures = append(state.failures, now)
	if len(state.failures) >= f.failureThreshold {
		state.openUntil = now.Add(f.cooldown)
		f.log.Warn("provider circuit opened",
			slog.String("provider", provider),
			slog.Int("failures", len(state.failures)),
			slog.Duration("cooldown", f.cooldown))
	}
}

func (f *Fallback) clearFailures(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.circuits[provider]; ok {
		state.failures = nil
		state.openUntil = time.Time{}
	}
}

func (f *Fallback) pruneLocked(state *circuitState, now time.Time) {
	cutoff := now.Add(-f.failureWindow)
	i := 0
	for i < len(state.failures) && state.failures[i].Before(cutoff) {
		i++
	}
	state.failures = state.failures[i:]
}
