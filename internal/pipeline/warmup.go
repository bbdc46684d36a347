package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cachevoice/cachevoice/internal/cache"
)

const warmupTimeout = 30 * time.Second

// Warmup pre-synthesizes additional variety versions in the background. An
// in-flight set keyed by (normalized text, voice) coalesces work: at most one
// background synthesis per key at any time. Failures are logged and never
// surface to the originating request.
type Warmup struct {
	cache   *cache.Cache
	gateway Synthesizer
	limiter *rate.Limiter
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewWarmup(c *cache.Cache, gw Synthesizer, log *slog.Logger) *Warmup {
	ctx, cancel := context.WithCancel(context.Background())
	return &Warmup{
		cache:    c,
		gateway:  gw,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		log:      log.With(slog.String("component", "warmup")),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Schedule queues a background synthesis for the next version of the key.
// Returns false when a task for the key is already in flight.
func (w *Warmup) Schedule(text, textNormalized, voice, model string) bool {
	key := textNormalized + "|" + voice

	w.mu.Lock()
	if _, busy := w.inflight[key]; busy {
		w.mu.Unlock()
		return false
	}
	w.inflight[key] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, key)
			w.mu.Unlock()
		}()
		w.run(text, voice, model)
	}()
	return true
}

func (w *Warmup) run(text, voice, model string) {
	ctx, cancel := context.WithTimeout(w.ctx, warmupTimeout)
	defer cancel()

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	data, provider, err := w.gateway.Synthesize(ctx, text, voice, model)
	if err != nil {
		w.log.Warn("warmup synthesis failed",
			slog.String("voice_id", voice), slog.String("error", err.Error()))
		return
	}
	// Store derives the next version itself.
	path, version, err := w.cache.Store(ctx, text, voice, data, "mp3")
	if err != nil {
		w.log.Warn("warmup store failed",
			slog.String("voice_id", voice), slog.String("error", err.Error()))
		return
	}
	w.log.Info("warmup stored version",
		slog.String("voice_id", voice), slog.Int("version", version),
		slog.String("provider", provider), slog.String("path", path))
}

// pending reports the number of scheduled-but-unfinished tasks.
func (w *Warmup) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Wait blocks until outstanding tasks complete, for tests.
func (w *Warmup) Wait() { w.wg.Wait() }

// Close abandons pending tasks. Store is idempotent under retry, so nothing
// corrupts.
func (w *Warmup) Close() {
	w.cancel()
	w.wg.Wait()
}
