package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachevoice/cachevoice/internal/audio"
	"github.com/cachevoice/cachevoice/internal/bus"
	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/config"
	"github.com/cachevoice/cachevoice/internal/fillers"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/internal/pipeline"
	"github.com/cachevoice/cachevoice/internal/server"
)

// App composes every subsystem. One value constructed at startup and passed
// by reference; tests build their own instances.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the service up in dependency order (DB, hot index,
// reconciler, gateway, pipeline, evictor) and only then opens the listener.
// It blocks until ctx is cancelled, then shuts down gracefully.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	a.tracerClose = shutdownTelemetry

	db, err := cache.OpenMetadataDB(ctx, a.cfg.Cache.DBPath, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open metadata db: %w", err)
	}
	defer db.Close()

	c, err := cache.New(a.cfg.Cache, db, a.logger)
	if err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}
	loaded, err := c.LoadHot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load hot index: %w", err)
	}
	a.logger.Info("hot index loaded", slog.Int("entries", loaded))

	if _, _, err := cache.NewReconciler(c, a.logger).Run(ctx); err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}

	var events *bus.Publisher
	if a.cfg.Bus.Enabled {
		events, err = bus.Connect(a.cfg.Bus, a.logger)
		if err != nil {
			a.logger.Warn("bus unavailable, cache events disabled", slog.String("error", err.Error()))
			events = nil
		} else {
			defer events.Close()
		}
	}

	gw := gateway.NewFallback(a.cfg.Providers, a.logger)
	if !gw.Available() {
		a.logger.Warn("no tts provider configured, serving cache-only")
	}

	pipe := pipeline.New(a.cfg.Cache, c, gw, audio.NewFFmpegConverter(), a.logger)
	defer pipe.Warmup().Close()

	evictor := cache.NewEvictor(c, a.cfg.Cache.MaxEntries, a.cfg.Cache.MinAgeDays,
		a.cfg.Cache.CleanupIntervalHours, a.logger)
	evictor.OnEvicted = func(count int) {
		events.Publish(bus.SubjectCacheEviction, bus.CacheEvent{Reason: "eviction", Evicted: count})
	}
	evictor.Start(ctx)

	fm := fillers.NewManager(c, gw, a.cfg.Fillers.Templates, a.logger)
	if a.cfg.Fillers.AutoGenerateOnStartup && gw.Available() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			fm.GenerateAll(ctx, a.cfg.Fillers.VoiceID)
		}()
	}

	srv := server.New(pipe, c, gw, fm, events, a.logger)
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		a.metricsServer = &http.Server{
			Addr:              a.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	a.ready.Store(true)
	a.logger.Info("cachevoice started", slog.String("addr", addr))

	<-ctx.Done()
	a.logger.Info("cachevoice stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	a.wg.Wait()

	if a.tracerClose != nil {
		if err := a.tracerClose(shutdownCtx); err != nil {
			a.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}
