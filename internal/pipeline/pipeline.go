package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cachevoice/cachevoice/internal/audio"
	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/config"
)

type ReasonCode string

const (
	ReasonExactHit          ReasonCode = "exact_hit"
	ReasonFuzzyHit          ReasonCode = "fuzzy_hit"
	ReasonMiss              ReasonCode = "miss"
	ReasonMissNoCache       ReasonCode = "miss_no_cache"
	ReasonMissTextTooLong   ReasonCode = "miss_text_too_long"
	ReasonErrorFileNotFound ReasonCode = "error_file_not_found"
)

// Synthesizer is what the pipeline needs from the provider fallback chain.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, model string) ([]byte, string, error)
	Available() bool
}

type Request struct {
	Input          string
	Voice          string
	Model          string
	ResponseFormat string
}

type Response struct {
	Audio    []byte
	Format   string
	Reason   ReasonCode
	Score    int
	Provider string
}

// Pipeline drives a synthesis request through classification, the cache, and
// the provider chain, and schedules variety warm-up in the background.
type Pipeline struct {
	cfg     config.CacheConfig
	cache   *cache.Cache
	gateway Synthesizer
	convert audio.Converter
	warmup  *Warmup
	log     *slog.Logger

	requests metric.Int64Counter
}

func New(cfg config.CacheConfig, c *cache.Cache, gw Synthesizer, conv audio.Converter, log *slog.Logger) *Pipeline {
	meter := otel.Meter("github.com/cachevoice/cachevoice/internal/pipeline")
	requests, _ := meter.Int64Counter("cachevoice.requests",
		metric.WithDescription("Synthesis requests by cache outcome"))

	p := &Pipeline{
		cfg:      cfg,
		cache:    c,
		gateway:  gw,
		convert:  conv,
		log:      log.With(slog.String("component", "pipeline")),
		requests: requests,
	}
	p.warmup = NewWarmup(c, gw, log)
	return p
}

// Warmup exposes the scheduler for shutdown draining.
func (p *Pipeline) Warmup() *Warmup { return p.warmup }

// Handle serves one synthesis request. Errors bubbling out are provider
// errors the HTTP layer maps to a status; every cache path recovers locally.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.NewString()
	format := req.ResponseFormat
	if format == "" {
		format = "mp3"
	}

	if len(req.Input) > p.cfg.MaxTextLength {
		p.logOp(ReasonMissTextTooLong, requestID, req, 0, format)
		p.cache.DB().RecordMiss()
		return p.synthesizeDirect(ctx, req, format, ReasonMissTextTooLong)
	}

	if !p.cfg.Enabled {
		p.logOp(ReasonMissNoCache, requestID, req, 0, format)
		p.cache.DB().RecordMiss()
		return p.synthesizeDirect(ctx, req, format, ReasonMissNoCache)
	}

	rerouted := false
	result := p.cache.Lookup(ctx, req.Input, req.Voice)
	if result.Kind != cache.KindMiss {
		data, err := os.ReadFile(result.Path)
		if err == nil {
			reason := ReasonExactHit
			if result.Kind == cache.KindFuzzyHit {
				reason = ReasonFuzzyHit
			}
			p.logOp(reason, requestID, req, result.Score, format)
			p.maybeWarmup(ctx, req, result.Matched)

			cachedFormat := formatFromPath(result.Path)
			data, format = p.convertOrKeep(ctx, data, cachedFormat, format)
			return &Response{Audio: data, Format: format, Reason: reason, Score: result.Score}, nil
		}
		// Lost a race against the evictor: drop the ghost entry and re-route
		// as a miss.
		p.logOp(ReasonErrorFileNotFound, requestID, req, 0, format)
		p.cache.DropFromHot(result.Matched, req.Voice)
		rerouted = true
	}

	if !rerouted {
		p.logOp(ReasonMiss, requestID, req, 0, format)
	}
	p.cache.DB().RecordMiss()

	data, provider, err := p.gateway.Synthesize(ctx, req.Input, req.Voice, req.Model)
	if err != nil {
		return nil, err
	}

	if _, version, err := p.cache.Store(ctx, req.Input, req.Voice, data, "mp3"); err != nil {
		p.log.Warn("failed to store synthesized audio", slog.String("error", err.Error()))
	} else if version == 1 && p.cfg.VarietyDepth > 1 {
		p.warmup.Schedule(req.Input, p.cache.NormalizeText(req.Input), req.Voice, req.Model)
	}

	data, format = p.convertOrKeep(ctx, data, "mp3", format)
	return &Response{Audio: data, Format: format, Reason: ReasonMiss, Provider: provider}, nil
}

// synthesizeDirect forwards to the provider chain without touching the cache.
func (p *Pipeline) synthesizeDirect(ctx context.Context, req Request, format string, reason ReasonCode) (*Response, error) {
	data, provider, err := p.gateway.Synthesize(ctx, req.Input, req.Voice, req.Model)
	if err != nil {
		return nil, err
	}
	data, format = p.convertOrKeep(ctx, data, "mp3", format)
	return &Response{Audio: data, Format: format, Reason: reason, Provider: provider}, nil
}

// convertOrKeep converts between formats, falling back to the source format
// when conversion is unavailable.
func (p *Pipeline) convertOrKeep(ctx context.Context, data []byte, srcFormat, dstFormat string) ([]byte, string) {
	if srcFormat == dstFormat {
		return data, srcFormat
	}
	converted, err := p.convert.Convert(ctx, data, srcFormat, dstFormat)
	if err != nil {
		p.log.Warn("format conversion failed, keeping source format",
			slog.String("from", srcFormat), slog.String("to", dstFormat),
			slog.String("error", err.Error()))
		return data, srcFormat
	}
	return converted, dstFormat
}

// maybeWarmup schedules the next version when the pair hasn't reached the
// variety depth yet.
func (p *Pipeline) maybeWarmup(ctx context.Context, req Request, matched string) {
	if p.cfg.VarietyDepth <= 1 {
		return
	}
	count, err := p.cache.VersionCount(ctx, matched, req.Voice)
	if err != nil || count >= p.cfg.VarietyDepth {
		return
	}
	p.warmup.Schedule(req.Input, matched, req.Voice, req.Model)
}

func (p *Pipeline) logOp(reason ReasonCode, requestID string, req Request, score int, format string) {
	attrs := []any{
		slog.String("reason_code", string(reason)),
		slog.String("request_id", requestID),
		slog.String("text_preview", preview(req.Input)),
		slog.String("voice_id", req.Voice),
		slog.String("format", format),
	}
	if reason == ReasonExactHit || reason == ReasonFuzzyHit {
		attrs = append(attrs, slog.Int("score", score))
	}
	p.log.Info("cache operation", attrs...)
	p.requests.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(reason))))
}

func preview(text string) string {
	if len(text) > 50 {
		return text[:50]
	}
	return text
}

func formatFromPath(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "mp3"
	}
	return ext
}
