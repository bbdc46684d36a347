package server

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cachevoice/cachevoice/internal/audio"
	"github.com/cachevoice/cachevoice/internal/bus"
	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/fillers"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/internal/pipeline"
)

const (
	providerStatusUnknown     = "unknown"
	providerStatusAvailable   = "available"
	providerStatusUnavailable = "unavailable"
)

// Server is the HTTP surface over the pipeline and cache.
type Server struct {
	pipe    *pipeline.Pipeline
	cache   *cache.Cache
	gateway pipeline.Synthesizer
	fillers *fillers.Manager
	events  *bus.Publisher
	log     *slog.Logger

	mu             sync.Mutex
	providerStatus string
	lastErrorTime  time.Time
}

func New(pipe *pipeline.Pipeline, c *cache.Cache, gw pipeline.Synthesizer,
	fm *fillers.Manager, events *bus.Publisher, log *slog.Logger) *Server {
	status := providerStatusUnknown
	if !gw.Available() {
		status = providerStatusUnavailable
	}
	return &Server{
		pipe:           pipe,
		cache:          c,
		gateway:        gw,
		fillers:        fm,
		events:         events,
		log:            log.With(slog.String("component", "http")),
		providerStatus: status,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/audio/speech", s.handleSpeech)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/cache/stats", s.handleStats)
	r.Delete("/v1/cache", s.handleClear)
	r.Get("/v1/fillers", s.handleListFillers)
	r.Post("/v1/fillers/generate", s.handleGenerateFillers)
	r.Get("/v1/fillers/{name}", s.handleFillerAudio)
	return r
}

type speechBody struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var body speechBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Input == "" {
		http.Error(w, "input must not be empty", http.StatusBadRequest)
		return
	}
	format := body.ResponseFormat
	if format == "" {
		format = "mp3"
	}
	if !audio.SupportedFormat(format) {
		http.Error(w, fmt.Sprintf("unsupported response_format %q", format), http.StatusBadRequest)
		return
	}

	resp, err := s.pipe.Handle(r.Context(), pipeline.Request{
		Input:          body.Input,
		Voice:          body.Voice,
		Model:          body.Model,
		ResponseFormat: format,
	})
	if err != nil {
		s.writeSpeechError(w, err)
		return
	}

	if resp.Provider != "" {
		s.setProviderStatus(providerStatusAvailable)
	}
	s.publishCacheEvent(resp, body)

	w.Header().Set("Content-Type", audio.ContentType(resp.Format))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Audio)
}

func (s *Server) writeSpeechError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNoProvider), errors.Is(err, gateway.ErrUpstreamUnavailable):
		s.setProviderStatus(providerStatusUnavailable)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	var pe *gateway.ProviderError
	if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 {
		http.Error(w, pe.Error(), pe.StatusCode)
		return
	}
	s.log.Error("speech request failed", slog.String("error", err.Error()))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) publishCacheEvent(resp *pipeline.Response, body speechBody) {
	if s.events == nil {
		return
	}
	subject := bus.SubjectCacheMiss
	switch resp.Reason {
	case pipeline.ReasonExactHit, pipeline.ReasonFuzzyHit:
		subject = bus.SubjectCacheHit
	}
	preview := body.Input
	if len(preview) > 50 {
		preview = preview[:50]
	}
	s.events.Publish(subject, bus.CacheEvent{
		Reason:      string(resp.Reason),
		VoiceID:     body.Voice,
		TextPreview: preview,
	})
}

func (s *Server) setProviderStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerStatus = status
	if status == providerStatusUnavailable {
		s.lastErrorTime = time.Now().UTC()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.providerStatus
	lastErr := s.lastErrorTime
	s.mu.Unlock()

	payload := map[string]any{
		"status":          "ok",
		"provider_status": status,
		"cache_size":      s.cache.Hot().Size(),
	}
	if !lastErr.IsZero() {
		payload["last_error_time"] = lastErr.Format(time.RFC3339)
	}
	if s.events != nil {
		busStatus := "disconnected"
		if s.events.Healthy() {
			busStatus = "connected"
		}
		payload["bus_status"] = busStatus
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.DB().Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		cache.Stats
		HotIndexSize int `json:"hot_index_size"`
	}{stats, s.cache.Hot().Size()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	entries, files, err := s.cache.Clear(r.Context())
	if err != nil {
		http.Error(w, "failed to clear cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"cleared_entries": entries,
		"removed_files":   files,
	})
}

func (s *Server) handleListFillers(w http.ResponseWriter, r *http.Request) {
	voiceID := r.URL.Query().Get("voice_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"fillers": s.fillers.List(r.Context(), voiceID),
	})
}

func (s *Server) handleGenerateFillers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if !s.gateway.Available() {
		http.Error(w, "no tts provider configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": s.fillers.GenerateAll(r.Context(), body.VoiceID),
	})
}

func (s *Server) handleFillerAudio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if strings.ContainsAny(name, "/\\.") {
		http.Error(w, "invalid filler name", http.StatusBadRequest)
		return
	}
	dir := s.fillers.Dir()

	var (
		path        string
		contentType string
	)
	for _, c := range []struct{ ext, mime string }{{".mp3", "audio/mpeg"}, {".ogg", "audio/ogg"}} {
		candidate := filepath.Join(dir, name+c.ext)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			contentType = c.mime
			break
		}
	}
	if path == "" {
		http.Error(w, fmt.Sprintf("filler %q not found", name), http.StatusNotFound)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		http.Error(w, "filler unavailable", http.StatusInternalServerError)
		return
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())))
	etag := fmt.Sprintf("%x", sum[:16])
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Trim(match, `"`) == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, "filler unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
