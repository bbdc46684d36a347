package fillers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/config"
)

// Synthesizer is the provider-chain contract the filler generator consumes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, model string) ([]byte, string, error)
	Available() bool
}

// DefaultTemplates are the stock acknowledgement phrases pre-rendered so the
// assistant can answer instantly while real synthesis runs.
var DefaultTemplates = []config.FillerTemplate{
	{ID: "ack_listening", Text: "Evet, dinliyorum"},
	{ID: "ack_thinking", Text: "Hmm, bir saniye"},
	{ID: "ack_searching", Text: "Bakıyorum"},
	{ID: "ack_found", Text: "Buldum, bir saniye"},
	{ID: "ack_analyzing", Text: "Analiz ediyorum"},
	{ID: "ack_summarizing", Text: "Özetliyorum"},
	{ID: "ack_started", Text: "Hemen bakıyorum"},
	{ID: "ack_wait", Text: "Bir dakika"},
}

type Result struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Manager pre-generates filler audio. Each template goes through the normal
// cache write path and additionally lands as a stable named file under the
// fillers subdirectory, which is what the name-addressed HTTP endpoints serve
// and what the reconciler leaves alone.
type Manager struct {
	cache     *cache.Cache
	gateway   Synthesizer
	templates []config.FillerTemplate
	dir       string
	log       *slog.Logger
}

func NewManager(c *cache.Cache, gw Synthesizer, templates []config.FillerTemplate, log *slog.Logger) *Manager {
	if len(templates) == 0 {
		templates = DefaultTemplates
	}
	return &Manager{
		cache:     c,
		gateway:   gw,
		templates: templates,
		dir:       filepath.Join(c.Files().Dir(), "fillers"),
		log:       log.With(slog.String("component", "fillers")),
	}
}

// Dir is the named-file directory the manager maintains.
func (m *Manager) Dir() string { return m.dir }

// NamedPath returns where a template's audio lives for name-addressed serving.
func (m *Manager) NamedPath(id string) string {
	return filepath.Join(m.dir, id+".mp3")
}

// GenerateAll renders every template that isn't cached yet, a few at a time.
// Per-template failures are reported, not fatal.
func (m *Manager) GenerateAll(ctx context.Context, voiceID string) []Result {
	results := make([]Result, len(m.templates))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, tmpl := range m.templates {
		g.Go(func() error {
			r := m.generateOne(ctx, tmpl, voiceID)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func (m *Manager) generateOne(ctx context.Context, tmpl config.FillerTemplate, voiceID string) Result {
	normalized := m.cache.NormalizeText(tmpl.Text)
	count, err := m.cache.VersionCount(ctx, normalized, voiceID)
	if err == nil && count > 0 {
		if err := m.ensureNamedFile(tmpl.ID, normalized, voiceID); err != nil {
			m.log.Warn("failed to restore filler named copy",
				slog.String("id", tmpl.ID), slog.String("error", err.Error()))
		}
		m.log.Info("filler already cached", slog.String("id", tmpl.ID))
		return Result{ID: tmpl.ID, Text: tmpl.Text, Status: "exists"}
	}

	data, _, err := m.gateway.Synthesize(ctx, tmpl.Text, voiceID, "")
	if err != nil {
		m.log.Error("failed to generate filler",
			slog.String("id", tmpl.ID), slog.String("error", err.Error()))
		return Result{ID: tmpl.ID, Text: tmpl.Text, Status: "error", Error: err.Error()}
	}
	if _, _, err := m.cache.Store(ctx, tmpl.Text, voiceID, data, "mp3"); err != nil {
		m.log.Error("failed to store filler",
			slog.String("id", tmpl.ID), slog.String("error", err.Error()))
		return Result{ID: tmpl.ID, Text: tmpl.Text, Status: "error", Error: err.Error()}
	}
	if err := m.writeNamed(tmpl.ID, data); err != nil {
		m.log.Error("failed to write filler named copy",
			slog.String("id", tmpl.ID), slog.String("error", err.Error()))
		return Result{ID: tmpl.ID, Text: tmpl.Text, Status: "error", Error: err.Error()}
	}
	m.log.Info("generated filler", slog.String("id", tmpl.ID))
	return Result{ID: tmpl.ID, Text: tmpl.Text, Status: "generated"}
}

func (m *Manager) writeNamed(id string, data []byte) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create fillers dir: %w", err)
	}
	return m.cache.Files().Write(m.NamedPath(id), data)
}

// ensureNamedFile re-materializes the named copy from the cached audio when
// the fillers directory was wiped but the cache entry survived.
func (m *Manager) ensureNamedFile(id, normalized, voiceID string) error {
	path := m.NamedPath(id)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	paths := m.cache.Hot().Paths(normalized, voiceID)
	if len(paths) == 0 {
		return fmt.Errorf("no cached audio for filler %s", id)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		return err
	}
	return m.writeNamed(id, data)
}

// List reports cache presence for every template under a voice.
func (m *Manager) List(ctx context.Context, voiceID string) []Result {
	results := make([]Result, 0, len(m.templates))
	for _, tmpl := range m.templates {
		normalized := m.cache.NormalizeText(tmpl.Text)
		status := "missing"
		if count, err := m.cache.VersionCount(ctx, normalized, voiceID); err == nil && count > 0 {
			status = "cached"
		}
		results = append(results, Result{ID: tmpl.ID, Text: tmpl.Text, Status: status})
	}
	return results
}
