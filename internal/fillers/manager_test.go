package fillers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubGateway struct {
	mu    sync.Mutex
	audio []byte
	err   error
	calls int
}

func (s *stubGateway) Synthesize(ctx context.Context, text, voice, model string) ([]byte, string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, "", s.err
	}
	return s.audio, "stub", nil
}

func (s *stubGateway) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubGateway) Available() bool { return true }

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir := t.TempDir()
	cfg := config.CacheConfig{
		Enabled:       true,
		AudioDir:      filepath.Join(dir, "audio"),
		DBPath:        filepath.Join(dir, "cache.db"),
		VarietyDepth:  1,
		MaxTextLength: 500,
		Normalize: config.NormalizeConfig{
			Lowercase: true, StripPunctuation: true, CollapseWhitespace: true,
			ReplaceNumbers: true, StripMinimax: true,
		},
	}
	db, err := cache.OpenMetadataDB(context.Background(), cfg.DBPath, newLogger())
	if err != nil {
		t.Fatalf("open metadata db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c, err := cache.New(cfg, db, newLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestGenerateAllRendersEveryTemplate(t *testing.T) {
	c := newTestCache(t)
	gw := &stubGateway{audio: []byte("filler-bytes")}
	templates := []config.FillerTemplate{
		{ID: "one", Text: "Bir dakika"},
		{ID: "two", Text: "Hemen bakıyorum"},
	}
	m := NewManager(c, gw, templates, newLogger())

	results := m.GenerateAll(context.Background(), "v1")
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != "generated" {
			t.Fatalf("template %s status = %q", r.ID, r.Status)
		}
	}

	// Each template also lands as a stable named file for the HTTP surface.
	for _, tmpl := range templates {
		data, err := os.ReadFile(m.NamedPath(tmpl.ID))
		if err != nil {
			t.Fatalf("named copy for %s: %v", tmpl.ID, err)
		}
		if string(data) != "filler-bytes" {
			t.Fatalf("named copy for %s has wrong bytes", tmpl.ID)
		}
	}

	// A second run finds everything cached and calls no provider.
	before := gw.callCount()
	results = m.GenerateAll(context.Background(), "v1")
	for _, r := range results {
		if r.Status != "exists" {
			t.Fatalf("template %s status = %q, want exists", r.ID, r.Status)
		}
	}
	if gw.callCount() != before {
		t.Fatalf("provider called %d more times for cached fillers", gw.callCount()-before)
	}
}

func TestGenerateAllRestoresNamedCopy(t *testing.T) {
	c := newTestCache(t)
	gw := &stubGateway{audio: []byte("filler-bytes")}
	templates := []config.FillerTemplate{{ID: "one", Text: "Bir dakika"}}
	m := NewManager(c, gw, templates, newLogger())

	m.GenerateAll(context.Background(), "v1")
	if err := os.Remove(m.NamedPath("one")); err != nil {
		t.Fatal(err)
	}

	// The cache entry survives, so the named copy is rebuilt from it without
	// another provider call.
	before := gw.callCount()
	results := m.GenerateAll(context.Background(), "v1")
	if results[0].Status != "exists" {
		t.Fatalf("status = %q, want exists", results[0].Status)
	}
	if gw.callCount() != before {
		t.Fatal("restore must not call the provider")
	}
	if _, err := os.Stat(m.NamedPath("one")); err != nil {
		t.Fatalf("named copy not restored: %v", err)
	}
}

func TestGenerateAllReportsFailures(t *testing.T) {
	c := newTestCache(t)
	gw := &stubGateway{err: errors.New("upstream down")}
	m := NewManager(c, gw, []config.FillerTemplate{{ID: "one", Text: "Bir dakika"}}, newLogger())

	results := m.GenerateAll(context.Background(), "v1")
	if len(results) != 1 || results[0].Status != "error" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Error == "" {
		t.Fatal("error detail missing")
	}
}

func TestListReportsCacheState(t *testing.T) {
	c := newTestCache(t)
	gw := &stubGateway{audio: []byte("b")}
	templates := []config.FillerTemplate{
		{ID: "cached", Text: "Bakıyorum"},
		{ID: "missing", Text: "Özetliyorum"},
	}
	m := NewManager(c, gw, templates, newLogger())

	if _, _, err := c.Store(context.Background(), "Bakıyorum", "v1", []byte("b"), "mp3"); err != nil {
		t.Fatal(err)
	}

	results := m.List(context.Background(), "v1")
	byID := map[string]string{}
	for _, r := range results {
		byID[r.ID] = r.Status
	}
	if byID["cached"] != "cached" || byID["missing"] != "missing" {
		t.Fatalf("list = %+v", results)
	}
}

func TestDefaultTemplatesUsedWhenEmpty(t *testing.T) {
	c := newTestCache(t)
	m := NewManager(c, &stubGateway{audio: []byte("b")}, nil, newLogger())
	if len(m.templates) != len(DefaultTemplates) {
		t.Fatalf("templates = %d, want defaults", len(m.templates))
	}
}
