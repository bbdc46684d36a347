package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cachevoice/cachevoice/internal/config"
)

type LookupKind string

const (
	KindExactHit LookupKind = "exact_hit"
	KindFuzzyHit LookupKind = "fuzzy_hit"
	KindMiss     LookupKind = "miss"
)

// LookupResult classifies a cache probe. On a fuzzy hit Matched carries the
// stored entry's normalized text, which is what hit accounting runs against.
type LookupResult struct {
	Kind       LookupKind
	Path       string
	Normalized string
	Matched    string
	Score      int
}

// Cache composes the normalizer, hot index, fuzzy matcher, audio store and
// metadata DB behind Lookup and Store.
type Cache struct {
	cfg     config.CacheConfig
	db      *MetadataDB
	hot     *HotIndex
	matcher *FuzzyMatcher
	files   *AudioStore
	log     *slog.Logger
}

func New(cfg config.CacheConfig, db *MetadataDB, log *slog.Logger) (*Cache, error) {
	files, err := NewAudioStore(cfg.AudioDir)
	if err != nil {
		return nil, err
	}
	hot := NewHotIndex(cfg.VarietyDepth)
	return &Cache{
		cfg:     cfg,
		db:      db,
		hot:     hot,
		matcher: NewFuzzyMatcher(hot, cfg.Fuzzy),
		files:   files,
		log:     log.With(slog.String("component", "cache")),
	}, nil
}

func (c *Cache) Hot() *HotIndex     { return c.hot }
func (c *Cache) DB() *MetadataDB    { return c.db }
func (c *Cache) Files() *AudioStore { return c.files }

// NormalizeText applies the configured normalization pipeline.
func (c *Cache) NormalizeText(text string) string {
	return Normalize(text, c.cfg.Normalize)
}

// LoadHot fills the hot index from the DB. Entries whose files are gone are
// skipped; the reconciler removes their rows right after.
func (c *Cache) LoadHot(ctx context.Context) (int, error) {
	entries, err := c.db.AllEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cache entries: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if _, err := os.Stat(e.AudioPath); err != nil {
			c.log.Warn("skipping entry with missing audio file",
				slog.Int64("id", e.ID), slog.String("path", e.AudioPath))
			continue
		}
		c.hot.Add(e.TextNormalized, e.VoiceID, e.AudioPath)
		loaded++
	}
	return loaded, nil
}

// Lookup classifies a request as exact hit, fuzzy hit, or miss. Hits record
// against the matched entry's normalized text, which for fuzzy hits is the
// stored key, not the input's.
func (c *Cache) Lookup(ctx context.Context, text, voiceID string) LookupResult {
	normalized := c.NormalizeText(text)
	if normalized == "" {
		return LookupResult{Kind: KindMiss, Normalized: normalized}
	}

	if path := c.hot.ExactLookup(normalized, voiceID); path != "" {
		c.recordHit(ctx, normalized, voiceID)
		return LookupResult{
			Kind:       KindExactHit,
			Path:       path,
			Normalized: normalized,
			Matched:    normalized,
			Score:      100,
		}
	}

	if c.cfg.Fuzzy.Enabled {
		if m := c.matcher.Find(normalized, voiceID); m != nil {
			c.recordHit(ctx, m.Matched, voiceID)
			return LookupResult{
				Kind:       KindFuzzyHit,
				Path:       m.Path,
				Normalized: normalized,
				Matched:    m.Matched,
				Score:      m.Score,
			}
		}
	}

	return LookupResult{Kind: KindMiss, Normalized: normalized}
}

func (c *Cache) recordHit(ctx context.Context, textNormalized, voiceID string) {
	if err := c.db.RecordHit(ctx, textNormalized, voiceID, 0); err != nil {
		c.log.Warn("record hit failed", slog.String("error", err.Error()))
	}
}

// Store persists audio for (text, voice): derive the next version, write the
// file atomically, then insert the row. Losing the unique-key race is fine:
// the derived path is deterministic, so the existing row points at the same
// bytes. Returns the path and the version that was stored.
func (c *Cache) Store(ctx context.Context, text, voiceID string, data []byte, format string) (string, int, error) {
	normalized := c.NormalizeText(text)
	if normalized == "" {
		return "", 0, fmt.Errorf("text normalizes to empty key")
	}

	count, err := c.db.VersionCount(ctx, normalized, voiceID)
	if err != nil {
		return "", 0, fmt.Errorf("version count: %w", err)
	}
	version := count + 1
	if version > c.cfg.VarietyDepth {
		version = c.cfg.VarietyDepth
	}

	path := c.files.PathFor(normalized, voiceID, format, version)
	if err := c.files.Write(path, data); err != nil {
		return "", 0, err
	}

	if _, err := c.db.AddEntry(ctx, Entry{
		TextNormalized: normalized,
		VoiceID:        voiceID,
		VersionNum:     version,
		AudioPath:      path,
		Format:         format,
		SizeBytes:      int64(len(data)),
	}); err != nil {
		return "", 0, fmt.Errorf("add cache entry: %w", err)
	}

	c.hot.Add(normalized, voiceID, path)
	return path, version, nil
}

// VersionCount reports how many versions exist for the normalized form of
// text under a voice.
func (c *Cache) VersionCount(ctx context.Context, textNormalized, voiceID string) (int, error) {
	return c.db.VersionCount(ctx, textNormalized, voiceID)
}

// DropFromHot removes a (normalized text, voice) bucket, used when a hit
// raced file deletion.
func (c *Cache) DropFromHot(textNormalized, voiceID string) {
	c.hot.Remove(textNormalized, voiceID)
}

// Clear empties all three tiers and reports (entries, files removed).
func (c *Cache) Clear(ctx context.Context) (int, int, error) {
	paths, err := c.db.DeleteAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	c.hot.Clear()
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	return len(paths), removed, nil
}
