package cache

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Evictor removes aged and over-cap entries from all three tiers. Order per
// candidate: hot index first (so no lookup can win a ghost path between the
// DB delete and the file delete), then file, then DB rows in bulk.
type Evictor struct {
	cache      *Cache
	maxEntries int
	minAge     time.Duration
	interval   time.Duration
	log        *slog.Logger

	// OnEvicted, when set, is called after each pass that removed entries.
	OnEvicted func(count int)
}

func NewEvictor(cache *Cache, maxEntries, minAgeDays, intervalHours int, log *slog.Logger) *Evictor {
	return &Evictor{
		cache:      cache,
		maxEntries: maxEntries,
		minAge:     time.Duration(minAgeDays) * 24 * time.Hour,
		interval:   time.Duration(intervalHours) * time.Hour,
		log:        log.With(slog.String("component", "evictor")),
	}
}

// Run performs one eviction pass and returns how many entries were removed.
func (e *Evictor) Run(ctx context.Context) (int, error) {
	candidates, err := e.cache.db.EvictionCandidates(ctx, e.maxEntries, e.minAge)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		e.cache.hot.Remove(c.TextNormalized, c.VoiceID)
		if err := os.Remove(c.AudioPath); err != nil && !os.IsNotExist(err) {
			e.log.Warn("failed to remove audio file",
				slog.String("path", c.AudioPath), slog.String("error", err.Error()))
		}
		ids = append(ids, c.ID)
	}
	if err := e.cache.db.DeleteByIDs(ctx, ids); err != nil {
		return 0, err
	}
	e.log.Info("evicted cache entries", slog.Int("count", len(ids)))
	if e.OnEvicted != nil {
		e.OnEvicted(len(ids))
	}
	return len(ids), nil
}

// Start runs periodic passes until ctx is cancelled.
func (e *Evictor) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Run(ctx); err != nil {
					e.log.Error("eviction pass failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}
