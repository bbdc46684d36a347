package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Reconciler runs once at startup, after the hot index loads and before the
// listener accepts traffic, to restore DB/filesystem agreement: rows whose
// files are gone get deleted, files no row references get removed. The
// fillers subdirectory is left alone, hence the non-recursive scan.
type Reconciler struct {
	cache *Cache
	log   *slog.Logger
}

func NewReconciler(cache *Cache, log *slog.Logger) *Reconciler {
	return &Reconciler{cache: cache, log: log.With(slog.String("component", "reconciler"))}
}

// Run returns (orphan DB entries removed, orphan files removed).
func (r *Reconciler) Run(ctx context.Context) (int, int, error) {
	entries, err := r.cache.db.AllEntries(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("scan cache entries: %w", err)
	}

	referenced := make(map[string]struct{}, len(entries))
	var orphanIDs []int64
	for _, e := range entries {
		if _, err := os.Stat(e.AudioPath); err != nil {
			orphanIDs = append(orphanIDs, e.ID)
			r.cache.hot.Remove(e.TextNormalized, e.VoiceID)
			continue
		}
		referenced[filepath.Clean(e.AudioPath)] = struct{}{}
	}
	if err := r.cache.db.DeleteByIDs(ctx, orphanIDs); err != nil {
		return 0, 0, fmt.Errorf("delete orphan entries: %w", err)
	}

	dirEntries, err := os.ReadDir(r.cache.files.Dir())
	if err != nil {
		return len(orphanIDs), 0, fmt.Errorf("scan audio dir: %w", err)
	}
	orphanFiles := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Clean(filepath.Join(r.cache.files.Dir(), de.Name()))
		if _, ok := referenced[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			r.log.Warn("failed to remove orphan file",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		orphanFiles++
	}

	r.log.Info("startup reconcile",
		slog.Int("orphan_entries", len(orphanIDs)),
		slog.Int("orphan_files", orphanFiles))
	return len(orphanIDs), orphanFiles, nil
}
