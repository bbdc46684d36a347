package cache

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDB(t *testing.T) *MetadataDB {
	t.Helper()
	db, err := OpenMetadataDB(context.Background(), filepath.Join(t.TempDir(), "cache.db"), newLogger())
	if err != nil {
		t.Fatalf("open metadata db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAddEntryAndVersionCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.AddEntry(ctx, Entry{
		TextNormalized: "hello world", VoiceID: "v1", VersionNum: 1,
		AudioPath: "/audio/a.mp3", Format: "mp3", SizeBytes: 3,
	})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	count, err := db.VersionCount(ctx, "hello world", "v1")
	if err != nil {
		t.Fatalf("version count: %v", err)
	}
	if count != 1 {
		t.Fatalf("version count = %d, want 1", count)
	}
}

func TestAddEntryDuplicateReturnsExistingID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e := Entry{TextNormalized: "k", VoiceID: "v", VersionNum: 1, AudioPath: "/a.mp3", Format: "mp3"}
	first, err := db.AddEntry(ctx, e)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := db.AddEntry(ctx, e)
	if err != nil {
		t.Fatalf("duplicate insert must not fail: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate insert returned %d, want existing id %d", second, first)
	}

	count, _ := db.VersionCount(ctx, "k", "v")
	if count != 1 {
		t.Fatalf("duplicate created a second row: count = %d", count)
	}
}

func TestRecordHitAllVersionsAndSpecific(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		if _, err := db.AddEntry(ctx, Entry{
			TextNormalized: "k", VoiceID: "v", VersionNum: v,
			AudioPath: filepath.Join("/audio", "a"+string(rune('0'+v))+".mp3"), Format: "mp3",
		}); err != nil {
			t.Fatalf("add v%d: %v", v, err)
		}
	}

	// Legacy path: version omitted increments every version.
	if err := db.RecordHit(ctx, "k", "v", 0); err != nil {
		t.Fatalf("record hit: %v", err)
	}
	entries, err := db.AllEntries(ctx)
	if err != nil {
		t.Fatalf("all entries: %v", err)
	}
	for _, e := range entries {
		if e.HitCount != 1 {
			t.Fatalf("version %d hit_count = %d, want 1", e.VersionNum, e.HitCount)
		}
	}

	if err := db.RecordHit(ctx, "k", "v", 2); err != nil {
		t.Fatalf("record hit v2: %v", err)
	}
	e, err := db.EntryByKey(ctx, "k", "v", 2)
	if err != nil || e == nil {
		t.Fatalf("entry by key: %v", err)
	}
	if e.HitCount != 2 {
		t.Fatalf("v2 hit_count = %d, want 2", e.HitCount)
	}
}

func TestRecordHitOnMissingRowIsNoop(t *testing.T) {
	db := newTestDB(t)
	if err := db.RecordHit(context.Background(), "gone", "v", 0); err != nil {
		t.Fatalf("record hit on evicted row must be a no-op, got %v", err)
	}
}

func TestEvictionCandidates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	db.clock = func() time.Time { return base.Add(-10 * 24 * time.Hour) }
	if _, err := db.AddEntry(ctx, Entry{TextNormalized: "old", VoiceID: "v", VersionNum: 1, AudioPath: "/old.mp3", Format: "mp3"}); err != nil {
		t.Fatal(err)
	}
	db.clock = func() time.Time { return base }
	if _, err := db.AddEntry(ctx, Entry{TextNormalized: "fresh", VoiceID: "v", VersionNum: 1, AudioPath: "/fresh.mp3", Format: "mp3"}); err != nil {
		t.Fatal(err)
	}

	candidates, err := db.EvictionCandidates(ctx, 100, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("eviction candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].TextNormalized != "old" {
		t.Fatalf("age candidates = %+v, want only the old entry", candidates)
	}
}

func TestEvictionCandidatesOverflow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		if _, err := db.AddEntry(ctx, Entry{TextNormalized: key, VoiceID: "v", VersionNum: 1, AudioPath: "/" + key + ".mp3", Format: "mp3"}); err != nil {
			t.Fatal(err)
		}
		for range i {
			if err := db.RecordHit(ctx, key, "v", 1); err != nil {
				t.Fatal(err)
			}
		}
	}

	// Nothing is old enough, but the table exceeds the cap by 2: the two
	// lowest-hit rows become candidates.
	candidates, err := db.EvictionCandidates(ctx, 1, 365*24*time.Hour)
	if err != nil {
		t.Fatalf("eviction candidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("overflow candidates = %+v, want 2", candidates)
	}
	got := map[string]bool{}
	for _, c := range candidates {
		got[c.TextNormalized] = true
	}
	if !got["a"] || !got["b"] {
		t.Fatalf("expected lowest-hit rows a and b, got %+v", candidates)
	}
}

func TestDeleteByIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id1, _ := db.AddEntry(ctx, Entry{TextNormalized: "a", VoiceID: "v", VersionNum: 1, AudioPath: "/a.mp3", Format: "mp3"})
	id2, _ := db.AddEntry(ctx, Entry{TextNormalized: "b", VoiceID: "v", VersionNum: 1, AudioPath: "/b.mp3", Format: "mp3"})

	if err := db.DeleteByIDs(ctx, []int64{id1, id2}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, _ := db.AllEntries(ctx)
	if len(entries) != 0 {
		t.Fatalf("entries remain after delete: %+v", entries)
	}

	if err := db.DeleteByIDs(ctx, nil); err != nil {
		t.Fatalf("empty delete must be a no-op: %v", err)
	}
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.AddEntry(ctx, Entry{TextNormalized: "a", VoiceID: "v1", VersionNum: 1, AudioPath: "/a.mp3", Format: "mp3", SizeBytes: 100})
	db.AddEntry(ctx, Entry{TextNormalized: "b", VoiceID: "v2", VersionNum: 1, AudioPath: "/b.mp3", Format: "mp3", SizeBytes: 50})

	for range 3 {
		db.RecordHit(ctx, "a", "v1", 1)
	}
	db.RecordMiss()

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Fatalf("total_entries = %d", stats.TotalEntries)
	}
	if stats.TotalHits != 3 {
		t.Fatalf("total_hits = %d", stats.TotalHits)
	}
	if stats.TotalMisses != 1 {
		t.Fatalf("total_misses = %d", stats.TotalMisses)
	}
	if stats.HitRate != 0.75 {
		t.Fatalf("hit_rate = %v, want 0.75", stats.HitRate)
	}
	v1 := stats.PerVoice["v1"]
	if v1.Entries != 1 || v1.Hits != 3 || v1.SizeBytes != 100 {
		t.Fatalf("per_voice v1 = %+v", v1)
	}
	v2 := stats.PerVoice["v2"]
	if v2.Entries != 1 || v2.Hits != 0 || v2.SizeBytes != 50 {
		t.Fatalf("per_voice v2 = %+v", v2)
	}
}

func TestMigrateV1ToV2(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	// Fabricate a v1 database: no version_num column, no schema_version
	// table, duplicate (text, voice) rows.
	raw, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	ddl := `
CREATE TABLE cache_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text_normalized TEXT NOT NULL,
    voice_id TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    format TEXT NOT NULL DEFAULT 'mp3',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    hit_count INTEGER NOT NULL DEFAULT 0
);`
	if _, err := raw.Exec(ddl); err != nil {
		t.Fatalf("create v1 schema: %v", err)
	}
	insert := `INSERT INTO cache_entries(text_normalized, voice_id, audio_path, format, size_bytes, created_at, hit_count) VALUES (?, ?, ?, 'mp3', 0, 0, ?)`
	raw.Exec(insert, "k", "v", "/low.mp3", 1)
	raw.Exec(insert, "k", "v", "/high.mp3", 5)
	raw.Exec(insert, "k", "v", "/high2.mp3", 5)
	raw.Exec(insert, "other", "v", "/other.mp3", 0)
	raw.Close()

	db, err := OpenMetadataDB(context.Background(), path, newLogger())
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	entries, err := db.AllEntries(ctx)
	if err != nil {
		t.Fatalf("all entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("dedupe left %d rows, want 2: %+v", len(entries), entries)
	}
	kept, err := db.EntryByKey(ctx, "k", "v", 1)
	if err != nil || kept == nil {
		t.Fatalf("entry by key after migration: %v", err)
	}
	// Highest hit_count wins; lowest id breaks the 5-5 tie.
	if kept.AudioPath != "/high.mp3" {
		t.Fatalf("kept %q, want /high.mp3", kept.AudioPath)
	}
	if kept.VersionNum != 1 {
		t.Fatalf("version_num = %d, want 1", kept.VersionNum)
	}

	// Unique key is now enforced via upsert-ignore semantics.
	id2, err := db.AddEntry(ctx, Entry{TextNormalized: "k", VoiceID: "v", VersionNum: 1, AudioPath: "/new.mp3", Format: "mp3"})
	if err != nil {
		t.Fatalf("add after migration: %v", err)
	}
	if id2 != kept.ID {
		t.Fatalf("expected existing id %d, got %d", kept.ID, id2)
	}

	// Reopening an already-migrated database is a no-op.
	db.Close()
	db2, err := OpenMetadataDB(context.Background(), path, newLogger())
	if err != nil {
		t.Fatalf("reopen migrated db: %v", err)
	}
	db2.Close()
}
