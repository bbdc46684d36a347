package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

// Entry is one durable cache record. (text_normalized, voice_id, version_num)
// is unique across all rows.
type Entry struct {
	ID             int64
	TextNormalized string
	VoiceID        string
	VersionNum     int
	AudioPath      string
	Format         string
	SizeBytes      int64
	CreatedAt      time.Time
	HitCount       int64
}

// Candidate is a row the evictor may remove.
type Candidate struct {
	ID             int64
	AudioPath      string
	TextNormalized string
	VoiceID        string
}

// VoiceStats is the per-voice slice of Stats.
type VoiceStats struct {
	Entries   int64 `json:"entries"`
	Hits      int64 `json:"hits"`
	SizeBytes int64 `json:"size_bytes"`
}

type Stats struct {
	TotalEntries    int64                 `json:"total_entries"`
	TotalHits       int64                 `json:"total_hits"`
	TotalMisses     int64                 `json:"total_misses"`
	HitRate         float64               `json:"hit_rate"`
	CacheAgeSeconds int64                 `json:"cache_age_seconds"`
	PerVoice        map[string]VoiceStats `json:"per_voice"`
}

// MetadataDB wraps the SQLite store of cache entries. It is the single source
// of truth; concurrent writers coordinate through the unique key constraint.
type MetadataDB struct {
	db     *sql.DB
	log    *slog.Logger
	clock  func() time.Time
	misses atomic.Int64
}

// OpenMetadataDB opens (creating or migrating as needed) the metadata store.
// A v1 schema, recognizable by the missing version_num column, is migrated in
// place; migration failure is fatal to startup.
func OpenMetadataDB(ctx context.Context, path string, log *slog.Logger) (*MetadataDB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	m := &MetadataDB{db: db, log: log, clock: time.Now}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return m, nil
}

func (m *MetadataDB) Close() error {
	return m.db.Close()
}

func (m *MetadataDB) migrate(ctx context.Context) error {
	hasEntries, err := m.tableExists(ctx, "cache_entries")
	if err != nil {
		return err
	}

	if !hasEntries {
		ddl := `
CREATE TABLE cache_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text_normalized TEXT NOT NULL,
    voice_id TEXT NOT NULL,
    version_num INTEGER NOT NULL DEFAULT 1,
    audio_path TEXT NOT NULL,
    format TEXT NOT NULL DEFAULT 'mp3',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    hit_count INTEGER NOT NULL DEFAULT 0,
    UNIQUE(text_normalized, voice_id, version_num)
);
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE INDEX idx_entries_created ON cache_entries(created_at);
`
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
		_, err := m.db.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, schemaVersion)
		return err
	}

	hasVersion, err := m.columnExists(ctx, "cache_entries", "version_num")
	if err != nil {
		return err
	}
	if hasVersion {
		return m.recordSchemaVersion(ctx)
	}

	// v1 -> v2: add version_num, collapse duplicate (text, voice) rows to the
	// highest-hit one (lowest id on ties), then enforce the unique key.
	m.log.Info("migrating metadata schema", slog.Int("from", 1), slog.Int("to", schemaVersion))
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`ALTER TABLE cache_entries ADD COLUMN version_num INTEGER NOT NULL DEFAULT 1`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM cache_entries WHERE id NOT IN (
    SELECT (SELECT c2.id FROM cache_entries c2
            WHERE c2.text_normalized = c1.text_normalized AND c2.voice_id = c1.voice_id
            ORDER BY c2.hit_count DESC, c2.id ASC LIMIT 1)
    FROM cache_entries c1
    GROUP BY c1.text_normalized, c1.voice_id
)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_key ON cache_entries(text_normalized, voice_id, version_num)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MetadataDB) recordSchemaVersion(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var v sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return err
	}
	if !v.Valid || v.Int64 < schemaVersion {
		_, err = m.db.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, schemaVersion)
	}
	return err
}

func (m *MetadataDB) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return n > 0, err
}

func (m *MetadataDB) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// AddEntry inserts a cache entry, coordinating concurrent writers through the
// unique key: a lost race returns the already-present row's id instead of an
// error.
func (m *MetadataDB) AddEntry(ctx context.Context, e Entry) (int64, error) {
	if e.VersionNum < 1 {
		e.VersionNum = 1
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = m.clock()
	}
	res, err := m.db.ExecContext(ctx, `
INSERT OR IGNORE INTO cache_entries
    (text_normalized, voice_id, version_num, audio_path, format, size_bytes, created_at, hit_count)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		e.TextNormalized, e.VoiceID, e.VersionNum, e.AudioPath, e.Format, e.SizeBytes, created.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return res.LastInsertId()
	}
	var id int64
	err = m.db.QueryRowContext(ctx,
		`SELECT id FROM cache_entries WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
		e.TextNormalized, e.VoiceID, e.VersionNum).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select after lost insert race: %w", err)
	}
	return id, nil
}

// EntryByKey returns the row for a unique key, or nil when absent.
func (m *MetadataDB) EntryByKey(ctx context.Context, textNormalized, voiceID string, versionNum int) (*Entry, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT id, text_normalized, voice_id, version_num, audio_path, format, size_bytes, created_at, hit_count
FROM cache_entries WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
		textNormalized, voiceID, versionNum)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// RecordHit increments hit_count. versionNum <= 0 increments every version of
// the pair (the legacy path); otherwise only the matching version. A row
// evicted in between makes this a no-op.
func (m *MetadataDB) RecordHit(ctx context.Context, textNormalized, voiceID string, versionNum int) error {
	var err error
	if versionNum <= 0 {
		_, err = m.db.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE text_normalized = ? AND voice_id = ?`,
			textNormalized, voiceID)
	} else {
		_, err = m.db.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
			textNormalized, voiceID, versionNum)
	}
	return err
}

// RecordMiss bumps the process-local miss counter. Misses reset on restart.
func (m *MetadataDB) RecordMiss() {
	m.misses.Add(1)
}

func (m *MetadataDB) Misses() int64 {
	return m.misses.Load()
}

// VersionCount returns how many versions exist for a (text, voice) pair.
func (m *MetadataDB) VersionCount(ctx context.Context, textNormalized, voiceID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE text_normalized = ? AND voice_id = ?`,
		textNormalized, voiceID).Scan(&n)
	return n, err
}

// EvictionCandidates returns rows older than minAge, plus the lowest-hit
// rows beyond the cap when the table exceeds maxEntries.
func (m *MetadataDB) EvictionCandidates(ctx context.Context, maxEntries int, minAge time.Duration) ([]Candidate, error) {
	cutoff := m.clock().Add(-minAge).UTC().UnixNano()
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, audio_path, text_normalized, voice_id FROM cache_entries WHERE created_at < ? ORDER BY created_at ASC`,
		cutoff)
	if err != nil {
		return nil, err
	}
	candidates, seen, err := collectCandidates(rows, nil, nil)
	if err != nil {
		return nil, err
	}

	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&total); err != nil {
		return nil, err
	}
	if overflow := total - maxEntries; overflow > 0 {
		rows, err := m.db.QueryContext(ctx,
			`SELECT id, audio_path, text_normalized, voice_id FROM cache_entries ORDER BY hit_count ASC, id ASC LIMIT ?`,
			overflow)
		if err != nil {
			return nil, err
		}
		candidates, _, err = collectCandidates(rows, candidates, seen)
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

func collectCandidates(rows *sql.Rows, acc []Candidate, seen map[int64]struct{}) ([]Candidate, map[int64]struct{}, error) {
	defer rows.Close()
	if seen == nil {
		seen = make(map[int64]struct{})
	}
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.AudioPath, &c.TextNormalized, &c.VoiceID); err != nil {
			return nil, nil, err
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		acc = append(acc, c)
	}
	return acc, seen, rows.Err()
}

// DeleteByIDs bulk-deletes rows.
func (m *MetadataDB) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM cache_entries WHERE id IN (%s)`, placeholders), args...)
	return err
}

// AllEntries does a full scan, for hot-index load and the reconciler.
func (m *MetadataDB) AllEntries(ctx context.Context) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT id, text_normalized, voice_id, version_num, audio_path, format, size_bytes, created_at, hit_count
FROM cache_entries ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// DeleteAll clears the table and returns the audio paths that were referenced.
func (m *MetadataDB) DeleteAll(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT audio_path FROM cache_entries`)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_, err = m.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return paths, err
}

// Stats aggregates entry counts, hits, the definitional hit rate against the
// in-memory miss counter, cache age, and a per-voice breakdown.
func (m *MetadataDB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{PerVoice: map[string]VoiceStats{}}

	var minCreated sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0), MIN(created_at) FROM cache_entries`).
		Scan(&s.TotalEntries, &s.TotalHits, &minCreated)
	if err != nil {
		return s, err
	}

	s.TotalMisses = m.misses.Load()
	if total := s.TotalHits + s.TotalMisses; total > 0 {
		s.HitRate = math.Round(float64(s.TotalHits)/float64(total)*10000) / 10000
	}
	if minCreated.Valid {
		s.CacheAgeSeconds = int64(m.clock().Sub(time.Unix(0, minCreated.Int64)) / time.Second)
	}

	rows, err := m.db.QueryContext(ctx, `
SELECT voice_id, COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(size_bytes), 0)
FROM cache_entries GROUP BY voice_id`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			voice string
			vs    VoiceStats
		)
		if err := rows.Scan(&voice, &vs.Entries, &vs.Hits, &vs.SizeBytes); err != nil {
			return s, err
		}
		s.PerVoice[voice] = vs
	}
	return s, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e       Entry
		created int64
	)
	if err := row.Scan(&e.ID, &e.TextNormalized, &e.VoiceID, &e.VersionNum,
		&e.AudioPath, &e.Format, &e.SizeBytes, &created, &e.HitCount); err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return &e, nil
}
