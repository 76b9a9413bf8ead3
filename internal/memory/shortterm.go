package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"eva/internal/logging"
)

// ShortTermSummary is one compaction bullet persisted to the short-term
// store. Read-only after creation.
type ShortTermSummary struct {
	ID               int64
	CreatedAtMs      int64
	BucketStartMs    int64
	BucketEndMs      int64
	SummaryText      string
	SourceEntryCount int
}

// ShortTermStore is the SQLite-backed relational table of compaction
// bullets.
type ShortTermStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenShortTermStore opens (creating if necessary) the short-term database.
func OpenShortTermStore(path string) (*ShortTermStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS short_term_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at_ms INTEGER NOT NULL,
		bucket_start_ms INTEGER NOT NULL,
		bucket_end_ms INTEGER NOT NULL,
		summary_text TEXT NOT NULL,
		source_entry_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stm_created ON short_term_summaries(created_at_ms DESC, id DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize short-term schema: %w", err)
	}

	logging.Store("Short-term store ready at %s", path)
	return &ShortTermStore{db: db}, nil
}

// InsertBatch inserts all bullets in one transaction. Either every bullet
// lands or none do.
func (s *ShortTermStore) InsertBatch(rows []ShortTermSummary) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin short-term insert: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO short_term_summaries
		(created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare short-term insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.CreatedAtMs, r.BucketStartMs, r.BucketEndMs, r.SummaryText, r.SourceEntryCount); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert short-term row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit short-term insert: %w", err)
	}
	logging.StoreDebug("Inserted %d short-term summaries", len(rows))
	return nil
}

// Recent returns the newest rows ordered by created_at_ms DESC, id DESC.
func (s *ShortTermStore) Recent(limit int) ([]ShortTermSummary, error) {
	if limit <= 0 {
		limit = 8
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count
		FROM short_term_summaries ORDER BY created_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("short-term recent query failed: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// InWindow returns rows with created_at_ms in [startMs, endMs), oldest
// first. Used by the promotion job.
func (s *ShortTermStore) InWindow(startMs, endMs int64) ([]ShortTermSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count
		FROM short_term_summaries WHERE created_at_ms >= ? AND created_at_ms < ?
		ORDER BY created_at_ms ASC, id ASC`, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("short-term window query failed: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// Count returns the total number of stored bullets.
func (s *ShortTermStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM short_term_summaries").Scan(&n)
	return n, err
}

// Close releases the database handle.
func (s *ShortTermStore) Close() error {
	return s.db.Close()
}

func scanSummaries(rows *sql.Rows) ([]ShortTermSummary, error) {
	var out []ShortTermSummary
	for rows.Next() {
		var r ShortTermSummary
		if err := rows.Scan(&r.ID, &r.CreatedAtMs, &r.BucketStartMs, &r.BucketEndMs, &r.SummaryText, &r.SourceEntryCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// openSQLite opens a database with the pragmas every EVA store uses.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	return db, nil
}
