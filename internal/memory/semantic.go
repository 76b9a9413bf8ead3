package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"eva/internal/logging"
)

// Semantic item kinds.
const (
	KindTrait      = "trait"
	KindPreference = "preference"
	KindFact       = "fact"
	KindProject    = "project"
	KindRule       = "rule"
)

// SemanticItem is one distilled trait/preference/fact row. Items are never
// deleted; repeated observations merge into the existing row.
type SemanticItem struct {
	ID               string
	Kind             string
	Text             string
	Confidence       float64
	SupportCount     int
	FirstSeenMs      int64
	LastSeenMs       int64
	SourceSummaryIDs []int64
	UpdatedAtMs      int64
}

// SemanticItemID derives the stable id sha256(kind|lowercase text).
func SemanticItemID(kind, text string) string {
	sum := sha256.Sum256([]byte(kind + "|" + strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

// SemanticStore is the SQLite-backed table of semantic items.
type SemanticStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenSemanticStore opens (creating if necessary) the semantic database.
func OpenSemanticStore(path string) (*SemanticStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS semantic_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		confidence REAL NOT NULL,
		support_count INTEGER NOT NULL,
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms INTEGER NOT NULL,
		source_summary_ids TEXT NOT NULL DEFAULT '[]',
		updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_rank ON semantic_items(support_count DESC, confidence DESC, last_seen_ms DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize semantic schema: %w", err)
	}

	logging.Store("Semantic store ready at %s", path)
	return &SemanticStore{db: db}, nil
}

// MergeUpsert merges items into the table. Existing rows take the max
// confidence, summed support, min first-seen, max last-seen, and the union
// of source summary ids.
func (s *SemanticStore) MergeUpsert(items []SemanticItem, nowMs int64) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin semantic upsert: %w", err)
	}

	for _, item := range items {
		if item.ID == "" {
			item.ID = SemanticItemID(item.Kind, item.Text)
		}

		var existing SemanticItem
		var sourceJSON string
		row := tx.QueryRow(`SELECT confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids
			FROM semantic_items WHERE id = ?`, item.ID)
		err := row.Scan(&existing.Confidence, &existing.SupportCount, &existing.FirstSeenMs, &existing.LastSeenMs, &sourceJSON)
		switch err {
		case sql.ErrNoRows:
			srcJSON, _ := json.Marshal(dedupeIDs(item.SourceSummaryIDs))
			if _, err := tx.Exec(`INSERT INTO semantic_items
				(id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.ID, item.Kind, item.Text, item.Confidence, item.SupportCount,
				item.FirstSeenMs, item.LastSeenMs, string(srcJSON), nowMs); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to insert semantic item: %w", err)
			}
		case nil:
			var existingIDs []int64
			_ = json.Unmarshal([]byte(sourceJSON), &existingIDs)
			merged := dedupeIDs(append(existingIDs, item.SourceSummaryIDs...))
			srcJSON, _ := json.Marshal(merged)

			confidence := existing.Confidence
			if item.Confidence > confidence {
				confidence = item.Confidence
			}
			firstSeen := existing.FirstSeenMs
			if item.FirstSeenMs < firstSeen {
				firstSeen = item.FirstSeenMs
			}
			lastSeen := existing.LastSeenMs
			if item.LastSeenMs > lastSeen {
				lastSeen = item.LastSeenMs
			}
			if _, err := tx.Exec(`UPDATE semantic_items SET
				confidence = ?, support_count = support_count + ?, first_seen_ms = ?, last_seen_ms = ?,
				source_summary_ids = ?, updated_at_ms = ? WHERE id = ?`,
				confidence, item.SupportCount, firstSeen, lastSeen, string(srcJSON), nowMs, item.ID); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to merge semantic item: %w", err)
			}
		default:
			tx.Rollback()
			return fmt.Errorf("failed to look up semantic item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit semantic upsert: %w", err)
	}
	logging.StoreDebug("Merged %d semantic items", len(items))
	return nil
}

// Top returns the highest-ranked items ordered by (support DESC, confidence
// DESC, last_seen DESC).
func (s *SemanticStore) Top(limit int) ([]SemanticItem, error) {
	if limit <= 0 {
		limit = 12
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms
		FROM semantic_items ORDER BY support_count DESC, confidence DESC, last_seen_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic top query failed: %w", err)
	}
	defer rows.Close()
	return scanSemanticItems(rows)
}

// RecentBySeen returns items ordered by last_seen_ms DESC, for the
// personality cache refresh.
func (s *SemanticStore) RecentBySeen(limit int) ([]SemanticItem, error) {
	if limit <= 0 {
		limit = 12
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms
		FROM semantic_items ORDER BY last_seen_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic recent query failed: %w", err)
	}
	defer rows.Close()
	return scanSemanticItems(rows)
}

// Get fetches a single item by id.
func (s *SemanticStore) Get(id string) (*SemanticItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms
		FROM semantic_items WHERE id = ?`, id)
	item, err := scanSemanticItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Count returns the total number of semantic items.
func (s *SemanticStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM semantic_items").Scan(&n)
	return n, err
}

// Close releases the database handle.
func (s *SemanticStore) Close() error {
	return s.db.Close()
}

func scanSemanticItems(rows *sql.Rows) ([]SemanticItem, error) {
	var out []SemanticItem
	for rows.Next() {
		item, err := scanSemanticItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanSemanticItem(scan func(...interface{}) error) (SemanticItem, error) {
	var item SemanticItem
	var sourceJSON string
	if err := scan(&item.ID, &item.Kind, &item.Text, &item.Confidence, &item.SupportCount,
		&item.FirstSeenMs, &item.LastSeenMs, &sourceJSON, &item.UpdatedAtMs); err != nil {
		return SemanticItem{}, err
	}
	_ = json.Unmarshal([]byte(sourceJSON), &item.SourceSummaryIDs)
	return item, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
