package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"eva/internal/embedding"
	"eva/internal/logging"
)

// Vector collections. Experiences and personality live in separate logical
// tables but share one database file.
const (
	CollectionExperience  = "long_term_experiences"
	CollectionPersonality = "long_term_personality"
)

// VectorRecord is one embedded document with its metadata. EmbedText, when
// set, is what gets embedded instead of Text; it is not persisted.
type VectorRecord struct {
	ID         string
	Text       string
	EmbedText  string
	Embedding  []float32
	Tags       []string
	TsMs       int64
	Metadata   map[string]interface{}
	Similarity float64
}

// VectorStore holds embedded long-term records and answers cosine top-k
// queries through the sqlite-vec extension. Embeddings are produced by the
// configured engine and stored as little-endian float32 blobs so reads
// never re-embed.
type VectorStore struct {
	db     *sql.DB
	engine embedding.EmbeddingEngine
	mu     sync.RWMutex
}

// OpenVectorStore opens (creating if necessary) the vector database.
func OpenVectorStore(path string, engine embedding.EmbeddingEngine) (*VectorStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS vector_records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		ts_ms INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_vector_ts ON vector_records(collection, ts_ms DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize vector schema: %w", err)
	}

	logging.Store("Vector store ready at %s (engine=%s, dims=%d)", path, engine.Name(), engine.Dimensions())
	return &VectorStore{db: db, engine: engine}, nil
}

// Upsert embeds the record text and inserts or replaces the row keyed by
// (collection, id). Re-promoting the same source row is idempotent.
func (v *VectorStore) Upsert(ctx context.Context, collection string, rec VectorRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "VectorUpsert")
	defer timer.Stop()

	embedInput := rec.EmbedText
	if embedInput == "" {
		embedInput = rec.Text
	}
	vec, err := v.engine.Embed(ctx, embedInput)
	if err != nil {
		return fmt.Errorf("failed to embed record %s: %w", rec.ID, err)
	}

	tagsJSON, _ := json.Marshal(rec.Tags)
	metaJSON, _ := json.Marshal(rec.Metadata)
	if rec.Tags == nil {
		tagsJSON = []byte("[]")
	}
	if rec.Metadata == nil {
		metaJSON = []byte("{}")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	_, err = v.db.Exec(`INSERT OR REPLACE INTO vector_records
		(collection, id, text, embedding, tags, ts_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		collection, rec.ID, rec.Text, encodeFloat32SliceToBlob(vec), string(tagsJSON), rec.TsMs, string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert vector record: %w", err)
	}
	logging.StoreDebug("Upserted vector record %s/%s", collection, rec.ID)
	return nil
}

// TopK embeds the query and returns the k most cosine-similar records in the
// collection, best first. Ranking runs inside sqlite through
// vec_distance_cosine; cosine distance is 1 - similarity.
func (v *VectorStore) TopK(ctx context.Context, collection, query string, k int) ([]VectorRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 8
	}

	queryVec, err := v.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryBlob := encodeFloat32SliceToBlob(queryVec)

	v.mu.RLock()
	defer v.mu.RUnlock()

	rows, err := v.db.Query(`SELECT id, text, embedding, tags, ts_ms, metadata,
			vec_distance_cosine(embedding, ?) AS distance
		FROM vector_records
		WHERE collection = ?
		ORDER BY distance ASC
		LIMIT ?`, queryBlob, collection, k)
	if err != nil {
		return nil, fmt.Errorf("vector similarity search failed: %w", err)
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var rec VectorRecord
		var embBlob []byte
		var tagsJSON, metaJSON string
		var distance float64
		if err := rows.Scan(&rec.ID, &rec.Text, &embBlob, &tagsJSON, &rec.TsMs, &metaJSON, &distance); err != nil {
			return nil, err
		}
		rec.Embedding = decodeFloat32Blob(embBlob)
		rec.Similarity = 1.0 - distance
		_ = json.Unmarshal([]byte(tagsJSON), &rec.Tags)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector similarity search failed: %w", err)
	}
	logging.StoreDebug("Vector top-k on %s returned %d records", collection, len(out))
	return out, nil
}

// All returns every record in a collection, newest first.
func (v *VectorStore) All(collection string) ([]VectorRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rows, err := v.db.Query(`SELECT id, text, embedding, tags, ts_ms, metadata
		FROM vector_records WHERE collection = ? ORDER BY ts_ms DESC`, collection)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var rec VectorRecord
		var embBlob []byte
		var tagsJSON, metaJSON string
		if err := rows.Scan(&rec.ID, &rec.Text, &embBlob, &tagsJSON, &rec.TsMs, &metaJSON); err != nil {
			return nil, err
		}
		rec.Embedding = decodeFloat32Blob(embBlob)
		_ = json.Unmarshal([]byte(tagsJSON), &rec.Tags)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records in a collection.
func (v *VectorStore) Count(collection string) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var n int64
	err := v.db.QueryRow("SELECT COUNT(*) FROM vector_records WHERE collection = ?", collection).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (v *VectorStore) Close() error {
	return v.db.Close()
}

// encodeFloat32SliceToBlob serializes a vector in the little-endian float32
// layout sqlite-vec expects.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		// Should never happen with bytes.Buffer
		return nil
	}
	return buf.Bytes()
}

// decodeFloat32Blob is the inverse of encodeFloat32SliceToBlob.
func decodeFloat32Blob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, vec); err != nil {
		return nil
	}
	return vec
}
