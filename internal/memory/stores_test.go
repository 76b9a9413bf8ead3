package memory

import (
	"context"
	"math"
	"testing"

	"eva/internal/embedding"
)

func TestShortTermInsertAndRecent(t *testing.T) {
	store, err := OpenShortTermStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open short-term store: %v", err)
	}
	defer store.Close()

	rows := []ShortTermSummary{
		{CreatedAtMs: 100, BucketStartMs: 0, BucketEndMs: 100, SummaryText: "first", SourceEntryCount: 3},
		{CreatedAtMs: 200, BucketStartMs: 100, BucketEndMs: 200, SummaryText: "second", SourceEntryCount: 5},
		{CreatedAtMs: 300, BucketStartMs: 200, BucketEndMs: 300, SummaryText: "third", SourceEntryCount: 2},
	}
	if err := store.InsertBatch(rows); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	recent, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(recent))
	}
	if recent[0].SummaryText != "third" || recent[1].SummaryText != "second" {
		t.Errorf("Recent rows out of order: %q, %q", recent[0].SummaryText, recent[1].SummaryText)
	}

	window, err := store.InWindow(100, 300)
	if err != nil {
		t.Fatalf("InWindow failed: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("Expected 2 rows in [100,300), got %d", len(window))
	}
	if window[0].SummaryText != "first" {
		t.Errorf("Window rows should be oldest first, got %q", window[0].SummaryText)
	}

	n, err := store.Count()
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v; want 3", n, err)
	}
}

func TestSemanticMergeUpsert(t *testing.T) {
	store, err := OpenSemanticStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open semantic store: %v", err)
	}
	defer store.Close()

	first := SemanticItem{
		Kind: KindPreference, Text: "Prefers quiet mornings",
		Confidence: 0.70, SupportCount: 1,
		FirstSeenMs: 1000, LastSeenMs: 1000, SourceSummaryIDs: []int64{1},
	}
	if err := store.MergeUpsert([]SemanticItem{first}, 1000); err != nil {
		t.Fatalf("Initial upsert failed: %v", err)
	}

	// Same text, different case: must merge into the same row.
	again := SemanticItem{
		Kind: KindPreference, Text: "prefers QUIET mornings",
		Confidence: 0.82, SupportCount: 2,
		FirstSeenMs: 500, LastSeenMs: 2000, SourceSummaryIDs: []int64{1, 2},
	}
	if err := store.MergeUpsert([]SemanticItem{again}, 2000); err != nil {
		t.Fatalf("Merge upsert failed: %v", err)
	}

	n, _ := store.Count()
	if n != 1 {
		t.Fatalf("Expected merge into 1 row, got %d", n)
	}

	got, err := store.Get(SemanticItemID(KindPreference, "Prefers quiet mornings"))
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v (item=%v)", err, got)
	}
	if got.Confidence != 0.82 {
		t.Errorf("Confidence = %v, want max 0.82", got.Confidence)
	}
	if got.SupportCount != 3 {
		t.Errorf("SupportCount = %d, want 1+2=3", got.SupportCount)
	}
	if got.FirstSeenMs != 500 {
		t.Errorf("FirstSeenMs = %d, want min 500", got.FirstSeenMs)
	}
	if got.LastSeenMs != 2000 {
		t.Errorf("LastSeenMs = %d, want max 2000", got.LastSeenMs)
	}
	if len(got.SourceSummaryIDs) != 2 {
		t.Errorf("SourceSummaryIDs = %v, want deduped union {1,2}", got.SourceSummaryIDs)
	}
}

func TestSemanticTopOrdering(t *testing.T) {
	store, err := OpenSemanticStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	items := []SemanticItem{
		{Kind: KindTrait, Text: "curious", Confidence: 0.9, SupportCount: 2, FirstSeenMs: 1, LastSeenMs: 10},
		{Kind: KindTrait, Text: "patient", Confidence: 0.7, SupportCount: 5, FirstSeenMs: 1, LastSeenMs: 5},
		{Kind: KindTrait, Text: "direct", Confidence: 0.9, SupportCount: 5, FirstSeenMs: 1, LastSeenMs: 20},
	}
	if err := store.MergeUpsert(items, 100); err != nil {
		t.Fatal(err)
	}

	top, err := store.Top(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(top))
	}
	if top[0].Text != "direct" {
		t.Errorf("Top item = %q, want highest support then confidence", top[0].Text)
	}
	if top[1].Text != "patient" {
		t.Errorf("Second item = %q, want %q", top[1].Text, "patient")
	}
}

func TestVectorUpsertAndTopK(t *testing.T) {
	engine := embedding.NewHashEngine()
	store, err := OpenVectorStore(":memory:", engine)
	if err != nil {
		t.Fatalf("Failed to open vector store: %v", err)
	}
	defer store.Close()

	records := []VectorRecord{
		{ID: "short-term-experience-1", Text: "watched the cat chase a laser pointer", Tags: []string{"object"}, TsMs: 100},
		{ID: "short-term-experience-2", Text: "discussed a recipe for lentil soup", Tags: []string{"chat"}, TsMs: 200},
		{ID: "short-term-experience-3", Text: "the cat knocked a glass off the table", Tags: []string{"object", "surprise"}, TsMs: 300},
	}
	ctx := context.Background()
	for _, rec := range records {
		if err := store.Upsert(ctx, CollectionExperience, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	// Re-upserting the same id must not grow the collection.
	if err := store.Upsert(ctx, CollectionExperience, records[0]); err != nil {
		t.Fatal(err)
	}
	n, _ := store.Count(CollectionExperience)
	if n != 3 {
		t.Fatalf("Expected 3 records after idempotent re-upsert, got %d", n)
	}

	got, err := store.TopK(ctx, CollectionExperience, "cat chase laser", 2)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(got))
	}
	if got[0].ID != "short-term-experience-1" {
		t.Errorf("Best match = %s, want the laser pointer record", got[0].ID)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Error("Matches not ordered by similarity")
	}

	// Collections are isolated.
	other, _ := store.Count(CollectionPersonality)
	if other != 0 {
		t.Errorf("Personality collection should be empty, got %d", other)
	}
}

func TestVectorTopKEmptyCollection(t *testing.T) {
	store, err := OpenVectorStore(":memory:", embedding.NewHashEngine())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	got, err := store.TopK(context.Background(), CollectionExperience, "anything", 5)
	if err != nil {
		t.Fatalf("TopK on empty collection should not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no matches, got %d", len(got))
	}
}

func TestVectorBlobEncoding(t *testing.T) {
	vec := []float32{0.25, -1, 0.5}
	blob := encodeFloat32SliceToBlob(vec)
	if len(blob) != 12 {
		t.Fatalf("Blob length = %d, want 12", len(blob))
	}
	got := decodeFloat32Blob(blob)
	if len(got) != len(vec) {
		t.Fatalf("Decoded length = %d", len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("Element %d = %v, want %v", i, got[i], vec[i])
		}
	}
	if decodeFloat32Blob([]byte{1, 2, 3}) != nil {
		t.Error("Truncated blob should decode to nil")
	}
}

func TestVectorTopKSimilarityMatchesEngine(t *testing.T) {
	engine := embedding.NewHashEngine()
	store, err := OpenVectorStore(":memory:", engine)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Upsert(ctx, CollectionExperience, VectorRecord{
		ID: "r1", Text: "the cat chased a laser pointer", TsMs: 1,
	}); err != nil {
		t.Fatal(err)
	}

	query := "cat chasing a laser"
	got, err := store.TopK(ctx, CollectionExperience, query, 1)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(got))
	}

	// The SQL-side cosine distance must agree with the engine's own cosine
	// similarity on the stored embedding.
	queryVec, err := engine.Embed(ctx, query)
	if err != nil {
		t.Fatal(err)
	}
	want, err := embedding.CosineSimilarity(queryVec, got[0].Embedding)
	if err != nil {
		t.Fatal(err)
	}
	if diff := math.Abs(got[0].Similarity - want); diff > 1e-3 {
		t.Errorf("Similarity = %v, engine says %v (diff %v)", got[0].Similarity, want, diff)
	}
}
