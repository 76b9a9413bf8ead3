package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"eva/internal/embedding"
	"eva/internal/memory"
	"eva/internal/tags"
)

func newPromoter(t *testing.T) *Promoter {
	t.Helper()
	queue := memory.NewSerialQueue()
	t.Cleanup(queue.Close)
	shortTerm, err := memory.OpenShortTermStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shortTerm.Close() })
	semantic, err := memory.OpenSemanticStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { semantic.Close() })
	vector, err := memory.OpenVectorStore(":memory:", embedding.NewHashEngine())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vector.Close() })

	dir := t.TempDir()
	return &Promoter{
		Queue:                queue,
		ShortTerm:            shortTerm,
		Semantic:             semantic,
		Vector:               vector,
		Whitelist:            tags.NewWhitelist(tags.DefaultWhitelist),
		Timezone:             time.UTC,
		ExperienceCachePath:  filepath.Join(dir, "core_experiences.json"),
		PersonalityCachePath: filepath.Join(dir, "core_personality.json"),
	}
}

// nowMs is noon UTC; yesterday's window is the prior UTC day.
const promoNowMs = int64(1700000000000) - (int64(1700000000000) % 86400000) + 12*3600*1000

func seedShortTerm(t *testing.T, p *Promoter) {
	t.Helper()
	dayStart := promoNowMs - 12*3600*1000
	rows := []memory.ShortTermSummary{
		{CreatedAtMs: dayStart - 20*3600*1000, BucketEndMs: dayStart, SummaryText: "Watched the camera catch a scene change in the kitchen", SourceEntryCount: 4},
		{CreatedAtMs: dayStart - 10*3600*1000, BucketEndMs: dayStart, SummaryText: "They prefer short spoken summaries in the morning", SourceEntryCount: 2},
		// Outside the window: today.
		{CreatedAtMs: dayStart + 3600*1000, BucketEndMs: dayStart, SummaryText: "Today row must not promote", SourceEntryCount: 1},
	}
	if err := p.ShortTerm.InsertBatch(rows); err != nil {
		t.Fatal(err)
	}
}

func TestPromotionRun(t *testing.T) {
	p := newPromoter(t)
	seedShortTerm(t, p)

	result, err := p.Run(context.Background(), promoNowMs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.SourceRowCount != 2 {
		t.Fatalf("SourceRowCount = %d, want 2 (window excludes today)", result.SourceRowCount)
	}
	if result.ExperienceUpsertCount != 2 {
		t.Errorf("ExperienceUpsertCount = %d", result.ExperienceUpsertCount)
	}
	if result.PersonalityUpsertCount != 1 {
		t.Errorf("PersonalityUpsertCount = %d, want 1 (only the preference row)", result.PersonalityUpsertCount)
	}

	// Vector ids derive from the short-term row ids.
	records, err := p.Vector.All(memory.CollectionExperience)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, rec := range records {
		ids[rec.ID] = true
		if len(rec.Tags) == 0 {
			t.Errorf("Experience %s has no tags", rec.ID)
		}
	}
	if !ids["short-term-experience-1"] || !ids["short-term-experience-2"] {
		t.Errorf("Experience ids = %v", ids)
	}

	// The preference row lands as a preference-kind semantic item.
	item, err := p.Semantic.Get(memory.SemanticItemID(memory.KindPreference, "They prefer short spoken summaries in the morning"))
	if err != nil || item == nil {
		t.Fatalf("Semantic item missing: %v", err)
	}
	if item.Confidence != 0.82 {
		t.Errorf("Confidence = %v", item.Confidence)
	}

	// Caches were refreshed.
	if exps := memory.ReadExperienceCache(p.ExperienceCachePath); len(exps) != 2 {
		t.Errorf("Experience cache has %d items", len(exps))
	}
	if traits := memory.ReadPersonalityCache(p.PersonalityCachePath); len(traits) != 1 {
		t.Errorf("Personality cache has %d items", len(traits))
	}
}

func TestPromotionDeterministic(t *testing.T) {
	p := newPromoter(t)
	seedShortTerm(t, p)

	first, err := p.Run(context.Background(), promoNowMs)
	if err != nil {
		t.Fatal(err)
	}
	firstRecords, _ := p.Vector.All(memory.CollectionExperience)

	second, err := p.Run(context.Background(), promoNowMs)
	if err != nil {
		t.Fatal(err)
	}
	secondRecords, _ := p.Vector.All(memory.CollectionExperience)

	if first.TotalExperienceCount != second.TotalExperienceCount {
		t.Errorf("Experience count changed across identical runs: %d vs %d",
			first.TotalExperienceCount, second.TotalExperienceCount)
	}
	if len(firstRecords) != len(secondRecords) {
		t.Fatalf("Record count changed: %d vs %d", len(firstRecords), len(secondRecords))
	}
	byID := map[string]memory.VectorRecord{}
	for _, rec := range firstRecords {
		byID[rec.ID] = rec
	}
	for _, rec := range secondRecords {
		prev := byID[rec.ID]
		if prev.Text != rec.Text {
			t.Errorf("Text changed for %s", rec.ID)
		}
		for i := range rec.Embedding {
			if prev.Embedding[i] != rec.Embedding[i] {
				t.Errorf("Embedding changed for %s at dim %d", rec.ID, i)
				break
			}
		}
	}

	// Semantic merge accumulates support across runs, everything else is
	// stable.
	item, _ := p.Semantic.Get(memory.SemanticItemID(memory.KindPreference, "They prefer short spoken summaries in the morning"))
	if item == nil || item.SupportCount != 2 {
		t.Errorf("Semantic support after two runs = %+v", item)
	}
}

func TestPromotionEmptyWindow(t *testing.T) {
	p := newPromoter(t)
	result, err := p.Run(context.Background(), promoNowMs)
	if err != nil {
		t.Fatal(err)
	}
	if result.SourceRowCount != 0 || result.ExperienceUpsertCount != 0 {
		t.Errorf("Empty window should be a no-op, got %+v", result)
	}
}
