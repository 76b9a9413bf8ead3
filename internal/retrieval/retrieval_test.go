package retrieval

import (
	"context"
	"strings"
	"testing"

	"eva/internal/embedding"
	"eva/internal/memory"
	"eva/internal/tags"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40), 10},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestBudgetedBuilderRejectsOverflow(t *testing.T) {
	b := NewBudgetedBuilder(10)
	if !b.Add("12345678") { // 2 tokens + 1 newline
		t.Fatal("First line should fit")
	}
	if b.Add(strings.Repeat("x", 100)) { // 25 tokens, must be rejected whole
		t.Fatal("Oversized line should be rejected")
	}
	if !b.Add("abcd") { // small line still fits after a rejection
		t.Fatal("Small line should still fit after rejection")
	}
	if b.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", b.Rejected())
	}
	if strings.Contains(b.String(), "xxx") {
		t.Error("Rejected line leaked into output")
	}
}

func newAssembler(t *testing.T) *Assembler {
	t.Helper()
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

	shortTerm, err := memory.OpenShortTermStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shortTerm.Close() })

	return &Assembler{
		Semantic:  semantic,
		Vector:    vector,
		ShortTerm: shortTerm,
		Whitelist: tags.NewWhitelist(tags.DefaultWhitelist),
	}
}

func TestLongTermContext(t *testing.T) {
	a := newAssembler(t)
	ctx := context.Background()

	items := []memory.SemanticItem{
		{Kind: memory.KindPreference, Text: "prefers tea over coffee", Confidence: 0.82, SupportCount: 4, FirstSeenMs: 1, LastSeenMs: 10},
		{Kind: memory.KindTrait, Text: "asks follow-up questions", Confidence: 0.70, SupportCount: 2, FirstSeenMs: 1, LastSeenMs: 5},
	}
	if err := a.Semantic.MergeUpsert(items, 100); err != nil {
		t.Fatal(err)
	}
	if err := a.Vector.Upsert(ctx, memory.CollectionExperience, memory.VectorRecord{
		ID: "short-term-experience-1", Text: "made tea together in the kitchen", Tags: []string{"chat"}, TsMs: 100,
	}); err != nil {
		t.Fatal(err)
	}

	got := a.LongTermContext(ctx, "tea")
	if !strings.HasPrefix(got, "LONG_TERM_MEMORY:") {
		t.Fatalf("Missing header:\n%s", got)
	}
	if !strings.Contains(got, "prefers tea over coffee") {
		t.Errorf("Semantic item missing:\n%s", got)
	}
	// Highest-support item comes before lower support.
	if strings.Index(got, "prefers tea") > strings.Index(got, "follow-up questions") {
		t.Errorf("Semantic items out of rank order:\n%s", got)
	}
	if !strings.Contains(got, "made tea together") {
		t.Errorf("Experience missing:\n%s", got)
	}
}

func TestLongTermContextEmptyStores(t *testing.T) {
	a := newAssembler(t)
	if got := a.LongTermContext(context.Background(), "anything"); got != "" {
		t.Errorf("Empty stores should yield empty block, got:\n%s", got)
	}
}

func TestShortTermContextTagFilter(t *testing.T) {
	a := newAssembler(t)
	rows := []memory.ShortTermSummary{
		{CreatedAtMs: 100, BucketEndMs: 100, SummaryText: "Discussed a motion alert near the door", SourceEntryCount: 2},
		{CreatedAtMs: 200, BucketEndMs: 200, SummaryText: "Talked about dinner plans for tomorrow", SourceEntryCount: 3},
	}
	if err := a.ShortTerm.InsertBatch(rows); err != nil {
		t.Fatal(err)
	}

	got, mode := a.ShortTermContext("any motion lately?", nil, 1000)
	if mode != ModeTagFilter {
		t.Fatalf("mode = %s, want %s", mode, ModeTagFilter)
	}
	if !strings.Contains(got, "motion alert") {
		t.Errorf("Matching row missing:\n%s", got)
	}
}

func TestShortTermContextFallback(t *testing.T) {
	a := newAssembler(t)
	var rows []memory.ShortTermSummary
	for i := int64(1); i <= 5; i++ {
		rows = append(rows, memory.ShortTermSummary{
			CreatedAtMs: i * 100, BucketEndMs: i * 100,
			SummaryText: strings.Repeat("z", 5) + " entry", SourceEntryCount: 1,
		})
	}
	if err := a.ShortTerm.InsertBatch(rows); err != nil {
		t.Fatal(err)
	}

	got, mode := a.ShortTermContext("qqqq", nil, 1000)
	if mode != ModeFallback {
		t.Fatalf("mode = %s, want %s", mode, ModeFallback)
	}
	if n := strings.Count(got, "zzzzz entry"); n != RecentShortTermFallbackRows {
		t.Errorf("Fallback selected %d rows, want %d:\n%s", n, RecentShortTermFallbackRows, got)
	}
}

func TestShortTermContextNone(t *testing.T) {
	a := newAssembler(t)
	got, mode := a.ShortTermContext("hello", nil, 1000)
	if mode != ModeNone || got != "" {
		t.Errorf("Empty store should yield none, got mode=%s block=%q", mode, got)
	}
}

func TestShortTermContextObservations(t *testing.T) {
	a := newAssembler(t)
	now := int64(10 * 60 * 1000)
	entries := []*memory.Entry{
		{Type: memory.KindInsight, TsMs: now - 30*1000, Severity: "medium", OneLiner: "cat on the counter"},
		{Type: memory.KindInsight, TsMs: now - 5*60*1000, Severity: "low", OneLiner: "stale observation"},
		{Type: memory.KindTextInput, TsMs: now - 10*1000, Text: "not an insight"},
	}

	got, _ := a.ShortTermContext("hello", entries, now)
	if !strings.Contains(got, "cat on the counter") {
		t.Errorf("Recent observation missing:\n%s", got)
	}
	if strings.Contains(got, "stale observation") {
		t.Errorf("Observation outside the 2-minute window leaked:\n%s", got)
	}
	if strings.Contains(got, "not an insight") {
		t.Errorf("Non-insight entry leaked:\n%s", got)
	}
}
