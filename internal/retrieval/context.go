package retrieval

import (
	"context"
	"fmt"
	"strings"

	"eva/internal/logging"
	"eva/internal/memory"
	"eva/internal/tags"
)

// Selection knobs for the short-term and long-term blocks.
const (
	MaxTraitItems               = 12
	MaxExperienceItems          = 8
	MaxShortTermRows            = 8
	RecentShortTermFallbackRows = 3
	ObservationWindowMs         = 2 * 60 * 1000
)

// Short-term selection modes, reported for observability.
const (
	ModeTagFilter = "tag-filter"
	ModeFallback  = "fallback"
	ModeNone      = "none"
)

// Assembler builds the memory context for a reply from the three stores.
type Assembler struct {
	Semantic  *memory.SemanticStore
	Vector    *memory.VectorStore
	ShortTerm *memory.ShortTermStore
	Whitelist *tags.Whitelist
}

// LongTermContext renders the top semantic items followed by the most
// similar experiences, bounded by the long-term token budget. Failures
// degrade to a smaller block, never an error.
func (a *Assembler) LongTermContext(ctx context.Context, query string) string {
	b := NewBudgetedBuilder(LongTermTokenBudget)
	b.Add("LONG_TERM_MEMORY:")

	if a.Semantic != nil {
		items, err := a.Semantic.Top(MaxTraitItems)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("Long-term context: semantic read failed: %v", err)
		}
		for _, item := range items {
			b.Add(fmt.Sprintf("- [%s] %s (support=%d, confidence=%.2f)",
				item.Kind, item.Text, item.SupportCount, item.Confidence))
		}
	}

	if a.Vector != nil {
		matches, err := a.Vector.TopK(ctx, memory.CollectionExperience, query, MaxExperienceItems)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("Long-term context: vector search failed: %v", err)
		}
		for _, rec := range matches {
			line := "- " + rec.Text
			if len(rec.Tags) > 0 {
				line += " [" + strings.Join(rec.Tags, " ") + "]"
			}
			b.Add(line)
		}
	}

	if b.Len() <= 1 {
		return ""
	}
	logging.MemoryDebug("Long-term context: %d lines, %d tokens, %d rejected", b.Len(), b.Used(), b.Rejected())
	return b.String()
}

// ShortTermContext renders a deterministic header, recent wm_insight
// observations, and short-term summaries selected by tag overlap with the
// query (falling back to the most recent rows). Returns the block and the
// selection mode used.
func (a *Assembler) ShortTermContext(query string, entries []*memory.Entry, nowMs int64) (string, string) {
	b := NewBudgetedBuilder(ShortTermTokenBudget)
	b.Add("SHORT_TERM_MEMORY:")

	cutoff := nowMs - ObservationWindowMs
	for _, e := range entries {
		if e.Type != memory.KindInsight || e.TsMs < cutoff {
			continue
		}
		b.Add(fmt.Sprintf("- observed (%s): %s", e.Severity, e.OneLiner))
	}

	rows, mode := a.selectShortTermRows(query)
	for _, row := range rows {
		b.Add("- " + row.SummaryText)
	}

	if b.Len() <= 1 {
		return "", ModeNone
	}
	logging.MemoryDebug("Short-term context: mode=%s lines=%d tokens=%d", mode, b.Len(), b.Used())
	return b.String(), mode
}

// selectShortTermRows prefers rows whose derived tags overlap the
// query-derived tags, then falls back to the most recent rows.
func (a *Assembler) selectShortTermRows(query string) ([]memory.ShortTermSummary, string) {
	if a.ShortTerm == nil {
		return nil, ModeNone
	}
	recent, err := a.ShortTerm.Recent(MaxShortTermRows)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Short-term context: store read failed: %v", err)
		return nil, ModeNone
	}
	if len(recent) == 0 {
		return nil, ModeNone
	}

	queryTags := tags.QueryTags(a.Whitelist, query)
	if len(queryTags) > 0 {
		wanted := make(map[string]struct{}, len(queryTags))
		for _, t := range queryTags {
			wanted[t] = struct{}{}
		}
		var matched []memory.ShortTermSummary
		for _, row := range recent {
			for _, t := range tags.DeriveExperienceTags(a.Whitelist, row.SummaryText) {
				if _, ok := wanted[t]; ok {
					matched = append(matched, row)
					break
				}
			}
		}
		if len(matched) > 0 {
			return matched, ModeTagFilter
		}
	}

	if len(recent) > RecentShortTermFallbackRows {
		recent = recent[:RecentShortTermFallbackRows]
	}
	return recent, ModeFallback
}
