package jobs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"eva/internal/logging"
	"eva/internal/memory"
	"eva/internal/tags"
)

// Confidence assigned to promoted semantic items: direct preference/decision
// signals score higher than prescriptive chat narratives.
const (
	signalConfidence    = 0.82
	narrativeConfidence = 0.70
)

// PromotionResult is the payload returned by a promotion run.
type PromotionResult struct {
	RunAtMs                int64 `json:"run_at_ms"`
	WindowStartMs          int64 `json:"window_start_ms"`
	WindowEndMs            int64 `json:"window_end_ms"`
	SourceRowCount         int   `json:"source_row_count"`
	ExperienceUpsertCount  int   `json:"experience_upsert_count"`
	PersonalityUpsertCount int   `json:"personality_upsert_count"`
	TotalExperienceCount   int64 `json:"total_experience_count"`
	TotalPersonalityCount  int64 `json:"total_personality_count"`
}

// Promoter distills yesterday's short-term rows into the long-term vector
// and semantic stores and refreshes the summary caches.
type Promoter struct {
	Queue     *memory.SerialQueue
	ShortTerm *memory.ShortTermStore
	Semantic  *memory.SemanticStore
	Vector    *memory.VectorStore
	Whitelist *tags.Whitelist
	Timezone  *time.Location

	ExperienceCachePath  string
	PersonalityCachePath string
}

// promotionSignals decide whether a row carries a durable personality signal.
var promotionSignals = regexp.MustCompile(`(?i)prefer|rather|favorite|tone|mood|decid|chose|follow[-_\s]?up|remind|plan|schedule|safe|danger|hazard`)

// prescriptiveChat matches chat narratives with prescriptive verbs.
var prescriptiveChat = regexp.MustCompile(`(?i)(said|asked|told|mentioned).*(should|must|always|never|wants?\s+to)`)

var preferPattern = regexp.MustCompile(`(?i)prefer`)

// Run promotes rows created inside yesterday's local-midnight window. The
// entire run serializes through the write queue.
func (p *Promoter) Run(ctx context.Context, nowMs int64) (*PromotionResult, error) {
	timer := logging.StartTimer(logging.CategoryJobs, "Promotion")
	defer timer.Stop()

	loc := p.Timezone
	if loc == nil {
		loc = time.Local
	}
	now := time.UnixMilli(nowMs).In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	windowEnd := midnight.UnixMilli()
	windowStart := midnight.Add(-24 * time.Hour).UnixMilli()

	result := &PromotionResult{RunAtMs: nowMs, WindowStartMs: windowStart, WindowEndMs: windowEnd}

	err := p.Queue.Do("promotion", func() error {
		rows, err := p.ShortTerm.InWindow(windowStart, windowEnd)
		if err != nil {
			return fmt.Errorf("failed to read short-term window: %w", err)
		}
		result.SourceRowCount = len(rows)

		semanticByID := map[string]memory.SemanticItem{}
		for _, row := range rows {
			expTags := tags.DeriveExperienceTags(p.Whitelist, row.SummaryText)
			rec := memory.VectorRecord{
				ID:        fmt.Sprintf("short-term-experience-%d", row.ID),
				Text:      row.SummaryText,
				EmbedText: row.SummaryText + "\n" + strings.Join(expTags, " "),
				Tags:      expTags,
				TsMs:      row.CreatedAtMs,
				Metadata: map[string]interface{}{
					"source_summary_id":    row.ID,
					"source_created_at_ms": row.CreatedAtMs,
					"updated_at_ms":        nowMs,
				},
			}
			if err := p.Vector.Upsert(ctx, memory.CollectionExperience, rec); err != nil {
				return fmt.Errorf("failed to upsert experience %s: %w", rec.ID, err)
			}
			result.ExperienceUpsertCount++

			item, ok := p.semanticItem(row)
			if !ok {
				continue
			}
			if existing, dup := semanticByID[item.ID]; dup {
				if item.Confidence > existing.Confidence {
					existing.Confidence = item.Confidence
				}
				existing.SupportCount += item.SupportCount
				if item.FirstSeenMs < existing.FirstSeenMs {
					existing.FirstSeenMs = item.FirstSeenMs
				}
				if item.LastSeenMs > existing.LastSeenMs {
					existing.LastSeenMs = item.LastSeenMs
				}
				existing.SourceSummaryIDs = append(existing.SourceSummaryIDs, item.SourceSummaryIDs...)
				semanticByID[item.ID] = existing
			} else {
				semanticByID[item.ID] = item
			}
		}

		if len(semanticByID) > 0 {
			items := make([]memory.SemanticItem, 0, len(semanticByID))
			for _, item := range semanticByID {
				items = append(items, item)
			}
			if err := p.Semantic.MergeUpsert(items, nowMs); err != nil {
				return fmt.Errorf("failed to merge semantic items: %w", err)
			}
			result.PersonalityUpsertCount = len(items)

			for _, item := range items {
				perTags := tags.DerivePersonalityTags(p.Whitelist, item.Text)
				rec := memory.VectorRecord{
					ID:        item.ID,
					Text:      item.Text,
					EmbedText: item.Text + "\n" + strings.Join(perTags, " "),
					Tags:      perTags,
					TsMs:      item.LastSeenMs,
					Metadata:  map[string]interface{}{"kind": item.Kind, "updated_at_ms": nowMs},
				}
				if err := p.Vector.Upsert(ctx, memory.CollectionPersonality, rec); err != nil {
					return fmt.Errorf("failed to upsert personality %s: %w", rec.ID, err)
				}
			}
		}

		if result.TotalExperienceCount, err = p.Vector.Count(memory.CollectionExperience); err != nil {
			return fmt.Errorf("failed to count experiences: %w", err)
		}
		if result.TotalPersonalityCount, err = p.Semantic.Count(); err != nil {
			return fmt.Errorf("failed to count semantic items: %w", err)
		}

		if err := p.refreshCaches(); err != nil {
			return err
		}
		logging.Jobs("Promotion: %d rows -> %d experiences, %d semantic items",
			result.SourceRowCount, result.ExperienceUpsertCount, result.PersonalityUpsertCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// semanticItem decides whether a row carries a durable signal and builds the
// item to merge. Direct signal matches score 0.82; prescriptive chat
// narratives score 0.70.
func (p *Promoter) semanticItem(row memory.ShortTermSummary) (memory.SemanticItem, bool) {
	text := strings.TrimSpace(row.SummaryText)
	var confidence float64
	switch {
	case promotionSignals.MatchString(text):
		confidence = signalConfidence
	case prescriptiveChat.MatchString(text):
		confidence = narrativeConfidence
	default:
		return memory.SemanticItem{}, false
	}

	kind := memory.KindTrait
	if preferPattern.MatchString(text) {
		kind = memory.KindPreference
	}
	return memory.SemanticItem{
		ID:               memory.SemanticItemID(kind, text),
		Kind:             kind,
		Text:             text,
		Confidence:       confidence,
		SupportCount:     1,
		FirstSeenMs:      row.CreatedAtMs,
		LastSeenMs:       row.CreatedAtMs,
		SourceSummaryIDs: []int64{row.ID},
	}, true
}

func (p *Promoter) refreshCaches() error {
	experiences, err := p.Vector.All(memory.CollectionExperience)
	if err != nil {
		return fmt.Errorf("failed to scan experiences for cache: %w", err)
	}
	cachedExps := make([]memory.CachedExperience, 0, memory.ExperienceCacheSize)
	for _, rec := range experiences {
		cachedExps = append(cachedExps, memory.CachedExperience{
			ID: rec.ID, Text: rec.Text, Tags: rec.Tags, TsMs: rec.TsMs,
		})
		if len(cachedExps) == memory.ExperienceCacheSize {
			break
		}
	}
	if err := memory.WriteExperienceCache(p.ExperienceCachePath, cachedExps); err != nil {
		return err
	}

	items, err := p.Semantic.RecentBySeen(memory.PersonalityCacheSize)
	if err != nil {
		return fmt.Errorf("failed to read semantic items for cache: %w", err)
	}
	cachedTraits := make([]memory.CachedTrait, 0, len(items))
	for _, item := range items {
		cachedTraits = append(cachedTraits, memory.CachedTrait{
			ID: item.ID, Kind: item.Kind, Text: item.Text,
			Confidence: item.Confidence, SupportCount: item.SupportCount, LastSeenMs: item.LastSeenMs,
		})
	}
	return memory.WritePersonalityCache(p.PersonalityCachePath, cachedTraits)
}
