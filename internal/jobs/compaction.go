package jobs

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"eva/internal/logging"
	"eva/internal/memory"
	"eva/internal/model"
)

// Compaction bounds.
const (
	maxPromptRecords   = 240
	maxPromptLineChars = 300
	maxBulletChars     = 220
	minBullets         = 3
	maxFallbackBullets = 5
)

// CompactionResult is the payload returned by a compaction run.
type CompactionResult struct {
	RunAtMs          int64 `json:"run_at_ms"`
	CutoffMs         int64 `json:"cutoff_ms"`
	SourceEntryCount int   `json:"source_entry_count"`
	KeptEntryCount   int   `json:"kept_entry_count"`
	SummaryCount     int   `json:"summary_count"`
}

// Compactor summarizes aged working-memory entries into short-term bullets.
// A nil Client forces the deterministic fallback path.
type Compactor struct {
	Log       *memory.WorkingLog
	Queue     *memory.SerialQueue
	ShortTerm *memory.ShortTermStore
	Client    model.Client
}

// Run splits the log at nowMs-windowMs, summarizes the aged entries, inserts
// the bullets, and rewrites the log with only the kept entries. The entire
// run serializes through the write queue.
func (c *Compactor) Run(ctx context.Context, nowMs, windowMs int64) (*CompactionResult, error) {
	timer := logging.StartTimer(logging.CategoryJobs, "Compaction")
	defer timer.Stop()

	result := &CompactionResult{RunAtMs: nowMs, CutoffMs: nowMs - windowMs}

	err := c.Queue.Do("compaction", func() error {
		entries, err := c.Log.Read()
		if err != nil {
			return fmt.Errorf("failed to read working log: %w", err)
		}

		var old, kept []*memory.Entry
		for _, e := range entries {
			if e.TsMs < result.CutoffMs {
				old = append(old, e)
			} else {
				kept = append(kept, e)
			}
		}
		result.SourceEntryCount = len(old)
		result.KeptEntryCount = len(kept)
		if len(old) == 0 {
			logging.Jobs("Compaction: nothing older than cutoff %d, no-op", result.CutoffMs)
			return nil
		}

		bullets := c.summarize(ctx, old)
		result.SummaryCount = len(bullets)

		bucketStart := old[0].TsMs
		for _, e := range old {
			if e.TsMs < bucketStart {
				bucketStart = e.TsMs
			}
		}
		rows := make([]memory.ShortTermSummary, len(bullets))
		for i, b := range bullets {
			rows[i] = memory.ShortTermSummary{
				CreatedAtMs:      nowMs,
				BucketStartMs:    bucketStart,
				BucketEndMs:      result.CutoffMs,
				SummaryText:      b,
				SourceEntryCount: len(old),
			}
		}
		if err := c.ShortTerm.InsertBatch(rows); err != nil {
			return fmt.Errorf("failed to persist summaries: %w", err)
		}
		if err := c.Log.RewriteAtomic(kept); err != nil {
			return fmt.Errorf("failed to rewrite working log: %w", err)
		}
		logging.Jobs("Compaction: %d entries -> %d bullets, %d kept", len(old), len(bullets), len(kept))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// summarize tries the model path and falls back to the deterministic summary
// on any failure or when too few bullets survive normalization.
func (c *Compactor) summarize(ctx context.Context, old []*memory.Entry) []string {
	if c.Client != nil {
		bullets, err := c.modelBullets(ctx, old)
		if err == nil && len(bullets) >= minBullets {
			return bullets
		}
		if err != nil {
			logging.Get(logging.CategoryJobs).Warn("Compaction model path failed, using fallback: %v", err)
		} else {
			logging.Get(logging.CategoryJobs).Warn("Compaction model path produced %d bullets, using fallback", len(bullets))
		}
	}
	return fallbackBullets(old)
}

func (c *Compactor) modelBullets(ctx context.Context, old []*memory.Entry) ([]string, error) {
	resp, err := c.Client.CompleteWithTools(ctx, model.ToolRequest{
		SystemPrompt: compactionSystemPrompt,
		UserPrompt:   renderCompactionPrompt(old),
		Tools:        []model.ToolDefinition{model.CompactionTool()},
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	args, err := model.ParseCompaction(resp.FirstCall(model.ToolCommitCompaction))
	if err != nil {
		return nil, err
	}
	return NormalizeBullets(args.Bullets), nil
}

const compactionSystemPrompt = `You maintain a running diary of what happened recently. ` +
	`Summarize the supplied records into a handful of plain-prose bullets. ` +
	`Each bullet states one thing that happened or was discussed, in past tense, without timestamps, ids, or raw telemetry.`

// renderCompactionPrompt projects the most recent old records into bounded
// per-line details.
func renderCompactionPrompt(old []*memory.Entry) string {
	if len(old) > maxPromptRecords {
		old = old[len(old)-maxPromptRecords:]
	}
	var sb strings.Builder
	sb.WriteString("Records to summarize, oldest first:\n")
	for _, e := range old {
		sb.WriteString(capLine(projectEntry(e), maxPromptLineChars))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func projectEntry(e *memory.Entry) string {
	switch e.Type {
	case memory.KindTextInput:
		return "user_input: " + e.Text
	case memory.KindTextOutput:
		line := "assistant_output: " + e.Text
		if e.Meta != nil {
			line += fmt.Sprintf(" (tone=%s surprise=%.2f)", e.Meta.Tone, e.Meta.Surprise)
		}
		return line
	case memory.KindInsight:
		line := fmt.Sprintf("insight: %s (severity=%s tags=%s)", e.OneLiner, e.Severity, strings.Join(e.Tags, ","))
		if len(e.WhatChanged) > 0 {
			line += " changed: " + strings.Join(e.WhatChanged, "; ")
		}
		return line
	case memory.KindEvent:
		return fmt.Sprintf("event: %s (source=%s severity=%s) %s", e.Name, e.Source, e.Severity, e.Summary)
	}
	return string(e.Type)
}

func capLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var (
	listMarkerPattern = regexp.MustCompile(`^[\s\-\*•\d\.\)]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	jsonKeyPattern    = regexp.MustCompile(`"[A-Za-z_]\w*"\s*:`)
	kvPairPattern     = regexp.MustCompile(`\b\w+=\S+`)
)

// telemetryKeys mark bullets that echo raw payloads instead of prose.
var telemetryKeys = []string{"ts_ms", "frame_id", "track_id", "dwell_ms", "input_tokens", "output_tokens", "clip_id", "conf="}

// NormalizeBullets strips list markers, compacts whitespace, enforces the
// per-bullet length cap, rejects telemetry-like bullets, and dedupes
// case-insensitively.
func NormalizeBullets(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, b := range in {
		b = listMarkerPattern.ReplaceAllString(b, "")
		b = whitespacePattern.ReplaceAllString(b, " ")
		b = strings.TrimSpace(b)
		if b == "" || len(b) > maxBulletChars {
			continue
		}
		if looksLikeTelemetry(b) {
			continue
		}
		key := strings.ToLower(b)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}
	return out
}

func looksLikeTelemetry(b string) bool {
	if strings.Contains(b, "{") && strings.Contains(b, "}") {
		return true
	}
	if jsonKeyPattern.MatchString(b) {
		return true
	}
	lower := strings.ToLower(b)
	for _, key := range telemetryKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return len(kvPairPattern.FindAllString(b, 3)) >= 2
}

// fallbackBullets builds a deterministic summary: insight one-liners first,
// then notably surprising replies, then the last two replies, then rollup
// counts. Padded to the minimum and capped at five.
func fallbackBullets(old []*memory.Entry) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(b string) {
		b = strings.TrimSpace(b)
		if b == "" || len(b) > maxBulletChars {
			return
		}
		key := strings.ToLower(b)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}

	for _, e := range old {
		if len(out) >= maxFallbackBullets {
			break
		}
		if e.Type == memory.KindInsight && e.OneLiner != "" {
			add("Observed: " + e.OneLiner)
		}
	}
	for _, e := range old {
		if len(out) >= maxFallbackBullets {
			break
		}
		if e.Type == memory.KindTextOutput && e.Meta != nil && e.Meta.Surprise >= 0.7 {
			add("Notable exchange: " + e.Text)
		}
	}
	var outputs []*memory.Entry
	for _, e := range old {
		if e.Type == memory.KindTextOutput {
			outputs = append(outputs, e)
		}
	}
	for i := len(outputs) - 1; i >= 0 && i >= len(outputs)-2; i-- {
		if len(out) >= maxFallbackBullets {
			break
		}
		add("Replied: " + outputs[i].Text)
	}

	if len(out) < maxFallbackBullets {
		events, chats, insights := 0, 0, 0
		for _, e := range old {
			switch e.Type {
			case memory.KindEvent:
				events++
			case memory.KindTextInput, memory.KindTextOutput:
				chats++
			case memory.KindInsight:
				insights++
			}
		}
		add(fmt.Sprintf("Period totals: %d events, %d chat turns, %d insights.", events, chats, insights))
	}

	for len(out) < minBullets {
		add(fmt.Sprintf("Quiet stretch with little notable activity (%d).", len(out)+1))
	}
	if len(out) > maxFallbackBullets {
		out = out[:maxFallbackBullets]
	}
	return out
}
