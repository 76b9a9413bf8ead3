package model

import (
	"fmt"
	"strings"
)

// Tool names the model is required to call on each path.
const (
	ToolCommitTextResponse = "commit_text_response"
	ToolSubmitInsight      = "submit_insight"
	ToolCommitCompaction   = "commit_working_memory_compaction"
)

// Bounds enforced on tool arguments.
const (
	MaxConcepts         = 6
	MaxInsightTags      = 6
	MinWhatChanged      = 1
	MaxWhatChanged      = 5
	MinCompactionItems  = 3
	MaxCompactionItems  = 7
	MaxOneLinerChars    = 200
	MaxBulletChars      = 220
	MaxResponseNoteSize = 500
)

var severityEnum = []string{"low", "medium", "high"}

// TextResponseArgs are the validated arguments of commit_text_response.
type TextResponseArgs struct {
	Text     string
	Tone     string
	Concepts []string
	Surprise float64
	Note     string
}

// InsightArgs are the validated arguments of submit_insight.
type InsightArgs struct {
	OneLiner    string
	WhatChanged []string
	TTSResponse string
	Severity    string
	Tags        []string
}

// CompactionArgs are the validated arguments of
// commit_working_memory_compaction.
type CompactionArgs struct {
	Bullets []string
}

// TextResponseTool declares the mandatory tool for the respond path. The
// allowed tone set and concept whitelist are embedded into the schema so the
// model sees the legal values.
func TextResponseTool(allowedTones, conceptWhitelist []string) ToolDefinition {
	return ToolDefinition{
		Name:        ToolCommitTextResponse,
		Description: "Commit the final reply to the user along with response metadata. This tool must be called exactly once.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "The reply text shown to the user.",
				},
				"meta": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"tone": map[string]interface{}{
							"type": "string",
							"enum": allowedTones,
						},
						"concepts": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string", "enum": conceptWhitelist},
							"description": fmt.Sprintf("Up to %d concepts drawn from the allowed set.", MaxConcepts),
						},
						"surprise": map[string]interface{}{
							"type":        "number",
							"description": "How unexpected the exchange was, 0 to 1.",
						},
						"note": map[string]interface{}{
							"type": "string",
						},
					},
					"required": []string{"tone", "concepts", "surprise"},
				},
			},
			"required": []string{"text", "meta"},
		},
	}
}

// InsightTool declares the mandatory tool for the insight path.
func InsightTool(tagWhitelist []string) ToolDefinition {
	return ToolDefinition{
		Name:        ToolSubmitInsight,
		Description: "Submit the scene insight for the supplied frames. This tool must be called exactly once.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"one_liner": map[string]interface{}{
					"type":        "string",
					"description": "One sentence describing what is happening.",
				},
				"what_changed": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": fmt.Sprintf("%d to %d concrete changes across the frames.", MinWhatChanged, MaxWhatChanged),
				},
				"tts_response": map[string]interface{}{
					"type":        "string",
					"description": "A short spoken-style remark about the scene.",
				},
				"severity": map[string]interface{}{
					"type": "string",
					"enum": severityEnum,
				},
				"tags": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string", "enum": tagWhitelist},
					"description": fmt.Sprintf("1 to %d tags from the allowed set.", MaxInsightTags),
				},
			},
			"required": []string{"one_liner", "what_changed", "tts_response", "severity", "tags"},
		},
	}
}

// CompactionTool declares the mandatory tool for the compaction job.
func CompactionTool() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCommitCompaction,
		Description: "Commit the working-memory summary bullets. This tool must be called exactly once.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"bullets": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": fmt.Sprintf("%d to %d plain-prose bullets summarizing the aged entries.", MinCompactionItems, MaxCompactionItems),
				},
			},
			"required": []string{"bullets"},
		},
	}
}

// ParseTextResponse validates commit_text_response arguments. Surprise is
// clamped into [0,1]; tone and concepts are normalized but checked against
// their allowed sets by the caller, which owns the whitelist.
func ParseTextResponse(call *ToolCall) (*TextResponseArgs, error) {
	if call == nil {
		return nil, fmt.Errorf("missing %s call", ToolCommitTextResponse)
	}
	text := strings.TrimSpace(stringArg(call.Input, "text"))
	if text == "" {
		return nil, fmt.Errorf("%s: text must be a non-empty string", ToolCommitTextResponse)
	}

	meta, ok := call.Input["meta"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: meta must be an object", ToolCommitTextResponse)
	}

	surprise := floatArg(meta, "surprise")
	if surprise < 0 {
		surprise = 0
	}
	if surprise > 1 {
		surprise = 1
	}

	note := stringArg(meta, "note")
	if len(note) > MaxResponseNoteSize {
		note = note[:MaxResponseNoteSize]
	}

	return &TextResponseArgs{
		Text:     text,
		Tone:     strings.ToLower(strings.TrimSpace(stringArg(meta, "tone"))),
		Concepts: normalizeList(stringSliceArg(meta, "concepts"), MaxConcepts),
		Surprise: surprise,
		Note:     note,
	}, nil
}

// ParseInsight validates submit_insight arguments.
func ParseInsight(call *ToolCall) (*InsightArgs, error) {
	if call == nil {
		return nil, fmt.Errorf("missing %s call", ToolSubmitInsight)
	}
	oneLiner := strings.TrimSpace(stringArg(call.Input, "one_liner"))
	if oneLiner == "" {
		return nil, fmt.Errorf("%s: one_liner must be a non-empty string", ToolSubmitInsight)
	}
	if len(oneLiner) > MaxOneLinerChars {
		oneLiner = oneLiner[:MaxOneLinerChars]
	}

	changed := trimAll(stringSliceArg(call.Input, "what_changed"))
	if len(changed) < MinWhatChanged {
		return nil, fmt.Errorf("%s: what_changed needs at least %d item", ToolSubmitInsight, MinWhatChanged)
	}
	if len(changed) > MaxWhatChanged {
		changed = changed[:MaxWhatChanged]
	}

	severity := strings.ToLower(strings.TrimSpace(stringArg(call.Input, "severity")))
	if !validSeverity(severity) {
		return nil, fmt.Errorf("%s: severity %q not in {low,medium,high}", ToolSubmitInsight, severity)
	}

	tags := normalizeList(stringSliceArg(call.Input, "tags"), MaxInsightTags)
	if len(tags) == 0 {
		return nil, fmt.Errorf("%s: tags needs at least 1 item", ToolSubmitInsight)
	}

	return &InsightArgs{
		OneLiner:    oneLiner,
		WhatChanged: changed,
		TTSResponse: strings.TrimSpace(stringArg(call.Input, "tts_response")),
		Severity:    severity,
		Tags:        tags,
	}, nil
}

// ParseCompaction validates commit_working_memory_compaction arguments. The
// bullet count floor is checked again by the caller after normalization.
func ParseCompaction(call *ToolCall) (*CompactionArgs, error) {
	if call == nil {
		return nil, fmt.Errorf("missing %s call", ToolCommitCompaction)
	}
	bullets := trimAll(stringSliceArg(call.Input, "bullets"))
	if len(bullets) < MinCompactionItems {
		return nil, fmt.Errorf("%s: needs at least %d bullets, got %d", ToolCommitCompaction, MinCompactionItems, len(bullets))
	}
	if len(bullets) > MaxCompactionItems {
		bullets = bullets[:MaxCompactionItems]
	}
	return &CompactionArgs{Bullets: bullets}, nil
}

func validSeverity(s string) bool {
	for _, v := range severityEnum {
		if s == v {
			return true
		}
	}
	return false
}

func stringArg(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatArg(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func stringSliceArg(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		// Tolerate an already-typed slice from tests.
		if typed, ok := m[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalizeList lowercases, trims, dedupes, and caps a tag-like list.
func normalizeList(in []string, max int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}
