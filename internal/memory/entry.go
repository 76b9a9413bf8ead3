// Package memory implements the layered memory pipeline: the serialized
// working-memory log, the short-term and semantic SQLite stores, the
// long-term vector store, the tone cache, and the summary caches.
package memory

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates working-memory entry variants.
type Kind string

const (
	KindTextInput  Kind = "text_input"
	KindTextOutput Kind = "text_output"
	KindEvent      Kind = "wm_event"
	KindInsight    Kind = "wm_insight"
)

// Severity levels used by events and insights.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ValidSeverity reports whether s is one of low/medium/high.
func ValidSeverity(s string) bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// ResponseMeta is the structured metadata attached to every text_output.
type ResponseMeta struct {
	Tone     string   `json:"tone"`
	Concepts []string `json:"concepts"`
	Surprise float64  `json:"surprise"`
	Note     string   `json:"note"`
}

// Usage captures model token accounting carried on insights.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Entry is the tagged working-memory record. One flat struct covers all four
// variants; serialization is discriminated on Type at read time and unused
// fields are omitted on the wire.
type Entry struct {
	Type Kind  `json:"type"`
	TsMs int64 `json:"ts_ms"`

	// text_input / text_output
	RequestID string        `json:"request_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Text      string        `json:"text,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`

	// wm_event
	Source   string                 `json:"source,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Severity string                 `json:"severity,omitempty"`
	TrackID  *int64                 `json:"track_id,omitempty"`
	Summary  string                 `json:"summary,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`

	// wm_insight
	ClipID         string   `json:"clip_id,omitempty"`
	TriggerFrameID string   `json:"trigger_frame_id,omitempty"`
	OneLiner       string   `json:"one_liner,omitempty"`
	WhatChanged    []string `json:"what_changed,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Assets         []string `json:"assets,omitempty"`
	Narration      string   `json:"narration,omitempty"`
	Usage          *Usage   `json:"usage,omitempty"`

	// raw retains the original log line for replay; empty for entries built
	// in memory.
	raw []byte
}

// RawLine returns the entry exactly as it appeared in the log, falling back
// to re-serialization for entries that were never read from disk.
func (e *Entry) RawLine() ([]byte, error) {
	if len(e.raw) > 0 {
		out := make([]byte, len(e.raw))
		copy(out, e.raw)
		return out, nil
	}
	return json.Marshal(e)
}

// Validate enforces the invariants every persisted entry must satisfy.
func (e *Entry) Validate() error {
	switch e.Type {
	case KindTextInput, KindTextOutput, KindEvent, KindInsight:
	default:
		return fmt.Errorf("unknown entry type %q", e.Type)
	}
	if e.TsMs < 0 {
		return fmt.Errorf("ts_ms must be non-negative, got %d", e.TsMs)
	}
	if e.Severity != "" && !ValidSeverity(e.Severity) {
		return fmt.Errorf("invalid severity %q", e.Severity)
	}
	return nil
}
