package model

import (
	"testing"
)

func callWith(name string, input map[string]interface{}) *ToolCall {
	return &ToolCall{ID: "call_0", Name: name, Input: input}
}

func TestParseTextResponse(t *testing.T) {
	call := callWith(ToolCommitTextResponse, map[string]interface{}{
		"text": "  Hello there.  ",
		"meta": map[string]interface{}{
			"tone":     " Warm ",
			"concepts": []interface{}{"Chat", "chat", "awareness", ""},
			"surprise": 1.7,
			"note":     "n",
		},
	})
	got, err := ParseTextResponse(call)
	if err != nil {
		t.Fatalf("ParseTextResponse failed: %v", err)
	}
	if got.Text != "Hello there." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Tone != "warm" {
		t.Errorf("Tone = %q, want normalized warm", got.Tone)
	}
	if len(got.Concepts) != 2 || got.Concepts[0] != "chat" || got.Concepts[1] != "awareness" {
		t.Errorf("Concepts = %v, want deduped lowercase [chat awareness]", got.Concepts)
	}
	if got.Surprise != 1.0 {
		t.Errorf("Surprise = %v, want clamped to 1", got.Surprise)
	}
}

func TestParseTextResponseRejectsEmptyText(t *testing.T) {
	call := callWith(ToolCommitTextResponse, map[string]interface{}{
		"text": "   ",
		"meta": map[string]interface{}{"tone": "warm", "concepts": []interface{}{}, "surprise": 0.0},
	})
	if _, err := ParseTextResponse(call); err == nil {
		t.Fatal("Expected empty text to be rejected")
	}
}

func TestParseTextResponseRejectsMissingMeta(t *testing.T) {
	call := callWith(ToolCommitTextResponse, map[string]interface{}{"text": "hi"})
	if _, err := ParseTextResponse(call); err == nil {
		t.Fatal("Expected missing meta to be rejected")
	}
}

func TestParseTextResponseClampsNegativeSurprise(t *testing.T) {
	call := callWith(ToolCommitTextResponse, map[string]interface{}{
		"text": "hi",
		"meta": map[string]interface{}{"tone": "dry", "concepts": []interface{}{}, "surprise": -0.3},
	})
	got, err := ParseTextResponse(call)
	if err != nil {
		t.Fatal(err)
	}
	if got.Surprise != 0 {
		t.Errorf("Surprise = %v, want clamped to 0", got.Surprise)
	}
}

func TestParseInsight(t *testing.T) {
	call := callWith(ToolSubmitInsight, map[string]interface{}{
		"one_liner":    "A cat walked across the counter",
		"what_changed": []interface{}{"cat entered", "cat on counter", "", "owner reacted"},
		"tts_response": "There goes the cat again.",
		"severity":     "Medium",
		"tags":         []interface{}{"Object", "object", "surprise"},
	})
	got, err := ParseInsight(call)
	if err != nil {
		t.Fatalf("ParseInsight failed: %v", err)
	}
	if got.Severity != "medium" {
		t.Errorf("Severity = %q", got.Severity)
	}
	if len(got.WhatChanged) != 3 {
		t.Errorf("WhatChanged = %v, empty items should be dropped", got.WhatChanged)
	}
	if len(got.Tags) != 2 {
		t.Errorf("Tags = %v, want deduped [object surprise]", got.Tags)
	}
}

func TestParseInsightRejections(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"one_liner":    "something happened",
			"what_changed": []interface{}{"a"},
			"tts_response": "ok",
			"severity":     "low",
			"tags":         []interface{}{"object"},
		}
	}

	missing := base()
	missing["one_liner"] = ""
	if _, err := ParseInsight(callWith(ToolSubmitInsight, missing)); err == nil {
		t.Error("Expected empty one_liner rejection")
	}

	badSev := base()
	badSev["severity"] = "critical"
	if _, err := ParseInsight(callWith(ToolSubmitInsight, badSev)); err == nil {
		t.Error("Expected unknown severity rejection")
	}

	noTags := base()
	noTags["tags"] = []interface{}{}
	if _, err := ParseInsight(callWith(ToolSubmitInsight, noTags)); err == nil {
		t.Error("Expected empty tags rejection")
	}

	noChanges := base()
	noChanges["what_changed"] = []interface{}{"  "}
	if _, err := ParseInsight(callWith(ToolSubmitInsight, noChanges)); err == nil {
		t.Error("Expected empty what_changed rejection")
	}
}

func TestParseInsightCapsWhatChanged(t *testing.T) {
	call := callWith(ToolSubmitInsight, map[string]interface{}{
		"one_liner":    "busy scene",
		"what_changed": []interface{}{"a", "b", "c", "d", "e", "f", "g"},
		"tts_response": "lots going on",
		"severity":     "low",
		"tags":         []interface{}{"object"},
	})
	got, err := ParseInsight(call)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.WhatChanged) != MaxWhatChanged {
		t.Errorf("WhatChanged has %d items, want capped at %d", len(got.WhatChanged), MaxWhatChanged)
	}
}

func TestParseCompaction(t *testing.T) {
	call := callWith(ToolCommitCompaction, map[string]interface{}{
		"bullets": []interface{}{"first thing", "second thing", "third thing"},
	})
	got, err := ParseCompaction(call)
	if err != nil {
		t.Fatalf("ParseCompaction failed: %v", err)
	}
	if len(got.Bullets) != 3 {
		t.Errorf("Bullets = %v", got.Bullets)
	}
}

func TestParseCompactionTooFew(t *testing.T) {
	call := callWith(ToolCommitCompaction, map[string]interface{}{
		"bullets": []interface{}{"only", "two"},
	})
	if _, err := ParseCompaction(call); err == nil {
		t.Fatal("Expected too-few bullets rejection")
	}
}

func TestParseCompactionCapsAtMax(t *testing.T) {
	var bullets []interface{}
	for i := 0; i < 10; i++ {
		bullets = append(bullets, "bullet")
	}
	got, err := ParseCompaction(callWith(ToolCommitCompaction, map[string]interface{}{"bullets": bullets}))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Bullets) != MaxCompactionItems {
		t.Errorf("Bullets has %d items, want capped at %d", len(got.Bullets), MaxCompactionItems)
	}
}

func TestFirstCall(t *testing.T) {
	resp := &ToolResponse{ToolCalls: []ToolCall{
		{ID: "call_0", Name: "other"},
		{ID: "call_1", Name: ToolCommitTextResponse},
	}}
	if got := resp.FirstCall(ToolCommitTextResponse); got == nil || got.ID != "call_1" {
		t.Errorf("FirstCall = %+v", got)
	}
	if got := resp.FirstCall("absent"); got != nil {
		t.Errorf("FirstCall for absent tool = %+v, want nil", got)
	}
}
