package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func testEntries() []*Entry {
	track := int64(7)
	return []*Entry{
		{Type: KindTextInput, TsMs: 1000, RequestID: "r1", Text: "hello"},
		{Type: KindTextOutput, TsMs: 1500, RequestID: "r1", Text: "hi there",
			Meta: &ResponseMeta{Tone: "warm", Concepts: []string{"greeting"}, Surprise: 0.1}},
		{Type: KindEvent, TsMs: 2000, Source: "quickvision", Name: "motion", Severity: SeverityLow, TrackID: &track},
		{Type: KindInsight, TsMs: 3000, ClipID: "clip-1", OneLiner: "A cat appeared",
			WhatChanged: []string{"cat entered frame"}, Tags: []string{"object"}, Severity: SeverityMedium},
	}
}

func TestWorkingLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "working.jsonl")
	log := NewWorkingLog(path)

	if err := log.Append(testEntries()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := log.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].TsMs > got[i].TsMs {
			t.Errorf("Entries not sorted by ts_ms at index %d", i)
		}
	}
	if got[0].Text != "hello" {
		t.Errorf("Expected first entry text %q, got %q", "hello", got[0].Text)
	}
	if got[2].TrackID == nil || *got[2].TrackID != 7 {
		t.Error("Event track_id not preserved")
	}
}

func TestWorkingLogReadMissingFile(t *testing.T) {
	log := NewWorkingLog(filepath.Join(t.TempDir(), "absent.jsonl"))
	got, err := log.Read()
	if err != nil {
		t.Fatalf("Missing file should not error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Expected empty result, got %d entries", len(got))
	}
}

func TestWorkingLogSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "working.jsonl")
	content := `{"type":"text_input","ts_ms":100,"text":"ok"}
not json at all
{"type":"bogus_kind","ts_ms":200}
{"type":"wm_event","ts_ms":300,"name":"motion","severity":"low"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := NewWorkingLog(path).Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 valid entries, got %d", len(got))
	}
	if got[0].Type != KindTextInput || got[1].Type != KindEvent {
		t.Errorf("Unexpected surviving entries: %v, %v", got[0].Type, got[1].Type)
	}
}

func TestWorkingLogRawLineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "working.jsonl")
	line := `{"type":"text_input","ts_ms":100,"text":"ok","extra_field":"preserved"}`
	if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := NewWorkingLog(path).Read()
	if err != nil || len(got) != 1 {
		t.Fatalf("Read failed: %v (%d entries)", err, len(got))
	}
	raw, err := got[0].RawLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != line {
		t.Errorf("Raw line not preserved verbatim:\n got %s\nwant %s", raw, line)
	}
}

func TestWorkingLogRewriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "working.jsonl")
	log := NewWorkingLog(path)

	if err := log.Append(testEntries()); err != nil {
		t.Fatal(err)
	}
	survivors := []*Entry{{Type: KindTextOutput, TsMs: 1500, Text: "hi there"}}
	if err := log.RewriteAtomic(survivors); err != nil {
		t.Fatalf("RewriteAtomic failed: %v", err)
	}

	got, err := log.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "hi there" {
		t.Fatalf("Rewrite did not replace contents, got %d entries", len(got))
	}

	// No temp files left behind.
	matches, _ := filepath.Glob(path + ".tmp-*")
	if len(matches) != 0 {
		t.Errorf("Temp files left after rewrite: %v", matches)
	}
}

func TestWorkingLogRejectsInvalidEntry(t *testing.T) {
	log := NewWorkingLog(filepath.Join(t.TempDir(), "working.jsonl"))
	err := log.Append([]*Entry{{Type: "nonsense", TsMs: 1}})
	if err == nil {
		t.Fatal("Expected invalid entry to be rejected")
	}
}
