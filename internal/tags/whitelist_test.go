package tags

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNewWhitelistNormalizes(t *testing.T) {
	w := NewWhitelist([]string{" Chat ", "AWARENESS", "chat", "", "object"})
	want := []string{"awareness", "chat", "object"}
	if got := w.Values(); !reflect.DeepEqual(got, want) {
		t.Errorf("Values = %v, want %v", got, want)
	}
	if !w.Contains("  CHAT ") {
		t.Error("Contains should normalize before lookup")
	}
	if w.Contains("missing") {
		t.Error("Contains should reject unknown tags")
	}
}

func TestSanitizeFiltersAndDedupes(t *testing.T) {
	w := NewWhitelist(DefaultWhitelist)
	got := w.Sanitize([]string{"Chat", "made_up", "chat", " object ", ""}, "awareness")
	want := []string{"chat", "object"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Sanitize = %v, want %v", got, want)
	}
}

func TestSanitizeFallbackWhenEmptied(t *testing.T) {
	w := NewWhitelist(DefaultWhitelist)

	if got := w.Sanitize([]string{"made_up"}, "chat"); !reflect.DeepEqual(got, []string{"chat"}) {
		t.Errorf("Valid fallback not used: %v", got)
	}
	// A fallback outside the whitelist is replaced by the canonical one.
	if got := w.Sanitize([]string{"made_up"}, "bogus"); !reflect.DeepEqual(got, []string{"awareness"}) {
		t.Errorf("Invalid fallback should yield awareness: %v", got)
	}
	if got := w.Sanitize(nil, ""); !reflect.DeepEqual(got, []string{"awareness"}) {
		t.Errorf("Empty input should yield awareness: %v", got)
	}
}

func TestFallbackPreferenceOrder(t *testing.T) {
	tests := []struct {
		values []string
		want   string
	}{
		{[]string{"object", "awareness", "chat", "preference"}, "awareness"},
		{[]string{"object", "chat", "preference"}, "chat"},
		{[]string{"object", "preference"}, "preference"},
		{[]string{"object", "safety"}, "object"},
		{nil, "awareness"},
	}
	for _, tt := range tests {
		w := NewWhitelist(tt.values)
		if got := w.Fallback(); got != tt.want {
			t.Errorf("Fallback(%v) = %q, want %q", tt.values, got, tt.want)
		}
	}
}

func TestSanitizeKeepEmpty(t *testing.T) {
	w := NewWhitelist(DefaultWhitelist)
	got := w.SanitizeKeepEmpty([]string{"made_up", "also_fake"})
	if len(got) != 0 {
		t.Errorf("SanitizeKeepEmpty = %v, want empty", got)
	}
}

func TestUnknownTagWarnsOnce(t *testing.T) {
	w := NewWhitelist(DefaultWhitelist)
	w.Sanitize([]string{"made_up"}, "chat")
	w.Sanitize([]string{"made_up"}, "chat")
	w.SanitizeKeepEmpty([]string{"made_up", "also_fake"})

	w.warnedMu.Lock()
	defer w.warnedMu.Unlock()
	if len(w.warned) != 2 {
		t.Errorf("Warned set = %v, want exactly {made_up, also_fake}", w.warned)
	}
}

func TestLoadWhitelistMissingFileUsesDefaults(t *testing.T) {
	w, err := LoadWhitelist(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(w.Values(), NewWhitelist(DefaultWhitelist).Values()) {
		t.Errorf("Missing file should yield the default whitelist, got %v", w.Values())
	}
}

func TestLoadWhitelistFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experience_tags.json")
	if err := os.WriteFile(path, []byte(`["roi","Motion"]`), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := LoadWhitelist(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := w.Values(); !reflect.DeepEqual(got, []string{"motion", "roi"}) {
		t.Errorf("Values = %v", got)
	}
}

func TestLoadWhitelistRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{not json]`), 0644)
	if _, err := LoadWhitelist(bad); err == nil {
		t.Error("Malformed JSON should fail")
	}

	empty := filepath.Join(dir, "empty.json")
	os.WriteFile(empty, []byte(`[]`), 0644)
	if _, err := LoadWhitelist(empty); err == nil {
		t.Error("Empty whitelist should fail")
	}
}
