// Package tags owns the tag whitelist and the regex rules that map free text
// onto it. Every tag or concept persisted anywhere in EVA passes through
// Sanitize first.
package tags

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"eva/internal/logging"
)

// DefaultWhitelist is used when no experience_tags.json is present. Kept
// lowercase and sorted; Sanitize depends on membership only.
var DefaultWhitelist = []string{
	"awareness",
	"chat",
	"decision",
	"follow_up",
	"motion",
	"near_collision",
	"object",
	"planning",
	"preference",
	"roi",
	"rule",
	"safety",
	"scene_change",
	"surprise",
	"tone",
}

// Whitelist is the authoritative set of allowed tag/concept strings.
type Whitelist struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
	ordered []string

	warnedMu sync.Mutex
	warned   map[string]struct{} // unknown tags already logged once
}

// NewWhitelist builds a whitelist from explicit values.
func NewWhitelist(values []string) *Whitelist {
	w := &Whitelist{
		allowed: make(map[string]struct{}, len(values)),
		warned:  make(map[string]struct{}),
	}
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := w.allowed[v]; dup {
			continue
		}
		w.allowed[v] = struct{}{}
		w.ordered = append(w.ordered, v)
	}
	sort.Strings(w.ordered)
	return w
}

// LoadWhitelist reads a JSON array of tags from path. A missing file yields
// the default whitelist.
func LoadWhitelist(path string) (*Whitelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Get(logging.CategoryTags).Info("No whitelist at %s, using defaults (%d tags)", path, len(DefaultWhitelist))
			return NewWhitelist(DefaultWhitelist), nil
		}
		return nil, fmt.Errorf("failed to read tag whitelist: %w", err)
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse tag whitelist: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("tag whitelist at %s is empty", path)
	}
	return NewWhitelist(values), nil
}

// Contains reports membership of a normalized tag.
func (w *Whitelist) Contains(tag string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.allowed[strings.ToLower(strings.TrimSpace(tag))]
	return ok
}

// Values returns the sorted whitelist contents.
func (w *Whitelist) Values() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.ordered))
	copy(out, w.ordered)
	return out
}

// Fallback returns the configured fallback tag, preferring awareness, chat,
// then preference when present, else the first whitelisted tag.
func (w *Whitelist) Fallback() string {
	for _, candidate := range []string{"awareness", "chat", "preference"} {
		if w.Contains(candidate) {
			return candidate
		}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.ordered) > 0 {
		return w.ordered[0]
	}
	return "awareness"
}

// Sanitize normalizes, dedupes and filters tags against the whitelist. If
// filtering empties the set, the fallback is inserted. Unknown tags are
// logged once per process.
func (w *Whitelist) Sanitize(in []string, fallback string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if !w.Contains(tag) {
			w.warnOnce(tag)
			continue
		}
		out = append(out, tag)
	}
	if len(out) == 0 {
		if fallback == "" || !w.Contains(fallback) {
			fallback = w.Fallback()
		}
		out = append(out, fallback)
	}
	return out
}

// SanitizeKeepEmpty behaves like Sanitize but returns an empty slice instead
// of inserting the fallback. Used where an empty set is meaningful.
func (w *Whitelist) SanitizeKeepEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if !w.Contains(tag) {
			w.warnOnce(tag)
			continue
		}
		out = append(out, tag)
	}
	return out
}

func (w *Whitelist) warnOnce(tag string) {
	w.warnedMu.Lock()
	defer w.warnedMu.Unlock()
	if _, done := w.warned[tag]; done {
		return
	}
	w.warned[tag] = struct{}{}
	logging.Get(logging.CategoryTags).Warn("Dropping unknown tag %q (not in whitelist)", tag)
}
