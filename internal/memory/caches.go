package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"eva/internal/logging"
)

// Cache sizes refreshed after each promotion run.
const (
	ExperienceCacheSize  = 16
	PersonalityCacheSize = 12
)

// CachedExperience is one row of the core experiences cache.
type CachedExperience struct {
	ID   string   `json:"id"`
	Text string   `json:"text"`
	Tags []string `json:"tags,omitempty"`
	TsMs int64    `json:"ts_ms"`
}

// CachedTrait is one row of the core personality cache.
type CachedTrait struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	SupportCount int     `json:"support_count"`
	LastSeenMs   int64   `json:"last_seen_ms"`
}

// cacheFile is the envelope both caches share on disk.
type cacheFile struct {
	UpdatedMs int64           `json:"updated_ms"`
	TagCounts map[string]int  `json:"tag_counts,omitempty"`
	Items     json.RawMessage `json:"items"`
}

// WriteExperienceCache atomically replaces the core experiences cache,
// recording aggregate tag counts across the retained items.
func WriteExperienceCache(path string, items []CachedExperience) error {
	if len(items) > ExperienceCacheSize {
		items = items[:ExperienceCacheSize]
	}
	if items == nil {
		items = []CachedExperience{}
	}
	counts := map[string]int{}
	for _, item := range items {
		for _, tag := range item.Tags {
			counts[tag]++
		}
	}
	if err := writeCacheWithCounts(path, items, counts); err != nil {
		return fmt.Errorf("failed to write experience cache: %w", err)
	}
	logging.MemoryDebug("Experience cache refreshed with %d items", len(items))
	return nil
}

// WritePersonalityCache atomically replaces the core personality cache.
func WritePersonalityCache(path string, items []CachedTrait) error {
	if len(items) > PersonalityCacheSize {
		items = items[:PersonalityCacheSize]
	}
	if items == nil {
		items = []CachedTrait{}
	}
	if err := writeCache(path, items); err != nil {
		return fmt.Errorf("failed to write personality cache: %w", err)
	}
	logging.MemoryDebug("Personality cache refreshed with %d items", len(items))
	return nil
}

// ReadExperienceCache loads the cache, returning nil for a missing or
// unreadable file.
func ReadExperienceCache(path string) []CachedExperience {
	var items []CachedExperience
	readCache(path, &items)
	return items
}

// ReadPersonalityCache loads the cache, returning nil for a missing or
// unreadable file.
func ReadPersonalityCache(path string) []CachedTrait {
	var items []CachedTrait
	readCache(path, &items)
	return items
}

func writeCache(path string, items interface{}) error {
	return writeCacheWithCounts(path, items, nil)
}

func writeCacheWithCounts(path string, items interface{}, counts map[string]int) error {
	rawItems, err := json.Marshal(items)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cacheFile{UpdatedMs: nowMs(), TagCounts: counts, Items: rawItems}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func readCache(path string, out interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		logging.MemoryDebug("Cache %s unreadable: %v", path, err)
		return
	}
	if err := json.Unmarshal(file.Items, out); err != nil {
		logging.MemoryDebug("Cache %s items unreadable: %v", path, err)
	}
}
