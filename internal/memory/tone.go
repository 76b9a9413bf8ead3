package memory

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"eva/internal/logging"
)

// AllowedTones is the closed set of conversational tones.
var AllowedTones = []string{"warm", "dry", "playful", "focused", "gentle"}

// DefaultTone is used for sessions with no persisted tone.
const DefaultTone = "warm"

// DefaultSessionKey is the tone bucket for requests without a session id.
const DefaultSessionKey = "__default__"

// explicitTonePatterns match user utterances that directly ask for a tone
// change, e.g. "be more playful" or "switch to a dry tone".
var explicitTonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:be|sound|act)\s+(?:a\s+(?:bit|little)\s+)?(?:more\s+)?(warm|dry|playful|focused|gentle)\b`),
	regexp.MustCompile(`(?i)\b(?:switch|change|go)\s+(?:over\s+)?to\s+(?:a\s+)?(warm|dry|playful|focused|gentle)(?:\s+tone)?\b`),
	regexp.MustCompile(`(?i)\buse\s+(?:a\s+)?(warm|dry|playful|focused|gentle)\s+tone\b`),
	regexp.MustCompile(`(?i)\btone\s*[:=]\s*(warm|dry|playful|focused|gentle)\b`),
}

// ValidTone reports whether t is in the allowed set.
func ValidTone(t string) bool {
	for _, allowed := range AllowedTones {
		if t == allowed {
			return true
		}
	}
	return false
}

// DetectExplicitTone scans a user utterance for a direct tone request and
// returns the requested tone, or "" when none is found.
func DetectExplicitTone(text string) string {
	for _, pat := range explicitTonePatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

// SessionTone is the persisted tone record for one session.
type SessionTone struct {
	Tone       string `json:"tone"`
	UpdatedMs  int64  `json:"updated_at_ms"`
	LastReason string `json:"last_reason,omitempty"`
}

// toneFile is the on-disk shape of the tone cache.
type toneFile struct {
	Sessions map[string]SessionTone `json:"sessions"`
}

// ToneCache persists per-session conversational tone across restarts. Reads
// fall back to the default tone on any problem; the whole file is rewritten
// atomically on every change.
type ToneCache struct {
	path string
	mu   sync.RWMutex
}

// NewToneCache points at the cache file without touching disk.
func NewToneCache(path string) *ToneCache {
	return &ToneCache{path: path}
}

// Current returns the persisted tone for a session, or the default when the
// file is missing, unreadable, or holds a tone outside the allowed set. An
// empty session key maps to the default session.
func (c *ToneCache) Current(sessionKey string) string {
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.load().Sessions[sessionKey]
	if !ok {
		return DefaultTone
	}
	if !ValidTone(state.Tone) {
		logging.MemoryDebug("Tone cache holds unknown tone %q for session %s, using default", state.Tone, sessionKey)
		return DefaultTone
	}
	return state.Tone
}

// Set validates and persists a new tone for a session via temp file and
// rename. Reason records what triggered the change (model meta or explicit
// request).
func (c *ToneCache) Set(sessionKey, tone, reason string) error {
	if !ValidTone(tone) {
		return fmt.Errorf("tone %q is not in the allowed set", tone)
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	file := c.load()
	file.Sessions[sessionKey] = SessionTone{Tone: tone, UpdatedMs: nowMs(), LastReason: reason}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tone state: %w", err)
	}
	if err := writeFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("failed to persist tone: %w", err)
	}
	logging.Memory("Tone for session %s set to %q (reason=%s)", sessionKey, tone, reason)
	return nil
}

// load reads the cache file, tolerating absence and corruption. Callers hold
// the lock.
func (c *ToneCache) load() toneFile {
	file := toneFile{Sessions: map[string]SessionTone{}}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return file
	}
	if err := json.Unmarshal(data, &file); err != nil {
		logging.MemoryDebug("Tone cache unreadable, starting fresh: %v", err)
		return toneFile{Sessions: map[string]SessionTone{}}
	}
	if file.Sessions == nil {
		file.Sessions = map[string]SessionTone{}
	}
	return file
}

// writeFileAtomic writes data to path via a uniquely named temp file in the
// same directory followed by a rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d-%d", path, os.Getpid(), nowMs(), rand.Int31())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
