package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// Debounce windows for high-severity alerts.
const (
	DedupeWindow   = 60 * time.Second
	GlobalCooldown = 10 * time.Second
)

// Debouncer limits high-severity alerts: a dedupe key fires at most once per
// window, and any two fires are separated by the global cooldown.
type Debouncer struct {
	mu        sync.Mutex
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
	lastByKey map[string]time.Time
	lastAny   time.Time
}

// NewDebouncer builds a debouncer with the standard windows.
func NewDebouncer() *Debouncer {
	return &Debouncer{
		window:    DedupeWindow,
		cooldown:  GlobalCooldown,
		now:       time.Now,
		lastByKey: map[string]time.Time{},
	}
}

// Allow reports whether an alert with this dedupe key may fire now, and
// records the fire when it may.
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastByKey[key]; ok && now.Sub(last) < d.window {
		return false
	}
	if !d.lastAny.IsZero() && now.Sub(d.lastAny) < d.cooldown {
		return false
	}
	d.lastByKey[key] = now
	d.lastAny = now
	return true
}

// InsightAlertKey is the dedupe key for a high-severity insight.
func InsightAlertKey(clipID string) string {
	return "insight:" + clipID
}

// EventAlertKey is the dedupe key for a high-severity detector event.
func EventAlertKey(name string, trackID *int64) string {
	track := "na"
	if trackID != nil {
		track = fmt.Sprintf("%d", *trackID)
	}
	return "event:" + name + ":" + track
}
