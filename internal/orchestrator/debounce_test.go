package orchestrator

import (
	"testing"
	"time"
)

func newTestDebouncer(start time.Time) (*Debouncer, *time.Time) {
	now := start
	d := NewDebouncer()
	d.now = func() time.Time { return now }
	return d, &now
}

func TestDebouncerPerKeyWindow(t *testing.T) {
	d, now := newTestDebouncer(time.Now())

	if !d.Allow("insight:c1") {
		t.Fatal("First fire should pass")
	}
	*now = now.Add(30 * time.Second)
	if d.Allow("insight:c1") {
		t.Error("Same key inside the 60s window should be suppressed")
	}
	*now = now.Add(31 * time.Second)
	if !d.Allow("insight:c1") {
		t.Error("Same key after the window should fire")
	}
}

func TestDebouncerGlobalCooldown(t *testing.T) {
	d, now := newTestDebouncer(time.Now())

	if !d.Allow("event:motion:1") {
		t.Fatal("First fire should pass")
	}
	*now = now.Add(5 * time.Second)
	if d.Allow("event:motion:2") {
		t.Error("Different key inside the 10s global cooldown should be suppressed")
	}
	*now = now.Add(6 * time.Second)
	if !d.Allow("event:motion:2") {
		t.Error("Different key after the cooldown should fire")
	}
}

func TestDebouncerSuppressedFireDoesNotExtendWindows(t *testing.T) {
	d, now := newTestDebouncer(time.Now())

	d.Allow("a")
	*now = now.Add(5 * time.Second)
	d.Allow("b") // suppressed by global cooldown
	*now = now.Add(6 * time.Second)
	if !d.Allow("b") {
		t.Error("Suppressed attempt must not reset the key window")
	}
}

func TestAlertKeys(t *testing.T) {
	if got := InsightAlertKey("clip-9"); got != "insight:clip-9" {
		t.Errorf("InsightAlertKey = %q", got)
	}
	track := int64(7)
	if got := EventAlertKey("near_collision", &track); got != "event:near_collision:7" {
		t.Errorf("EventAlertKey = %q", got)
	}
	if got := EventAlertKey("motion", nil); got != "event:motion:na" {
		t.Errorf("EventAlertKey without track = %q", got)
	}
}
