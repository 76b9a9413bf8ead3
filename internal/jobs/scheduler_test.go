package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@hourly", false},
		{"@daily", false},
		{"15 3 * * *", false},
		{"0 0 * * *", false},
		{"60 3 * * *", true},
		{"15 24 * * *", true},
		{"15 3 1 * *", true},
		{"*/5 * * * *", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %t", tt.expr, err, tt.wantErr)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 20, 30, 0, time.UTC)

	hourly, _ := ParseSchedule("@hourly")
	if got := hourly.Next(base); !got.Equal(time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("@hourly next = %v", got)
	}

	daily, _ := ParseSchedule("@daily")
	if got := daily.Next(base); !got.Equal(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("@daily next = %v", got)
	}

	fixed, _ := ParseSchedule("15 3 * * *")
	if got := fixed.Next(base); !got.Equal(time.Date(2026, 8, 26, 3, 15, 0, 0, time.UTC)) {
		t.Errorf("fixed next (past today) = %v", got)
	}
	earlier := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	if got := fixed.Next(earlier); !got.Equal(time.Date(2026, 8, 25, 3, 15, 0, 0, time.UTC)) {
		t.Errorf("fixed next (later today) = %v", got)
	}
}

func TestStateLifecycle(t *testing.T) {
	s := NewState()
	s.Requested(JobCompaction)

	if !s.TryStart(JobCompaction) {
		t.Fatal("First start should succeed")
	}
	if s.TryStart(JobCompaction) {
		t.Fatal("Second start while in flight should be refused")
	}

	s.Failed(JobCompaction, errors.New("boom"))
	snap := s.Snapshot()[JobCompaction]
	if snap.InFlight || snap.LastError != "boom" || snap.LastFailedMs == 0 {
		t.Errorf("After failure: %+v", snap)
	}

	if !s.TryStart(JobCompaction) {
		t.Fatal("Start after failure should succeed")
	}
	s.Completed(JobCompaction)
	snap = s.Snapshot()[JobCompaction]
	if snap.InFlight || snap.LastError != "" || snap.LastCompletedMs == 0 {
		t.Errorf("After completion: %+v", snap)
	}
}
