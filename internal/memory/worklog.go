package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"eva/internal/logging"
)

// WorkingLog is the append-only newline-delimited JSON log of recent
// activity. Readers tolerate a missing file and skip malformed lines; all
// writers must run through the serial queue.
type WorkingLog struct {
	path string
}

// NewWorkingLog points at the log file without touching disk.
func NewWorkingLog(path string) *WorkingLog {
	return &WorkingLog{path: path}
}

// Path returns the log file location.
func (l *WorkingLog) Path() string {
	return l.path
}

// Append serializes each entry on one line and appends them as a single
// write. The parent directory is created if missing.
func (l *WorkingLog) Append(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	payload, err := encodeLines(entries)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open working log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("failed to append to working log: %w", err)
	}
	logging.MemoryDebug("Appended %d entries to working log", len(entries))
	return nil
}

// RewriteAtomic replaces the log contents with exactly the given entries via
// a temp file and rename. Readers see either the old or the new log, never a
// split.
func (l *WorkingLog) RewriteAtomic(entries []*Entry) error {
	payload, err := encodeLines(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%d-%d", l.path, os.Getpid(), nowMs(), rand.Int31())
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fmt.Errorf("failed to write temp log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace working log: %w", err)
	}
	logging.Memory("Rewrote working log with %d entries", len(entries))
	return nil
}

// Read returns all valid entries sorted ascending by ts_ms. A missing file
// yields an empty slice. Malformed lines are skipped with a warning.
func (l *WorkingLog) Read() ([]*Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read working log: %w", err)
	}

	var entries []*Entry
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Skipping malformed log line: %v", err)
			continue
		}
		if err := e.Validate(); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Skipping invalid log line: %v", err)
			continue
		}
		e.raw = append([]byte(nil), line...)
		entries = append(entries, &e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TsMs < entries[j].TsMs
	})
	return entries, nil
}

func encodeLines(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("refusing to persist invalid entry: %w", err)
		}
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
