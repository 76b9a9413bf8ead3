// Package trace is the best-effort JSONL trace sink for model traffic. It is
// purely observational: every failure is swallowed after a debug log, and a
// nil *Logger is a valid no-op sink.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"eva/internal/logging"
)

// Phases gated individually in the settings file.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
	PhaseError    = "error"
)

// Settings is the hot-reloadable trace configuration.
type Settings struct {
	Enabled bool `yaml:"enabled"`
	Phases  struct {
		Request  bool `yaml:"request"`
		Response bool `yaml:"response"`
		Error    bool `yaml:"error"`
	} `yaml:"phases"`
	TruncateChars int   `yaml:"truncate_chars"`
	MaxBytes      int64 `yaml:"max_bytes"`
	MaxFiles      int   `yaml:"max_files"`
}

// DefaultSettings traces errors only, with modest truncation and rotation.
func DefaultSettings() Settings {
	var s Settings
	s.Enabled = true
	s.Phases.Error = true
	s.TruncateChars = 2000
	s.MaxBytes = 5 * 1024 * 1024
	s.MaxFiles = 3
	return s
}

// Logger writes gated, sanitized JSON lines to a rotating file. Safe for
// concurrent use; all methods tolerate a nil receiver.
type Logger struct {
	configPath string
	filePath   string

	mu        sync.Mutex
	settings  Settings
	lastMtime time.Time
}

// NewLogger loads settings from configPath (falling back to defaults when the
// file is absent) and writes trace lines to filePath.
func NewLogger(configPath, filePath string) *Logger {
	l := &Logger{
		configPath: configPath,
		filePath:   filePath,
		settings:   DefaultSettings(),
	}
	l.reload()
	return l
}

// Request traces an outbound model request.
func (l *Logger) Request(payload map[string]interface{}) {
	l.write(PhaseRequest, payload)
}

// Response traces a model response.
func (l *Logger) Response(payload map[string]interface{}) {
	l.write(PhaseResponse, payload)
}

// Error traces a model failure.
func (l *Logger) Error(payload map[string]interface{}) {
	l.write(PhaseError, payload)
}

// Watch reloads settings whenever the config file changes. Blocks until the
// done channel closes; callers run it in a goroutine.
func (l *Logger) Watch(done <-chan struct{}) {
	if l == nil || l.configPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Get(logging.CategoryTrace).Warn("Trace config watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory so replace-by-rename edits are seen.
	if err := watcher.Add(filepath.Dir(l.configPath)); err != nil {
		logging.Get(logging.CategoryTrace).Warn("Failed to watch trace config dir: %v", err)
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == l.configPath && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				l.mu.Lock()
				l.reloadIfChanged()
				l.mu.Unlock()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.TraceDebug("Trace config watcher error: %v", err)
		case <-done:
			return
		}
	}
}

func (l *Logger) write(phase string, payload map[string]interface{}) {
	if l == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.TraceDebug("Trace write panicked: %v", r)
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.reloadIfChanged()
	if !l.settings.Enabled || !l.phaseEnabled(phase) {
		return
	}

	line := map[string]interface{}{
		"ts_ms":   time.Now().UnixMilli(),
		"phase":   phase,
		"payload": sanitize(payload, l.settings.TruncateChars),
	}
	data, err := json.Marshal(line)
	if err != nil {
		logging.TraceDebug("Trace line unserializable: %v", err)
		return
	}

	l.rotateIfNeeded(int64(len(data) + 1))

	if err := os.MkdirAll(filepath.Dir(l.filePath), 0755); err != nil {
		logging.TraceDebug("Trace dir unavailable: %v", err)
		return
	}
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.TraceDebug("Trace file unavailable: %v", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

func (l *Logger) phaseEnabled(phase string) bool {
	switch phase {
	case PhaseRequest:
		return l.settings.Phases.Request
	case PhaseResponse:
		return l.settings.Phases.Response
	case PhaseError:
		return l.settings.Phases.Error
	}
	return false
}

// reloadIfChanged re-reads settings when the config file mtime moved.
// Callers hold the lock.
func (l *Logger) reloadIfChanged() {
	if l.configPath == "" {
		return
	}
	info, err := os.Stat(l.configPath)
	if err != nil {
		return
	}
	if info.ModTime().Equal(l.lastMtime) {
		return
	}
	l.reload()
}

func (l *Logger) reload() {
	if l.configPath == "" {
		return
	}
	info, err := os.Stat(l.configPath)
	if err != nil {
		return
	}
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		logging.TraceDebug("Trace config unreadable: %v", err)
		return
	}
	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		logging.Get(logging.CategoryTrace).Warn("Trace config invalid, keeping previous: %v", err)
		return
	}
	l.settings = settings
	l.lastMtime = info.ModTime()
	logging.TraceDebug("Trace settings reloaded: enabled=%t request=%t response=%t error=%t",
		settings.Enabled, settings.Phases.Request, settings.Phases.Response, settings.Phases.Error)
}

// rotateIfNeeded shifts file -> file.1 -> ... -> file.N, dropping the oldest.
// A failed rotation falls through to a continued append. Callers hold the
// lock.
func (l *Logger) rotateIfNeeded(incoming int64) {
	if l.settings.MaxBytes <= 0 {
		return
	}
	info, err := os.Stat(l.filePath)
	if err != nil || info.Size()+incoming <= l.settings.MaxBytes {
		return
	}

	maxFiles := l.settings.MaxFiles
	if maxFiles < 1 {
		maxFiles = 1
	}
	os.Remove(fmt.Sprintf("%s.%d", l.filePath, maxFiles))
	for i := maxFiles - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.filePath, i), fmt.Sprintf("%s.%d", l.filePath, i+1))
	}
	if err := os.Rename(l.filePath, l.filePath+".1"); err != nil {
		logging.TraceDebug("Trace rotation failed, continuing append: %v", err)
	}
}
