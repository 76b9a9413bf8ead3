package executive

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"eva/internal/apierror"
	"eva/internal/logging"
	"eva/internal/memory"
)

const (
	maxSummaryChars    = 180
	maxSummaryKVPairs  = 4
	maxSummaryValChars = 40
)

// eventsRequest is the POST /events body (protocol v:1).
type eventsRequest struct {
	V      int                    `json:"v"`
	Source string                 `json:"source"`
	Events []eventPayload         `json:"events"`
	Meta   map[string]interface{} `json:"meta"`
}

type eventPayload struct {
	Name     string                 `json:"name"`
	TsMs     int64                  `json:"ts_ms"`
	Severity string                 `json:"severity"`
	TrackID  *int64                 `json:"track_id"`
	Data     map[string]interface{} `json:"data"`
}

// handleEvents materializes detector events as wm_event entries with a
// derived summary and appends them under the serial queue.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if err := s.readJSONBody(w, r, s.Config.Server.MaxBodyBytes, &req); err != nil {
		apierror.Write(w, err)
		return
	}

	if req.V != 1 {
		apierror.Write(w, apierror.Invalid(fmt.Sprintf("unsupported protocol version %d", req.V)))
		return
	}
	if req.Source == "" {
		apierror.Write(w, apierror.Invalid("source is required"))
		return
	}
	if len(req.Events) == 0 {
		apierror.Write(w, apierror.Invalid("events must be a non-empty array"))
		return
	}

	nowMs := s.now()
	entries := make([]*memory.Entry, 0, len(req.Events))
	for i, ev := range req.Events {
		if ev.Name == "" {
			apierror.Write(w, apierror.Invalid(fmt.Sprintf("events[%d].name is required", i)))
			return
		}
		if ev.TsMs < 0 {
			apierror.Write(w, apierror.Invalid(fmt.Sprintf("events[%d].ts_ms must be non-negative", i)))
			return
		}
		severity := ev.Severity
		if severity == "" {
			severity = memory.SeverityLow
		}
		if !memory.ValidSeverity(severity) {
			apierror.Write(w, apierror.Invalid(fmt.Sprintf("events[%d].severity %q not in {low,medium,high}", i, ev.Severity)))
			return
		}
		tsMs := ev.TsMs
		if tsMs == 0 {
			tsMs = nowMs
		}
		entries = append(entries, &memory.Entry{
			Type:     memory.KindEvent,
			TsMs:     tsMs,
			Source:   req.Source,
			Name:     ev.Name,
			Severity: severity,
			TrackID:  ev.TrackID,
			Summary:  deriveEventSummary(ev.Name, ev.Data),
			Data:     ev.Data,
		})
	}

	if err := s.Queue.Do("events-append", func() error {
		return s.Log.Append(entries)
	}); err != nil {
		apierror.Write(w, apierror.StorageFailed(err))
		return
	}

	logging.HTTPDebug("Accepted %d events from %s", len(entries), req.Source)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": len(entries),
		"ts_ms":    nowMs,
	})
}

// deriveEventSummary renders "name k=v k=v ..." from up to four short scalar
// data values, capped at 180 chars. Keys are sorted so the summary is
// deterministic.
func deriveEventSummary(name string, data map[string]interface{}) string {
	summary := name

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := 0
	for _, k := range keys {
		if pairs >= maxSummaryKVPairs {
			break
		}
		val, ok := shortScalar(data[k])
		if !ok {
			continue
		}
		candidate := summary + " " + k + "=" + val
		if len(candidate) > maxSummaryChars {
			break
		}
		summary = candidate
		pairs++
	}

	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars]
	}
	return summary
}

// shortScalar formats strings, numbers and booleans; anything nested or long
// is skipped.
func shortScalar(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" || len(t) > maxSummaryValChars {
			return "", false
		}
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
