package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"eva/internal/logging"
	"eva/internal/protocol"
)

// Reconnect backoff bounds for the detector peer.
const (
	reconnectMin = 250 * time.Millisecond
	reconnectMax = 5 * time.Second
)

// DetectorLink maintains the WebSocket connection to the vision detector,
// reconnecting with exponential backoff. Reconnect attempts never cancel
// frames already routed.
type DetectorLink struct {
	url    string
	server *Server

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewDetectorLink points at the detector endpoint without connecting.
func NewDetectorLink(url string, server *Server) *DetectorLink {
	return &DetectorLink{url: url, server: server}
}

// Connected reports whether a detector socket is currently up.
func (d *DetectorLink) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// SendBinary forwards a binary frame to the detector; false when the socket
// is down or the write fails.
func (d *DetectorLink) SendBinary(payload []byte) bool {
	return d.send(websocket.BinaryMessage, payload)
}

// SendText forwards a text envelope to the detector.
func (d *DetectorLink) SendText(payload []byte) bool {
	return d.send(websocket.TextMessage, payload)
}

func (d *DetectorLink) send(messageType int, payload []byte) bool {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return false
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		logging.Get(logging.CategoryRouter).Warn("Detector write failed: %v", err)
		return false
	}
	return true
}

// Run dials the detector and reads envelopes until the context is cancelled.
// Backoff doubles from 250ms to a 5s cap and resets on a successful connect.
func (d *DetectorLink) Run(ctx context.Context) {
	if d.url == "" {
		logging.Router("No detector URL configured, running without a detector")
		return
	}

	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
		if err != nil {
			logging.RouterDebug("Detector dial failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		logging.Router("Detector connected at %s", d.url)
		backoff = reconnectMin

		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()

		hello, _ := json.Marshal(protocol.MakeHello(protocol.RoleEva))
		d.send(websocket.TextMessage, hello)

		d.readLoop(ctx, conn)

		d.mu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.mu.Unlock()
		conn.Close()
		logging.Router("Detector disconnected")
	}
}

func (d *DetectorLink) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			logging.RouterDebug("Detector read ended: %v", err)
			return
		}
		d.server.handleDetectorMessage(payload)
	}
}

// handleDetectorMessage routes a detector envelope to the waiting UI client
// and feeds the alert debouncer. Delivery evicts the route, so each frame
// reply reaches the UI at most once.
func (s *Server) handleDetectorMessage(payload []byte) {
	var header protocol.Header
	if err := json.Unmarshal(payload, &header); err != nil {
		logging.Get(logging.CategoryRouter).Warn("Dropping malformed detector envelope: %v", err)
		return
	}

	switch header.Type {
	case protocol.TypeHello:
		return
	case protocol.TypeDetections, protocol.TypeFrameEvents:
		s.scanForEventAlerts(payload)
	case protocol.TypeInsight:
		s.scanForInsightAlert(payload)
	case protocol.TypeError:
	default:
		logging.RouterDebug("Passing through detector envelope type %s", header.Type)
	}

	frameID := header.FrameID
	if frameID == "" && header.Type == protocol.TypeInsight {
		var ins protocol.Insight
		if json.Unmarshal(payload, &ins) == nil {
			frameID = ins.TriggerFrameID
		}
	}
	if frameID == "" {
		return
	}

	sink := s.Routes.Take(frameID)
	if sink == nil {
		logging.RouterDebug("No route for frame %s, dropping %s reply", frameID, header.Type)
		return
	}
	if !sink.EnqueueText(payload) {
		logging.RouterDebug("Routed client for frame %s is gone", frameID)
	}
}

// scanForEventAlerts fires the debouncer for high-severity detector events.
func (s *Server) scanForEventAlerts(payload []byte) {
	var det protocol.Detections
	if err := json.Unmarshal(payload, &det); err != nil {
		return
	}
	events := det.Events
	if len(events) == 0 {
		var fe protocol.FrameEvents
		if err := json.Unmarshal(payload, &fe); err != nil {
			return
		}
		events = fe.Events
	}
	for _, ev := range events {
		if ev.Severity != "high" {
			continue
		}
		if !s.Debounce.Allow(EventAlertKey(ev.Name, ev.TrackID)) {
			continue
		}
		s.pushAlert("Heads up: " + ev.Name)
	}
}

// scanForInsightAlert fires the debouncer for a high-severity insight.
func (s *Server) scanForInsightAlert(payload []byte) {
	var ins protocol.Insight
	if err := json.Unmarshal(payload, &ins); err != nil {
		return
	}
	if ins.Summary.Severity != "high" {
		return
	}
	if !s.Debounce.Allow(InsightAlertKey(ins.ClipID)) {
		return
	}
	text := ins.Summary.TTSResponse
	if text == "" {
		text = ins.Summary.OneLiner
	}
	s.pushAlert(text)
}
