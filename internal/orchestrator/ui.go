package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"eva/internal/apierror"
	"eva/internal/logging"
	"eva/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local daemon
}

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
	maxUIMsgSize = 8 << 20 // camera frames arrive here
	sendBuffer   = 64
)

// outFrame is one queued WebSocket write.
type outFrame struct {
	messageType int
	payload     []byte
}

// UIClient is the single connected UI socket. writePump owns all writes;
// readPump owns all reads.
type UIClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan outFrame
	done   chan struct{}
	once   sync.Once
}

// handleEye upgrades /eye and enforces the single-UI invariant: a second
// concurrent client is told SINGLE_CLIENT_ONLY and closed.
func (s *Server) handleEye(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryRouter).Warn("UI upgrade failed: %v", err)
		return
	}

	client := &UIClient{
		server: s,
		conn:   conn,
		send:   make(chan outFrame, sendBuffer),
		done:   make(chan struct{}),
	}

	s.uiMu.Lock()
	if s.ui != nil {
		s.uiMu.Unlock()
		reject, _ := json.Marshal(protocol.MakeError(apierror.CodeSingleClientOnly, "another UI client is already connected", ""))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, reject)
		conn.Close()
		logging.Router("Rejected second UI client from %s", r.RemoteAddr)
		return
	}
	s.ui = client
	s.uiMu.Unlock()

	logging.Router("UI client connected from %s", r.RemoteAddr)
	go client.writePump()
	go client.readPump()

	client.enqueueJSON(protocol.MakeHello(protocol.RoleEva))
}

// EnqueueText queues a text frame for the UI; false when the client is gone
// or backed up.
func (c *UIClient) EnqueueText(payload []byte) bool {
	return c.enqueue(outFrame{messageType: websocket.TextMessage, payload: payload})
}

func (c *UIClient) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		logging.Get(logging.CategoryRouter).Warn("UI send buffer full, dropping %d-byte frame", len(f.payload))
		return false
	}
}

func (c *UIClient) enqueueJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.EnqueueText(payload)
}

// close tears the client down exactly once: routes dropped, slot freed.
func (c *UIClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.server.Routes.DropSink(c)
		c.server.uiMu.Lock()
		if c.server.ui == c {
			c.server.ui = nil
		}
		c.server.uiMu.Unlock()
		logging.Router("UI client disconnected")
	})
}

// writePump is the only goroutine writing to the connection.
func (c *UIClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.messageType, f.payload); err != nil {
				logging.RouterDebug("UI write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump is the only goroutine reading from the connection.
func (c *UIClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxUIMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Get(logging.CategoryRouter).Warn("UI read error: %v", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.server.handleUIFrame(c, payload)
		case websocket.TextMessage:
			c.server.handleUIText(c, payload)
		}
	}
}

// handleUIFrame validates a binary camera frame and forwards it to the
// detector, recording the reply route first.
func (s *Server) handleUIFrame(c *UIClient, payload []byte) {
	header, _, err := protocol.DecodeFrameBinary(payload)
	if err != nil {
		c.enqueueJSON(protocol.MakeError(apierror.CodeInvalidRequest, err.Error(), header.FrameID))
		return
	}

	if !s.Detector.Connected() {
		c.enqueueJSON(protocol.MakeError(apierror.CodeQVUnavailable, "detector is not connected", header.FrameID))
		return
	}

	s.Routes.Put(header.FrameID, c)
	if !s.Detector.SendBinary(payload) {
		s.Routes.Take(header.FrameID)
		c.enqueueJSON(protocol.MakeError(apierror.CodeQVUnavailable, "detector is not connected", header.FrameID))
		return
	}
	logging.RouterDebug("Routed frame %s (%d bytes) to detector", header.FrameID, header.ImageLen)
}

// handleUIText passes command envelopes through to the detector unchanged.
func (s *Server) handleUIText(c *UIClient, payload []byte) {
	var header protocol.Header
	if err := json.Unmarshal(payload, &header); err != nil {
		c.enqueueJSON(protocol.MakeError(apierror.CodeInvalidJSON, "message is not valid JSON", ""))
		return
	}

	switch header.Type {
	case protocol.TypeHello:
		// The UI announcing itself needs no reply beyond our own hello.
	case protocol.TypeCommand:
		if !s.Detector.SendText(payload) {
			c.enqueueJSON(protocol.MakeError(apierror.CodeQVUnavailable, "detector is not connected", ""))
		}
	default:
		c.enqueueJSON(protocol.MakeError(apierror.CodeInvalidRequest, "unexpected envelope type "+header.Type, header.FrameID))
	}
}
