package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/restosync/core/internal/httpserver"
)

// CloseMissingTerminalID is sent when a handshake frame lacks terminal_id.
const CloseMissingTerminalID = 4000

// CloseInvalidJSON is sent when an inbound frame fails to parse as JSON.
const CloseInvalidJSON = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts *websocket.Conn to the Hub's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w wsConn) Close() error          { return w.conn.Close() }

// ServeWS upgrades the request to a WebSocket and runs the connection's
// read loop per spec.md §4.5's connection/message protocol.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
		}
		return
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}

	terminalID, userID, err := decodeHandshake(raw)
	if err != nil || terminalID == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseMissingTerminalID, "missing terminal_id"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	c := wsConn{conn: conn}
	h.Register(terminalID, userID, c)
	defer h.Unregister(terminalID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseInvalidJSON, "invalid JSON"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}

		h.HandleInbound(terminalID, userID, msg)
	}
}

// ServeStatus answers GET /ws/sync/status with the hub's read-only status
// surface.
func (h *Hub) ServeStatus(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.Status())
}
