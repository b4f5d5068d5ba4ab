// Package realtime implements the WebSocket fan-out sync hub of spec.md
// §4.5: terminal handshake, message-type fan-out, per-terminal offline
// queueing, per-source FIFO ordering, and the read-only status surface.
//
// Grounded on original_source/src/realtime/websocket_sync.py's
// ConnectionManager, translated into a single owning goroutine that
// processes a command channel so active_connections/terminal_users/
// offline_queue are only ever mutated from that loop, matching spec.md
// §5's stated shared-state discipline. Uses gorilla/websocket, the
// teacher's one dependency that exists for exactly this purpose.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/restosync/core/internal/telemetry"
	"github.com/restosync/core/pkg/audit"
)

// MessageType enumerates the sync message types of spec.md §3.
type MessageType string

const (
	TypeCreate              MessageType = "CREATE"
	TypeUpdate               MessageType = "UPDATE"
	TypeDelete               MessageType = "DELETE"
	TypeInvalidateCache      MessageType = "INVALIDATE_CACHE"
	TypePing                 MessageType = "PING"
	TypePong                 MessageType = "PONG"
	TypeTerminalConnected    MessageType = "TERMINAL_CONNECTED"
	TypeTerminalDisconnected MessageType = "TERMINAL_DISCONNECTED"
	typeConnected            MessageType = "CONNECTED"
)

// Message is the sync message envelope of spec.md §3. ServerTimestamp is
// always assigned by the hub at ingress; client-supplied timestamps are
// ignored for ordering.
type Message struct {
	Type            MessageType `json:"type"`
	Entity          string      `json:"entity,omitempty"`
	EntityID        string      `json:"entity_id,omitempty"`
	Data            any         `json:"data,omitempty"`
	FromTerminal    string      `json:"from_terminal,omitempty"`
	FromUser        string      `json:"from_user,omitempty"`
	ServerTimestamp time.Time   `json:"server_timestamp"`
	TerminalID      string      `json:"terminal_id,omitempty"`
}

func (m Message) fannedOut() bool {
	switch m.Type {
	case TypeCreate, TypeUpdate, TypeDelete, TypeInvalidateCache:
		return true
	default:
		return false
	}
}

// Conn is the minimal connection surface the hub needs from a transport.
// The production implementation wraps *gorilla/websocket.Conn (see
// server.go); tests use an in-memory fake.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// StatusSnapshot is the read-only surface returned by Status().
type StatusSnapshot struct {
	ConnectedTerminals map[string]string `json:"connected_terminals"` // terminal_id -> user_id
	TotalConnections   int               `json:"total_connections"`
	QueuedMessages     map[string]int    `json:"queued_messages"`
}

type terminalConn struct {
	conn Conn
	user string
}

// Hub owns connected-terminal state and the per-terminal offline queue.
// All mutation happens inside run(), which processes commands sent over
// an internal channel; exported methods enqueue a command and, where a
// reply is needed, block on a response channel.
type Hub struct {
	logger *slog.Logger
	audit  *audit.Pipeline
	clock  func() time.Time

	cmds chan func(*hubState)
	done chan struct{}
	wg   sync.WaitGroup
}

// hubState is the data only the owning goroutine touches.
type hubState struct {
	connections map[string]terminalConn // terminal_id -> conn
	offline     map[string][]Message    // terminal_id -> queued messages
}

// New creates a Hub. Call Run to start its owning goroutine.
func New(logger *slog.Logger, auditPipeline *audit.Pipeline) *Hub {
	return &Hub{
		logger: logger,
		audit:  auditPipeline,
		clock:  func() time.Time { return time.Now().UTC() },
		cmds:   make(chan func(*hubState), 64),
		done:   make(chan struct{}),
	}
}

// Run starts the hub's owning goroutine. It returns once the goroutine is
// running; call Close (or cancel ctx) to stop it.
func (h *Hub) Run(ctx context.Context) {
	state := &hubState{
		connections: make(map[string]terminalConn),
		offline:     make(map[string][]Message),
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case cmd := <-h.cmds:
				cmd(state)
			}
		}
	}()
}

// Close stops the hub's owning goroutine.
func (h *Hub) Close() {
	close(h.done)
	h.wg.Wait()
}

// exec submits cmd to the owning goroutine and blocks until it has run.
func (h *Hub) exec(cmd func(*hubState)) {
	done := make(chan struct{})
	h.cmds <- func(s *hubState) {
		cmd(s)
		close(done)
	}
	<-done
}

// Register handles a new terminal connection's handshake: any
// pre-existing connection for terminalID is closed (the later wins),
// queued offline messages are drained into the new connection in FIFO
// order, a CONNECTED confirmation is sent, and TERMINAL_CONNECTED is
// broadcast to all other terminals.
func (h *Hub) Register(terminalID, userID string, conn Conn) {
	h.exec(func(s *hubState) {
		if prior, ok := s.connections[terminalID]; ok {
			_ = prior.conn.Close()
		} else {
			telemetry.SyncConnectionsGauge.Inc()
		}
		s.connections[terminalID] = terminalConn{conn: conn, user: userID}

		queued := s.offline[terminalID]
		delete(s.offline, terminalID)
		for _, msg := range queued {
			h.send(conn, msg, terminalID)
		}

		h.send(conn, Message{Type: typeConnected, TerminalID: terminalID, ServerTimestamp: h.clock()}, terminalID)

		h.fanOutLocked(s, Message{
			Type:            TypeTerminalConnected,
			FromTerminal:    terminalID,
			FromUser:        userID,
			ServerTimestamp: h.clock(),
		}, terminalID)
	})
}

// Unregister removes the connection record for terminalID (on explicit
// disconnect or I/O error), retains its offline queue, and broadcasts
// TERMINAL_DISCONNECTED.
func (h *Hub) Unregister(terminalID string) {
	h.exec(func(s *hubState) {
		tc, ok := s.connections[terminalID]
		if !ok {
			return
		}
		delete(s.connections, terminalID)
		telemetry.SyncConnectionsGauge.Dec()
		if _, queued := s.offline[terminalID]; !queued {
			s.offline[terminalID] = nil
		}

		h.fanOutLocked(s, Message{
			Type:            TypeTerminalDisconnected,
			FromTerminal:    terminalID,
			FromUser:        tc.user,
			ServerTimestamp: h.clock(),
		}, terminalID)
	})
}

// HandleInbound processes a single inbound frame from terminalID: PING
// replies PONG to the sender only; CREATE/UPDATE/DELETE/INVALIDATE_CACHE
// fan out to every other terminal with from_terminal/from_user/
// server_timestamp enriched by the hub; other types are logged and
// ignored.
func (h *Hub) HandleInbound(terminalID, userID string, msg Message) {
	h.exec(func(s *hubState) {
		msg.ServerTimestamp = h.clock()
		msg.FromTerminal = terminalID
		msg.FromUser = userID

		switch msg.Type {
		case TypePing:
			if tc, ok := s.connections[terminalID]; ok {
				h.send(tc.conn, Message{Type: TypePong, ServerTimestamp: h.clock()}, terminalID)
			}
		case TypeCreate, TypeUpdate, TypeDelete, TypeInvalidateCache:
			h.fanOutLocked(s, msg, terminalID)
		default:
			if h.logger != nil {
				h.logger.Warn("ignoring unrecognized sync message type", "type", msg.Type, "terminal_id", terminalID)
			}
		}
	})
}

// fanOutLocked delivers msg to every connected terminal other than
// excludeTerminal, queueing it for any terminal currently offline. It must
// only be called from within the owning goroutine.
func (h *Hub) fanOutLocked(s *hubState, msg Message, excludeTerminal string) {
	var destinations []string
	for terminalID, tc := range s.connections {
		if terminalID == excludeTerminal {
			continue
		}
		destinations = append(destinations, terminalID)
		if !h.send(tc.conn, msg, terminalID) {
			delete(s.connections, terminalID)
			telemetry.SyncConnectionsGauge.Dec()
			if _, queued := s.offline[terminalID]; !queued {
				s.offline[terminalID] = nil
			}
		}
	}

	if msg.fannedOut() {
		telemetry.SyncMessagesFannedOutTotal.WithLabelValues(string(msg.Type)).Inc()
	}

	for terminalID := range collectOfflineTargets(s, excludeTerminal) {
		if _, connected := s.connections[terminalID]; connected {
			continue
		}
		s.offline[terminalID] = append(s.offline[terminalID], msg)
	}

	if msg.fannedOut() && h.audit != nil {
		h.audit.LogSyncEvent(msg.Entity, msg.EntityID, msg.FromTerminal, msg.FromUser, destinations, true)
	}
}

// collectOfflineTargets returns the set of terminals that already have an
// offline queue (have connected at least once and gone offline), so a
// broadcast also reaches terminals that are currently disconnected.
func collectOfflineTargets(s *hubState, excludeTerminal string) map[string]struct{} {
	out := make(map[string]struct{})
	for terminalID := range s.offline {
		if terminalID != excludeTerminal {
			out[terminalID] = struct{}{}
		}
	}
	return out
}

// send writes msg to conn, reporting false (and treating the connection as
// failed) if the write errors.
func (h *Hub) send(conn Conn, msg Message, terminalID string) bool {
	if err := conn.WriteJSON(msg); err != nil {
		if h.logger != nil {
			h.logger.Warn("sync send failed, marking terminal offline", "terminal_id", terminalID, "error", err)
		}
		return false
	}
	return true
}

// SendToTerminal delivers msg directly to terminalID, queueing it if the
// terminal is currently offline.
func (h *Hub) SendToTerminal(terminalID string, msg Message) {
	h.exec(func(s *hubState) {
		msg.ServerTimestamp = h.clock()
		if tc, ok := s.connections[terminalID]; ok {
			if h.send(tc.conn, msg, terminalID) {
				return
			}
			delete(s.connections, terminalID)
			telemetry.SyncConnectionsGauge.Dec()
		}
		s.offline[terminalID] = append(s.offline[terminalID], msg)
	})
}

// Broadcast fans msg out to every connected terminal, queueing for
// disconnected ones. fromTerminal is excluded (use "" to include all).
func (h *Hub) Broadcast(msg Message, fromTerminal string) {
	h.exec(func(s *hubState) {
		msg.ServerTimestamp = h.clock()
		h.fanOutLocked(s, msg, fromTerminal)
	})
}

// Status returns the read-only status surface of spec.md §4.5.
func (h *Hub) Status() StatusSnapshot {
	var snap StatusSnapshot
	h.exec(func(s *hubState) {
		connected := make(map[string]string, len(s.connections))
		for terminalID, tc := range s.connections {
			connected[terminalID] = tc.user
		}
		queued := make(map[string]int, len(s.offline))
		for terminalID, msgs := range s.offline {
			queued[terminalID] = len(msgs)
		}
		snap = StatusSnapshot{
			ConnectedTerminals: connected,
			TotalConnections:   len(connected),
			QueuedMessages:     queued,
		}
	})
	return snap
}

// decodeHandshake parses the initial {terminal_id, user_id} frame.
func decodeHandshake(raw []byte) (terminalID, userID string, err error) {
	var hs struct {
		TerminalID string `json:"terminal_id"`
		UserID     string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &hs); err != nil {
		return "", "", err
	}
	return hs.TerminalID, hs.UserID, nil
}
