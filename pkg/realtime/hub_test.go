package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn used to test Hub logic without a real
// network socket.
type fakeConn struct {
	mu       sync.Mutex
	received []Message
	closed   bool
	failNext bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return errors.New("simulated write failure")
	}
	msg, ok := v.(Message)
	if !ok {
		return nil
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.received))
	copy(out, c.received)
	return out
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.Close()
		cancel()
	})
	h.Run(ctx)
	return h
}

func TestRegisterSendsConnectedAndBroadcastsToOthers(t *testing.T) {
	h := newTestHub(t)

	t1 := &fakeConn{}
	h.Register("t1", "alice", t1)

	t2 := &fakeConn{}
	h.Register("t2", "bob", t2)

	msgs := t1.messages()
	found := false
	for _, m := range msgs {
		if m.Type == TypeTerminalConnected && m.FromTerminal == "t2" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected t1 to observe TERMINAL_CONNECTED for t2, got %+v", msgs)
	}
}

func TestFanOutExcludesSender(t *testing.T) {
	h := newTestHub(t)

	t1 := &fakeConn{}
	h.Register("t1", "alice", t1)
	t2 := &fakeConn{}
	h.Register("t2", "bob", t2)

	h.HandleInbound("t1", "alice", Message{Type: TypeCreate, Entity: "queue", EntityID: "q1"})

	for _, m := range t1.messages() {
		if m.Type == TypeCreate {
			t.Errorf("sender should not receive its own fanned-out message")
		}
	}

	found := false
	for _, m := range t2.messages() {
		if m.Type == TypeCreate && m.EntityID == "q1" && m.FromTerminal == "t1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected t2 to receive the CREATE message from t1")
	}
}

func TestPingRepliesOnlyToSender(t *testing.T) {
	h := newTestHub(t)

	t1 := &fakeConn{}
	h.Register("t1", "alice", t1)
	t2 := &fakeConn{}
	h.Register("t2", "bob", t2)

	h.HandleInbound("t1", "alice", Message{Type: TypePing})

	foundPong := false
	for _, m := range t1.messages() {
		if m.Type == TypePong {
			foundPong = true
		}
	}
	if !foundPong {
		t.Error("expected sender to receive PONG")
	}
	for _, m := range t2.messages() {
		if m.Type == TypePong {
			t.Error("expected only sender to receive PONG")
		}
	}
}

func TestOfflineQueueDrainedInFIFOOrderOnReconnect(t *testing.T) {
	h := newTestHub(t)

	t1 := &fakeConn{}
	h.Register("t1", "alice", t1)
	t2 := &fakeConn{}
	h.Register("t2", "bob", t2)

	// t2 goes offline.
	h.Unregister("t2")

	// t1 emits three updates while t2 is offline.
	for i := 0; i < 3; i++ {
		h.HandleInbound("t1", "alice", Message{Type: TypeUpdate, EntityID: string(rune('a' + i))})
	}

	// t2 reconnects.
	t2b := &fakeConn{}
	h.Register("t2", "bob", t2b)

	msgs := t2b.messages()
	var updates []Message
	for _, m := range msgs {
		if m.Type == TypeUpdate {
			updates = append(updates, m)
		}
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 queued updates delivered on reconnect, got %d", len(updates))
	}
	if updates[0].EntityID != "a" || updates[1].EntityID != "b" || updates[2].EntityID != "c" {
		t.Errorf("expected FIFO order a,b,c, got %v", updates)
	}

	// The three queued updates must precede the CONNECTED confirmation.
	connectedIdx := -1
	lastUpdateIdx := -1
	for i, m := range msgs {
		if m.Type == typeConnected {
			connectedIdx = i
		}
		if m.Type == TypeUpdate {
			lastUpdateIdx = i
		}
	}
	if connectedIdx < lastUpdateIdx {
		t.Errorf("expected CONNECTED confirmation to follow queued updates, connectedIdx=%d lastUpdateIdx=%d", connectedIdx, lastUpdateIdx)
	}
}

func TestServerTimestampMonotonicForSameSource(t *testing.T) {
	h := newTestHub(t)

	t1 := &fakeConn{}
	h.Register("t1", "alice", t1)
	t2 := &fakeConn{}
	h.Register("t2", "bob", t2)

	for i := 0; i < 3; i++ {
		h.HandleInbound("t1", "alice", Message{Type: TypeUpdate, EntityID: string(rune('a' + i))})
		time.Sleep(time.Millisecond)
	}

	var timestamps []time.Time
	for _, m := range t2.messages() {
		if m.Type == TypeUpdate {
			timestamps = append(timestamps, m.ServerTimestamp)
		}
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Before(timestamps[i-1]) {
			t.Errorf("expected non-decreasing server_timestamp, got %v then %v", timestamps[i-1], timestamps[i])
		}
	}
}

func TestFailedSendMarksTerminalOfflineAndQueues(t *testing.T) {
	h := newTestHub(t)

	t1 := &fakeConn{}
	h.Register("t1", "alice", t1)
	t2 := &fakeConn{failNext: true}
	h.Register("t2", "bob", t2)

	h.HandleInbound("t1", "alice", Message{Type: TypeUpdate, EntityID: "x"})

	status := h.Status()
	if _, stillConnected := status.ConnectedTerminals["t2"]; stillConnected {
		t.Error("expected t2 to be marked offline after a failed send")
	}
	if status.QueuedMessages["t2"] < 1 {
		t.Error("expected the failed message to be queued for t2")
	}
}

func TestStatusSurface(t *testing.T) {
	h := newTestHub(t)

	h.Register("t1", "alice", &fakeConn{})
	h.Register("t2", "bob", &fakeConn{})

	status := h.Status()
	if status.TotalConnections != 2 {
		t.Errorf("expected 2 total connections, got %d", status.TotalConnections)
	}
	if status.ConnectedTerminals["t1"] != "alice" || status.ConnectedTerminals["t2"] != "bob" {
		t.Errorf("unexpected connected_terminals: %+v", status.ConnectedTerminals)
	}
}
