package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn implements Conn with scripted reads and captured writes.
type fakeConn struct {
	mu       sync.Mutex
	reads    chan []byte
	written  [][]byte
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) setWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// connect registers a fake connection and waits for the hub to see it.
func connect(t *testing.T, h *Hub, c *fakeConn) (disconnect func()) {
	t.Helper()
	before := h.Count()
	done := make(chan struct{})
	go func() {
		h.serve(context.Background(), c)
		close(done)
	}()

	deadline := time.After(time.Second)
	for h.Count() <= before {
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		case <-time.After(time.Millisecond):
		}
	}
	return func() {
		close(c.reads)
		<-done
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	h := New(nil)
	c1, c2 := newFakeConn(), newFakeConn()
	defer connect(t, h, c1)()
	defer connect(t, h, c2)()

	h.Broadcast(map[string]string{"type": "Ping", "address": "a1"})

	for i, c := range []*fakeConn{c1, c2} {
		msgs := c.messages()
		if len(msgs) != 1 {
			t.Fatalf("conn %d got %d messages, want 1", i, len(msgs))
		}
		var decoded map[string]string
		if err := json.Unmarshal(msgs[0], &decoded); err != nil {
			t.Fatalf("conn %d got invalid JSON: %v", i, err)
		}
		if decoded["address"] != "a1" {
			t.Errorf("conn %d got %v", i, decoded)
		}
	}
}

// TestHub_FailingSubscriberRemoved tests that one broken connection is
// dropped without losing delivery to the rest
func TestHub_FailingSubscriberRemoved(t *testing.T) {
	h := New(nil)
	good, bad := newFakeConn(), newFakeConn()
	defer connect(t, h, good)()
	defer connect(t, h, bad)()

	bad.setWriteError(errors.New("broken pipe"))
	h.Broadcast(map[string]string{"type": "Ping"})

	if got := len(good.messages()); got != 1 {
		t.Errorf("healthy subscriber got %d messages, want 1", got)
	}
	if h.Count() != 1 {
		t.Errorf("hub has %d subscribers, want 1 after removal", h.Count())
	}

	// Later broadcasts still flow to the survivor.
	h.Broadcast(map[string]string{"type": "Ping"})
	if got := len(good.messages()); got != 2 {
		t.Errorf("healthy subscriber got %d messages, want 2", got)
	}
}

func TestHub_CommandDispatch(t *testing.T) {
	h := New(nil)
	got := make(chan json.RawMessage, 1)
	h.HandleCommand("set_label", func(_ context.Context, payload json.RawMessage) (any, error) {
		got <- payload
		return map[string]string{"status": "ok"}, nil
	})

	c := newFakeConn()
	defer connect(t, h, c)()

	c.reads <- []byte(`{"type":"set_label","payload":{"address":"a1","label":"north"}}`)

	select {
	case payload := <-got:
		var req struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.Address != "a1" {
			t.Errorf("handler got payload %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	// The result envelope goes back to the requesting subscriber.
	deadline := time.After(time.Second)
	for len(c.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply received")
		case <-time.After(time.Millisecond):
		}
	}
	var env Envelope
	if err := json.Unmarshal(c.messages()[0], &env); err != nil {
		t.Fatalf("invalid reply: %v", err)
	}
	if env.Type != "set_label_result" {
		t.Errorf("reply type = %q, want set_label_result", env.Type)
	}
}

// TestHub_CommandErrorsReported tests that handler failures and unknown
// commands produce error replies without closing the connection
func TestHub_CommandErrorsReported(t *testing.T) {
	h := New(nil)
	h.HandleCommand("bulk_import", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("bad csv")
	})

	c := newFakeConn()
	defer connect(t, h, c)()

	c.reads <- []byte(`{"type":"bulk_import","payload":{}}`)
	c.reads <- []byte(`{"type":"no_such_command"}`)
	c.reads <- []byte(`not json at all`)

	deadline := time.After(time.Second)
	for len(c.messages()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("got %d replies, want 2", len(c.messages()))
		case <-time.After(time.Millisecond):
		}
	}
	if h.Count() != 1 {
		t.Errorf("connection should survive bad input, count = %d", h.Count())
	}
}

func TestHub_Close(t *testing.T) {
	h := New(nil)
	c := newFakeConn()
	done := make(chan struct{})
	go func() {
		h.serve(context.Background(), c)
		close(done)
	}()
	deadline := time.After(time.Second)
	for h.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		case <-time.After(time.Millisecond):
		}
	}

	h.Close()
	if h.Count() != 0 {
		t.Errorf("count = %d after Close, want 0", h.Count())
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		t.Error("underlying connection not closed")
	}
	close(c.reads)
	<-done
}
