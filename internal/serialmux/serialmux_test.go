package serialmux

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMux_Subscribe(t *testing.T) {
	m := New(NewTestablePort())

	id1, ch1 := m.Subscribe()
	id2, ch2 := m.Subscribe()

	if id1 == "" || id2 == "" {
		t.Error("subscription returned an empty ID")
	}
	if id1 == id2 {
		t.Error("subscription IDs should be unique")
	}
	if ch1 == nil || ch2 == nil {
		t.Error("subscription returned a nil channel")
	}

	m.subscriberMu.Lock()
	count := len(m.subscribers)
	m.subscriberMu.Unlock()
	if count != 2 {
		t.Errorf("subscribers = %d, want 2", count)
	}
}

func TestMux_Unsubscribe(t *testing.T) {
	m := New(NewTestablePort())
	id, ch := m.Subscribe()

	m.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Unknown IDs are a no-op.
	m.Unsubscribe("no-such-id")
}

func TestMux_SendCommand(t *testing.T) {
	port := NewTestablePort()
	m := New(port)

	if err := m.SendCommand("ping fe80::1"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := string(port.WrittenData()); got != "ping fe80::1\n" {
		t.Errorf("wrote %q, want newline-terminated command", got)
	}

	// A trailing newline is not doubled.
	if err := m.SendCommand("reset\n"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := string(port.WrittenData()); got != "ping fe80::1\nreset\n" {
		t.Errorf("wrote %q", got)
	}
}

func TestMux_SendCommand_WriteError(t *testing.T) {
	port := NewTestablePort()
	port.WriteError = errors.New("device gone")
	m := New(port)

	if err := m.SendCommand("ping"); err == nil {
		t.Error("expected write error")
	}
}

// TestMux_Monitor tests that lines read from the port reach every
// subscriber
func TestMux_Monitor(t *testing.T) {
	port := NewTestablePort()
	m := New(port)

	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	// Collect before any data arrives: fan-out drops lines for receivers
	// that are not ready.
	lines := make(chan string, 8)
	go func() {
		for line := range ch {
			lines <- line
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monDone := make(chan error, 1)
	go func() { monDone <- m.Monitor(ctx) }()

	port.AddReadData([]byte("ping reply from a1\n{\"ADDR\":\"a1\"}\n"))

	for _, want := range []string{"ping reply from a1", `{"ADDR":"a1"}`} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case err := <-monDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not stop on cancel")
	}
}

// TestMux_Monitor_SlowSubscriber tests that an unread subscriber channel
// does not stall delivery to others
func TestMux_Monitor_SlowSubscriber(t *testing.T) {
	port := NewTestablePort()
	m := New(port)

	// Never read from this one.
	slowID, _ := m.Subscribe()
	defer m.Unsubscribe(slowID)
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)
	lines := make(chan string, 8)
	go func() {
		for line := range ch {
			lines <- line
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Monitor(ctx)

	port.AddReadData([]byte("line one\nline two\n"))

	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-lines:
			received++
		case <-timeout:
			t.Fatalf("received %d lines, want 2", received)
		}
	}
}

func TestMux_Close(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	_, ch := m.Subscribe()

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, open := <-ch; open {
		t.Error("subscriber channel should close with the mux")
	}
	if _, err := port.Read(make([]byte, 1)); err == nil {
		t.Error("port should be closed")
	}
}

func TestPortOptions_Normalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.BaudRate != 115200 || opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("unexpected defaults %+v", opts)
	}

	if _, err := (PortOptions{DataBits: 9}).Normalize(); err == nil {
		t.Error("expected error for data bits 9")
	}
	if _, err := (PortOptions{StopBits: 3}).Normalize(); err == nil {
		t.Error("expected error for stop bits 3")
	}
	if _, err := (PortOptions{Parity: "X"}).Normalize(); err == nil {
		t.Error("expected error for parity X")
	}

	opts, err = PortOptions{Parity: "even"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.Parity != "E" {
		t.Errorf("parity = %q, want E", opts.Parity)
	}
}

// TestNewReplayMux tests that the fixture replays one line per tick,
// cycling back to the first line after the last
func TestNewReplayMux(t *testing.T) {
	m := NewReplayMux([]byte("alpha\nbeta\ngamma\n"), 10*time.Millisecond)
	defer m.Close()

	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	lines := make(chan string, 64)
	go func() {
		for line := range ch {
			lines <- line
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Monitor(ctx)

	deadline := time.After(120 * time.Millisecond)
	var got []string
collect:
	for {
		select {
		case line := <-lines:
			got = append(got, line)
		case <-deadline:
			break collect
		}
	}

	if len(got) < 3 {
		t.Fatalf("received %d lines, want at least one full cycle", len(got))
	}
	// One line per tick: 10ms ticks over 120ms yield at most a dozen
	// lines, where a whole-fixture write per tick would flood far past
	// that.
	if len(got) > 15 {
		t.Fatalf("received %d lines in 120ms, replay is not paced per line", len(got))
	}
	cycle := []string{"alpha", "beta", "gamma"}
	for i, line := range got {
		if want := cycle[i%len(cycle)]; line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}
}
