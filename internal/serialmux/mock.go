package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// NewReplayMux creates a Mux backed by a mock port that replays the given
// fixture one line per interval, cycling back to the top at the end. Used
// by -dev mode when no radio is attached.
func NewReplayMux(fixture []byte, interval time.Duration) *Mux {
	r, w := io.Pipe()

	go func() {
		defer w.Close()
		lines := bytes.Split(bytes.TrimRight(fixture, "\n"), []byte("\n"))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		i := 0
		for range ticker.C {
			if _, err := w.Write(lines[i]); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			i = (i + 1) % len(lines)
		}
	}()

	return New(&replayPort{reader: r})
}

// replayPort wraps the read side of a pipe and swallows writes.
type replayPort struct {
	reader *io.PipeReader
}

func (p *replayPort) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *replayPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *replayPort) Close() error                { return p.reader.Close() }

// TestablePort implements Porter with configurable behaviour for unit tests:
// injectable read data, captured writes, and forced errors.
type TestablePort struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	readCond *sync.Cond

	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error

	closed bool
}

// NewTestablePort creates a TestablePort with empty buffers. Reads block
// until data is added or the port is closed.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		readBuf:  bytes.NewBuffer(nil),
		writeBuf: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// AddReadData appends data to be returned by subsequent Read calls.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// WrittenData returns everything written to the port so far.
func (p *TestablePort) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writeBuf.Bytes()...)
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed && p.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(b)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}
