// Package serialmux provides an abstraction over the serial line carrying
// the 6LoWPAN radio stream, with the ability for multiple consumers to
// subscribe to raw chunks and to send commands to the dongle.
package serialmux

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// Mux fans raw lines from a single serial port out to any number of
// subscriber channels. Subscribers that cannot keep up miss chunks rather
// than blocking the read loop.
type Mux struct {
	port         Porter
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// Interface is the consumer-facing surface of the mux. The pipeline and the
// API layer depend on this rather than the concrete type so dev mode can
// substitute a replaying mock.
type Interface interface {
	// Subscribe creates a channel receiving raw chunks from the serial
	// stream. The returned ID identifies the channel for Unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
	// SendCommand writes a command line to the dongle.
	SendCommand(string) error
	// Monitor reads the serial stream until the context is cancelled.
	Monitor(context.Context) error
	// Close closes all subscriber channels and the port.
	Close() error
}

// New creates a Mux over the given port.
func New(port Porter) *Mux {
	return &Mux{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Subscribe registers a new subscriber channel.
func (m *Mux) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the mux.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// SendCommand writes a single command line to the dongle.
func (m *Mux) SendCommand(command string) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := m.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the serial port and delivers them to subscribers.
// The blocking scanner runs in its own goroutine so the outer loop can
// observe context cancellation.
func (m *Mux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}

			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			m.subscriberMu.Lock()
			for _, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
					// skip a full subscriber rather than stall the stream
				}
			}
			m.subscriberMu.Unlock()
		}
	}
}

// Close closes all subscriber channels and the underlying port.
func (m *Mux) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return m.port.Close()
}
