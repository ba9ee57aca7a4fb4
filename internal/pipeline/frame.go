package pipeline

import (
	"encoding/json"
	"strings"
)

// Structural tokens delimiting a measurement message on the wire. The
// transport gives no framing guarantee, so both are evaluated per chunk.
const (
	frameStart = "{"
	frameEnd   = "}"
)

// Reassembler accumulates raw serial chunks into candidate measurement
// frames. It is owned by the pipeline run loop and must not be shared.
type Reassembler struct {
	capturing bool
	buf       strings.Builder
}

// Consume feeds one raw chunk into the reassembler. It returns a completed
// frame when the accumulated buffer decodes as a JSON object; otherwise it
// returns ok=false, which is the expected outcome for every non-terminal
// chunk of a multi-chunk frame.
//
// A start token received mid-capture abandons the prior partial buffer and
// begins a new capture: losing one malformed frame beats mixing two.
func (r *Reassembler) Consume(chunk string) (string, bool) {
	trimmed := strings.TrimSpace(chunk)

	if strings.HasPrefix(trimmed, frameStart) {
		r.buf.Reset()
		r.capturing = true
	}

	if r.capturing {
		r.buf.WriteString(chunk)
	}

	if strings.Contains(chunk, frameEnd) {
		r.capturing = false
	}

	candidate := strings.TrimSpace(r.buf.String())
	if candidate == "" || !strings.HasPrefix(candidate, frameStart) {
		return "", false
	}
	if !json.Valid([]byte(candidate)) {
		return "", false
	}

	r.buf.Reset()
	return candidate, true
}

// Capturing reports whether a partial frame is currently buffered.
func (r *Reassembler) Capturing() bool {
	return r.capturing
}

// Reset discards any partial state. Used when the stream source is replaced.
func (r *Reassembler) Reset() {
	r.capturing = false
	r.buf.Reset()
}
