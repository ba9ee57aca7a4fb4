package pipeline

import (
	"bytes"
	"regexp"
)

// BootReport carries the two tokens the border router prints while coming
// up: the radio network identifier and a quoted firmware diagnostic.
type BootReport struct {
	NetworkID  string
	Diagnostic string
}

var (
	panPattern   = regexp.MustCompile(`PAN ID:? 0x([0-9A-Fa-f]+)`)
	quotePattern = regexp.MustCompile(`"([^"]+)"`)
)

// bootMarker is the line fragment the dongle prints once initialization is
// complete.
const bootMarker = "node started"

// maxScanBuffer caps the scanner's accumulation window. Boot chatter is a
// few hundred bytes, so this comfortably spans tokens split across reads
// while keeping per-chunk scan cost flat once steady-state measurement
// traffic takes over the stream.
const maxScanBuffer = 4096

// BootScanner opportunistically extracts the boot report from the raw
// serial stream. It accumulates independently of the frame reassembler and
// is a side observation only: nothing downstream depends on it.
type BootScanner struct {
	buf        []byte
	networkID  string
	diagnostic string
}

// Scan appends a raw chunk and, once the completion marker has appeared
// with both tokens captured, emits the report exactly once and resets all
// scanner state (so a dongle reboot can produce a fresh report). Captured
// tokens persist in their own fields, so only a bounded tail of the raw
// stream is retained between calls.
func (s *BootScanner) Scan(chunk string) (BootReport, bool) {
	s.buf = append(s.buf, chunk...)
	s.buf = append(s.buf, '\n')
	if n := len(s.buf); n > maxScanBuffer {
		s.buf = append(s.buf[:0], s.buf[n-maxScanBuffer:]...)
	}

	if s.networkID == "" {
		if m := panPattern.FindSubmatch(s.buf); m != nil {
			s.networkID = string(m[1])
		}
	}
	if s.diagnostic == "" {
		if m := quotePattern.FindSubmatch(s.buf); m != nil {
			s.diagnostic = string(m[1])
		}
	}

	if !bytes.Contains(s.buf, []byte(bootMarker)) {
		return BootReport{}, false
	}
	if s.networkID == "" || s.diagnostic == "" {
		return BootReport{}, false
	}

	report := BootReport{NetworkID: s.networkID, Diagnostic: s.diagnostic}
	s.buf = s.buf[:0]
	s.networkID = ""
	s.diagnostic = ""
	return report, true
}
