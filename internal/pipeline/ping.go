package pipeline

import "regexp"

// Pings arrive as plain text from the border router, e.g.
//
//	ping reply from fe80::212:4b00:1cc5:aa11 len=8
//
// The address is extractable without structured decoding.
var pingPattern = regexp.MustCompile(`ping reply from ([0-9a-fA-F:.]+)`)

// ParsePing extracts the sensor address from a raw chunk carrying a
// liveness ping, if the chunk matches the ping wire format.
func ParsePing(raw string) (string, bool) {
	m := pingPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}
