package serialmux

import "strings"

const (
	EventTypeAck       = "ack"
	EventTypeError     = "error"
	EventTypeTelemetry = "telemetry"
	EventTypeUnknown   = "unknown"
)

// ClassifyLine inspects a line received from the vehicle and returns a simple
// event type token. Firmware acknowledges with "OK ...", reports faults with
// "ERR ..." and sends key=value telemetry such as "BAT=7.41".
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "OK"), strings.HasPrefix(line, "ACK"):
		return EventTypeAck
	case strings.HasPrefix(line, "ERR"):
		return EventTypeError
	case strings.Contains(line, "="):
		return EventTypeTelemetry
	}
	return EventTypeUnknown
}

// ParseTelemetry splits "KEY=VALUE[,KEY=VALUE...]" into a map. Malformed
// pairs are skipped.
func ParseTelemetry(line string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' }) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
