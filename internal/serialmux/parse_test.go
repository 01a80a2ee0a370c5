package serialmux

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"OK T75:S90", EventTypeAck},
		{"ACK", EventTypeAck},
		{"ERR bad frame", EventTypeError},
		{"BAT=7.41", EventTypeTelemetry},
		{"  RSSI=-61,BAT=7.4 ", EventTypeTelemetry},
		{"hello", EventTypeUnknown},
		{"", EventTypeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyLine(tt.line); got != tt.want {
			t.Errorf("ClassifyLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestParseTelemetry(t *testing.T) {
	got := ParseTelemetry("BAT=7.41,RSSI=-61 junk =x MOTOR=ok")
	want := map[string]string{"bat": "7.41", "rssi": "-61", "motor": "ok"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseTelemetry() mismatch (-want +got):\n%s", diff)
	}
}
