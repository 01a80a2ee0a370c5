// Package protocol encodes vehicle commands into the byte format the vehicle
// firmware reads from its serial link.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/tiltdrive/internal/control"
)

const (
	NameLine  = "line"
	NameSplit = "split"
)

// ErrUnknownProtocol is returned by ByName for an unrecognised wire format.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Encoder turns a command into the bytes written to the link.
type Encoder interface {
	Encode(control.Command) []byte
	Name() string
}

// LineEncoder writes one record per command: "T<throttle>:S<steering>\n".
type LineEncoder struct{}

func (LineEncoder) Encode(c control.Command) []byte {
	return fmt.Appendf(nil, "T%d:S%d\n", c.ThrottlePct, c.SteeringDeg)
}

func (LineEncoder) Name() string { return NameLine }

// SplitEncoder writes two fixed-width records, one per channel:
// "A+075\nD090\n". Throttle is signed and zero-padded to three digits,
// steering is zero-padded to three digits.
type SplitEncoder struct{}

func (SplitEncoder) Encode(c control.Command) []byte {
	return fmt.Appendf(nil, "A%+04d\nD%03d\n", c.ThrottlePct, c.SteeringDeg)
}

func (SplitEncoder) Name() string { return NameSplit }

// ByName returns the encoder registered under name. An empty name selects the
// line format.
func ByName(name string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameLine:
		return LineEncoder{}, nil
	case NameSplit:
		return SplitEncoder{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
}

// Names lists the supported protocol names.
func Names() []string {
	return []string{NameLine, NameSplit}
}

// ParseLine decodes a single line-format record. The trailing newline is
// optional.
func ParseLine(line string) (control.Command, error) {
	line = strings.TrimRight(line, "\r\n")
	t, s, ok := strings.Cut(line, ":")
	if !ok || !strings.HasPrefix(t, "T") || !strings.HasPrefix(s, "S") {
		return control.Command{}, fmt.Errorf("malformed command %q", line)
	}
	throttle, err := strconv.Atoi(t[1:])
	if err != nil {
		return control.Command{}, fmt.Errorf("malformed throttle in %q: %w", line, err)
	}
	steering, err := strconv.Atoi(s[1:])
	if err != nil {
		return control.Command{}, fmt.Errorf("malformed steering in %q: %w", line, err)
	}
	return control.Command{ThrottlePct: throttle, SteeringDeg: steering}, nil
}

// ParseSplit decodes one split-format record into cmd, updating only the
// channel the record names.
func ParseSplit(record string, cmd *control.Command) error {
	record = strings.TrimRight(record, "\r\n")
	if len(record) < 2 {
		return fmt.Errorf("malformed record %q", record)
	}
	v, err := strconv.Atoi(record[1:])
	if err != nil {
		return fmt.Errorf("malformed record %q: %w", record, err)
	}
	switch record[0] {
	case 'A':
		cmd.ThrottlePct = v
	case 'D':
		cmd.SteeringDeg = v
	default:
		return fmt.Errorf("unknown channel in %q", record)
	}
	return nil
}
