package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate HC-05 style Bluetooth SPP modules ship with.
const DefaultBaudRate = 9600

// PortOptions is the framing of the vehicle's serial link. Zero values mean
// 9600 8N1.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var parityAliases = map[string]string{
	"":     "N",
	"NONE": "N",
	"EVEN": "E",
	"ODD":  "O",
}

// Normalize fills in defaults and canonicalises Parity to N, E or O.
func (o PortOptions) Normalize() (PortOptions, error) {
	out := o
	if out.BaudRate <= 0 {
		out.BaudRate = DefaultBaudRate
	}
	if out.DataBits == 0 {
		out.DataBits = 8
	}
	if out.DataBits < 5 || out.DataBits > 8 {
		return o, fmt.Errorf("data bits %d out of range 5-8", out.DataBits)
	}
	if out.StopBits == 0 {
		out.StopBits = 1
	}
	if out.StopBits != 1 && out.StopBits != 2 {
		return o, fmt.Errorf("stop bits %d: only 1 or 2 are supported", out.StopBits)
	}

	p := strings.ToUpper(strings.TrimSpace(out.Parity))
	if alias, ok := parityAliases[p]; ok {
		p = alias
	}
	if _, ok := parities[p]; !ok {
		return o, fmt.Errorf("parity %q: expected N, E or O", o.Parity)
	}
	out.Parity = p
	return out, nil
}

// String formats the options as "9600 8N1".
func (o PortOptions) String() string {
	n, err := o.Normalize()
	if err != nil {
		return fmt.Sprintf("invalid(%d %d%s%d)", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
	}
	return fmt.Sprintf("%d %d%s%d", n.BaudRate, n.DataBits, n.Parity, n.StopBits)
}

// SerialMode converts the options for serial.Open. Stop bits are mapped by
// name: serial.StopBits(1) would be 1.5 stop bits.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		Parity:   parities[n.Parity],
		StopBits: serial.OneStopBit,
	}
	if n.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
