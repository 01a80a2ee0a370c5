package serialmux

import "time"

// Status is the connection state of the vehicle link.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText renders the status by name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats counts traffic since the link last connected. They are reset whenever
// the link drops.
type Stats struct {
	BytesSent     uint64    `json:"bytes_sent"`
	CommandsSent  uint64    `json:"commands_sent"`
	WriteErrors   uint64    `json:"write_errors"`
	LastCommandAt time.Time `json:"last_command_at,omitzero"`
	ConnectedAt   time.Time `json:"connected_at,omitzero"`
}
