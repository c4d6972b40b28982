package rudp

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	// NotConnected is the initial and the final state. No I/O is allowed.
	NotConnected ConnectionState = iota
	// Connecting means the hello has been sent and its ack is pending.
	// Sends are allowed.
	Connecting
	// Connected means the handshake completed.
	Connected
	// Disconnecting is held by the one goroutine tearing the connection down.
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// canSend reports whether application data may be sent in this state.
func (s ConnectionState) canSend() bool {
	return s == Connecting || s == Connected
}

// Reliability selects the delivery guarantee of a payload.
type Reliability uint8

const (
	// Unreliable payloads are sent once and may be lost or duplicated.
	Unreliable Reliability = iota
	// Reliable payloads are retried until acknowledged and delivered at
	// most once, but not necessarily in order.
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}
