package socket

// Status is the per-remote connection state.
type Status int

const (
	StatusSynSent Status = iota
	StatusSynReceived
	StatusConnected
	StatusTimeoutError
	StatusTerminateSent
	StatusTerminateReceived
)

func (s Status) String() string {
	switch s {
	case StatusSynSent:
		return "SynSent"
	case StatusSynReceived:
		return "SynReceived"
	case StatusConnected:
		return "Connected"
	case StatusTimeoutError:
		return "TimeoutError"
	case StatusTerminateSent:
		return "TerminateSent"
	case StatusTerminateReceived:
		return "TerminateReceived"
	default:
		return "Unknown"
	}
}

// IsFinished reports whether this status is terminal: no further packets
// are sent from a finished socket except a best-effort Abort on drop.
func (s Status) IsFinished() bool {
	switch s {
	case StatusTimeoutError, StatusTerminateSent, StatusTerminateReceived:
		return true
	default:
		return false
	}
}
