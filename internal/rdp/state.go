package rdp

import "fmt"

type State int

const (
	StateClosed State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// synchronized reports whether both sides have exchanged initial sequence numbers.
func (s State) synchronized() bool {
	return s == StateEstablished || s == StateFinWait || s == StateLastAck || s == StateTimeWait
}
