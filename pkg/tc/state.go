package tc

// ConnState is the packet nat view of a tcp connection, driven only by the
// flags of the packet at hand.
type ConnState int

const (
	StateNew ConnState = iota
	StateEstablished
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClosing:
		return "closing"
	}
	return "established"
}

// StateOf maps tcp flags to a state. A bare SYN opens, FIN with ACK closes,
// anything else belongs to an established connection.
func StateOf(syn, ack, fin bool) ConnState {
	switch {
	case syn && !ack:
		return StateNew
	case fin && ack:
		return StateClosing
	}
	return StateEstablished
}
