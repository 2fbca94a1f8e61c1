package handshake

// Phase is the lifecycle phase of one connection.
type Phase int

const (
	PhaseAwaitingHello Phase = iota
	PhaseAwaitingWelcome
	PhaseNegotiating
	PhaseOpen
	PhaseDraining
	PhaseClosed
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingHello:
		return "awaiting_hello"
	case PhaseAwaitingWelcome:
		return "awaiting_welcome"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseOpen:
		return "open"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	case PhaseRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further protocol messages are valid.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseRejected
}

// Established reports whether the handshake has completed.
func (p Phase) Established() bool {
	return p == PhaseOpen || p == PhaseDraining
}

// Role is the side of the connection a Machine plays.
type Role int

const (
	// RoleInitiator opened the transport and sends Hello.
	RoleInitiator Role = iota
	// RoleAcceptor accepted the transport and answers with Welcome.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// SendKind classifies an outbound frame for phase checks.
type SendKind int

const (
	// SendRequest is a new application message, one-way or expecting a response.
	SendRequest SendKind = iota
	// SendReply answers a message the peer sent earlier.
	SendReply
	// SendControl is a ConnectionControl notice.
	SendControl
)
