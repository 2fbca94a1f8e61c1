package handshake

import (
	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

// Config parameterizes a Machine.
type Config struct {
	Role Role

	// Versions is the advertised range. Zero selects wire.LocalVersionRange.
	Versions wire.VersionRange

	// ClusterName must match the peer's when both are non-empty.
	ClusterName string

	// MyNodeID is this node's identity. Required for acceptors, since
	// Welcome always carries an id; nil makes an initiator anonymous.
	MyNodeID *domain.GenerationalNodeID

	// Admit optionally vets the peer's identity once versions agree.
	// A non-nil error rejects the connection as a protocol violation.
	Admit func(peer domain.GenerationalNodeID) error
}

// Machine is the per-connection handshake and phase state machine.
type Machine struct {
	cfg       Config
	phase     Phase
	helloSent bool
	version   wire.ProtocolVersion
	peer      *domain.GenerationalNodeID
	err       error
}

// New validates cfg and returns a Machine in its initial phase.
func New(cfg Config) (*Machine, error) {
	if cfg.Versions == (wire.VersionRange{}) {
		cfg.Versions = wire.LocalVersionRange()
	}
	if !cfg.Versions.Valid() {
		return nil, domain.ErrInvalidArgument.WithDetailsf("version range %s", cfg.Versions)
	}
	if cfg.Role == RoleAcceptor && cfg.MyNodeID == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("acceptor requires a node id")
	}

	m := &Machine{cfg: cfg, phase: PhaseAwaitingHello}
	if cfg.Role == RoleInitiator {
		m.phase = PhaseAwaitingWelcome
	}
	return m, nil
}

// Role returns the configured role.
func (m *Machine) Role() Role { return m.cfg.Role }

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// ProtocolVersion returns the negotiated version, or Unknown before Open.
func (m *Machine) ProtocolVersion() wire.ProtocolVersion { return m.version }

// Peer returns the peer's identity. It is nil before Open and for
// anonymous initiators.
func (m *Machine) Peer() *domain.GenerationalNodeID { return m.peer }

// Err returns the reason the machine reached a terminal phase.
func (m *Machine) Err() error { return m.err }

// Start returns the Hello an initiator must send as its first frame.
func (m *Machine) Start() (*wire.Hello, error) {
	if m.cfg.Role != RoleInitiator {
		return nil, domain.ErrInvalidArgument.WithDetails("only initiators send hello")
	}
	if m.helloSent || m.phase != PhaseAwaitingWelcome {
		return nil, domain.ErrProtocolViolation.WithDetails("hello already sent")
	}
	m.helloSent = true

	var id *domain.GenerationalNodeID
	if m.cfg.MyNodeID != nil {
		own := *m.cfg.MyNodeID
		id = &own
	}
	return &wire.Hello{
		MinProtocolVersion: m.cfg.Versions.Min,
		MaxProtocolVersion: m.cfg.Versions.Max,
		ClusterName:        m.cfg.ClusterName,
		MyNodeID:           id,
	}, nil
}

// Receive advances the machine with an inbound frame. It returns the body
// to send back, if any (the Welcome on an acceptor). Errors other than for
// control-driven closes leave the machine Rejected.
//
// Application frames received while Open or Draining pass through with a
// nil reply and nil error.
func (m *Machine) Receive(msg *wire.Message) (wire.Body, error) {
	switch m.phase {
	case PhaseAwaitingHello:
		hello, ok := msg.Body.(*wire.Hello)
		if !ok {
			return nil, m.reject(domain.ErrProtocolViolation.WithDetailsf("expected hello, got %s", msg.Kind()))
		}
		return m.acceptHello(hello)

	case PhaseAwaitingWelcome:
		welcome, ok := msg.Body.(*wire.Welcome)
		if !ok || !m.helloSent {
			return nil, m.reject(domain.ErrProtocolViolation.WithDetailsf("expected welcome, got %s", msg.Kind()))
		}
		return nil, m.acceptWelcome(welcome)

	case PhaseOpen, PhaseDraining:
		switch body := msg.Body.(type) {
		case *wire.Hello, *wire.Welcome:
			return nil, m.reject(domain.ErrProtocolViolation.WithDetailsf("%s after handshake", msg.Kind()))
		case *wire.ConnectionControl:
			_, err := m.OnControl(body.Signal)
			return nil, err
		case *wire.BinaryMessage:
			return nil, nil
		default:
			return nil, m.reject(domain.ErrProtocolViolation.WithDetailsf("unexpected body %T", msg.Body))
		}

	default:
		return nil, domain.ErrConnectionClosed.WithDetailsf("frame received in phase %s", m.phase)
	}
}

func (m *Machine) acceptHello(hello *wire.Hello) (wire.Body, error) {
	m.phase = PhaseNegotiating

	if m.cfg.ClusterName != "" && hello.ClusterName != "" && hello.ClusterName != m.cfg.ClusterName {
		return nil, m.reject(domain.ErrProtocolViolation.
			WithDetailsf("peer cluster %q, local %q", hello.ClusterName, m.cfg.ClusterName).
			WithCause(domain.ErrClusterMismatch))
	}

	version, err := wire.Negotiate(m.cfg.Versions, hello.Range())
	if err != nil {
		return nil, m.reject(err)
	}

	if hello.MyNodeID != nil {
		if err := m.admit(*hello.MyNodeID); err != nil {
			return nil, err
		}
		peer := *hello.MyNodeID
		m.peer = &peer
	}

	m.version = version
	m.phase = PhaseOpen
	return &wire.Welcome{ProtocolVersion: version, MyNodeID: *m.cfg.MyNodeID}, nil
}

func (m *Machine) acceptWelcome(welcome *wire.Welcome) error {
	m.phase = PhaseNegotiating

	if !m.cfg.Versions.Contains(welcome.ProtocolVersion) {
		return m.reject(&wire.VersionMismatchError{
			Local:  m.cfg.Versions,
			Remote: wire.VersionRange{Min: welcome.ProtocolVersion, Max: welcome.ProtocolVersion},
		})
	}
	if err := m.admit(welcome.MyNodeID); err != nil {
		return err
	}

	peer := welcome.MyNodeID
	m.peer = &peer
	m.version = welcome.ProtocolVersion
	m.phase = PhaseOpen
	return nil
}

func (m *Machine) admit(peer domain.GenerationalNodeID) error {
	if m.cfg.Admit == nil {
		return nil
	}
	if err := m.cfg.Admit(peer); err != nil {
		return m.reject(domain.ErrProtocolViolation.WithDetailsf("peer %s not admitted", peer).WithCause(err))
	}
	return nil
}

// OnControl applies a control signal received from the peer. It returns
// the new phase and, when the signal closed the connection, the cause.
// Unknown signals leave the phase unchanged.
func (m *Machine) OnControl(sig wire.Signal) (Phase, error) {
	if m.phase.Terminal() {
		return m.phase, m.err
	}
	switch sig {
	case wire.SignalDrainConnection:
		if m.phase == PhaseOpen {
			m.phase = PhaseDraining
		}
		return m.phase, nil
	case wire.SignalShutdown:
		return m.close(domain.ErrPeerShutdown)
	case wire.SignalCodecError:
		return m.close(domain.ErrDecodeFailure.WithDetails("peer could not decode a frame"))
	default:
		return m.phase, nil
	}
}

// Drain moves an open connection to Draining. It reports whether the
// phase changed.
func (m *Machine) Drain() bool {
	if m.phase != PhaseOpen {
		return false
	}
	m.phase = PhaseDraining
	return true
}

// Close moves the machine to Closed with the given cause. A Rejected
// machine stays Rejected.
func (m *Machine) Close(cause error) {
	if m.phase.Terminal() {
		return
	}
	m.close(cause)
}

func (m *Machine) close(cause error) (Phase, error) {
	m.phase = PhaseClosed
	if cause == nil {
		cause = domain.ErrConnectionClosed
	}
	m.err = cause
	return m.phase, cause
}

func (m *Machine) reject(err error) error {
	m.phase = PhaseRejected
	m.err = err
	return err
}

// CheckSend reports whether a frame of the given kind may be sent now.
func (m *Machine) CheckSend(kind SendKind) error {
	switch m.phase {
	case PhaseOpen:
		return nil
	case PhaseDraining:
		if kind == SendRequest {
			return domain.ErrDraining
		}
		return nil
	case PhaseClosed, PhaseRejected:
		return domain.ErrConnectionClosed.WithCause(m.err)
	default:
		// The initiator may signal once its Hello is out; the acceptor
		// must send Welcome before anything else.
		if kind == SendControl && m.cfg.Role == RoleInitiator && m.helloSent {
			return nil
		}
		return domain.ErrNotOpen.WithDetailsf("phase %s", m.phase)
	}
}
