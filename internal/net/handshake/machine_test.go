package handshake

import (
	"errors"
	"testing"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

func nodeID(id, gen uint32) *domain.GenerationalNodeID {
	n := domain.PlainNodeID(id).WithGeneration(gen)
	return &n
}

func newPair(t *testing.T, initRange, accRange wire.VersionRange) (*Machine, *Machine) {
	t.Helper()
	init, err := New(Config{Role: RoleInitiator, Versions: initRange, ClusterName: "c1", MyNodeID: nodeID(1, 1)})
	if err != nil {
		t.Fatalf("New(initiator) error = %v", err)
	}
	acc, err := New(Config{Role: RoleAcceptor, Versions: accRange, ClusterName: "c1", MyNodeID: nodeID(2, 5)})
	if err != nil {
		t.Fatalf("New(acceptor) error = %v", err)
	}
	return init, acc
}

// exchange runs Hello/Welcome between the two machines.
func exchange(t *testing.T, init, acc *Machine) error {
	t.Helper()
	hello, err := init.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	reply, err := acc.Receive(&wire.Message{Header: wire.Header{MsgID: 1}, Body: hello})
	if err != nil {
		return err
	}
	_, err = init.Receive(&wire.Message{Header: wire.Header{MsgID: 1}, Body: reply})
	return err
}

func TestHandshake_NegotiatesLowerMax(t *testing.T) {
	init, acc := newPair(t, wire.VersionRange{Min: 1, Max: 3}, wire.VersionRange{Min: 2, Max: 4})

	if err := exchange(t, init, acc); err != nil {
		t.Fatalf("handshake error = %v", err)
	}
	for _, m := range []*Machine{init, acc} {
		if m.Phase() != PhaseOpen {
			t.Errorf("%s phase = %s, want open", m.Role(), m.Phase())
		}
		if m.ProtocolVersion() != 3 {
			t.Errorf("%s version = %s, want v3", m.Role(), m.ProtocolVersion())
		}
	}
	if got := acc.Peer(); got == nil || *got != *nodeID(1, 1) {
		t.Errorf("acceptor peer = %v, want N1:1", got)
	}
	if got := init.Peer(); got == nil || *got != *nodeID(2, 5) {
		t.Errorf("initiator peer = %v, want N2:5", got)
	}
}

func TestHandshake_VersionMismatch(t *testing.T) {
	init, acc := newPair(t, wire.VersionRange{Min: 1, Max: 1}, wire.VersionRange{Min: 2, Max: 4})

	hello, _ := init.Start()
	reply, err := acc.Receive(&wire.Message{Body: hello})
	if !errors.Is(err, domain.ErrVersionMismatch) {
		t.Fatalf("Receive(hello) error = %v, want ErrVersionMismatch", err)
	}
	if reply != nil {
		t.Errorf("acceptor replied %T on mismatch", reply)
	}
	if acc.Phase() != PhaseRejected {
		t.Errorf("acceptor phase = %s, want rejected", acc.Phase())
	}
	if acc.Phase().Established() {
		t.Error("rejected connection must never have been open")
	}
}

func TestHandshake_BinaryBeforeHello(t *testing.T) {
	_, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())

	_, err := acc.Receive(&wire.Message{Body: &wire.BinaryMessage{Target: wire.TargetIngress}})
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Fatalf("error = %v, want ErrProtocolViolation", err)
	}
	if acc.Phase() != PhaseRejected {
		t.Errorf("phase = %s, want rejected", acc.Phase())
	}
	if _, err := acc.Receive(&wire.Message{Body: &wire.Hello{MinProtocolVersion: 1, MaxProtocolVersion: 2}}); err == nil {
		t.Error("rejected machine must refuse further frames")
	}
}

func TestHandshake_InitiatorRejectsNonWelcome(t *testing.T) {
	tests := []struct {
		name string
		body wire.Body
	}{
		{"binary", &wire.BinaryMessage{Target: wire.TargetIngress}},
		{"hello", &wire.Hello{MinProtocolVersion: 1, MaxProtocolVersion: 2}},
		{"control", &wire.ConnectionControl{Signal: wire.SignalShutdown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init, _ := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())
			if _, err := init.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			_, err := init.Receive(&wire.Message{Body: tt.body})
			if !errors.Is(err, domain.ErrProtocolViolation) {
				t.Errorf("error = %v, want ErrProtocolViolation", err)
			}
			if init.Phase() != PhaseRejected {
				t.Errorf("phase = %s, want rejected", init.Phase())
			}
		})
	}
}

func TestHandshake_WelcomeOutsideLocalRange(t *testing.T) {
	init, _ := newPair(t, wire.VersionRange{Min: 1, Max: 2}, wire.LocalVersionRange())
	init.Start()

	_, err := init.Receive(&wire.Message{Body: &wire.Welcome{ProtocolVersion: 5, MyNodeID: *nodeID(2, 1)}})
	if !errors.Is(err, domain.ErrVersionMismatch) {
		t.Fatalf("error = %v, want ErrVersionMismatch", err)
	}
	if init.Phase() != PhaseRejected {
		t.Errorf("phase = %s, want rejected", init.Phase())
	}
}

func TestHandshake_WelcomeBeforeHelloSent(t *testing.T) {
	init, _ := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())
	_, err := init.Receive(&wire.Message{Body: &wire.Welcome{ProtocolVersion: 2, MyNodeID: *nodeID(2, 1)}})
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("error = %v, want ErrProtocolViolation", err)
	}
}

func TestHandshake_ClusterMismatch(t *testing.T) {
	init, err := New(Config{Role: RoleInitiator, ClusterName: "other"})
	if err != nil {
		t.Fatal(err)
	}
	_, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())

	err = exchange(t, init, acc)
	if !errors.Is(err, domain.ErrProtocolViolation) || !errors.Is(err, domain.ErrClusterMismatch) {
		t.Fatalf("error = %v, want protocol violation caused by cluster mismatch", err)
	}
}

func TestHandshake_AnonymousInitiator(t *testing.T) {
	init, err := New(Config{Role: RoleInitiator})
	if err != nil {
		t.Fatal(err)
	}
	_, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())

	if err := exchange(t, init, acc); err != nil {
		t.Fatalf("handshake error = %v", err)
	}
	if acc.Peer() != nil {
		t.Errorf("acceptor peer = %v, want anonymous", acc.Peer())
	}
	if acc.ProtocolVersion() != wire.CurrentProtocolVersion {
		t.Errorf("version = %s, want %s", acc.ProtocolVersion(), wire.CurrentProtocolVersion)
	}
}

func TestHandshake_AdmitRejectsStaleGeneration(t *testing.T) {
	tracker := domain.NewGenerationTracker()
	tracker.Observe(domain.PlainNodeID(1).WithGeneration(4))

	acc, err := New(Config{
		Role:     RoleAcceptor,
		MyNodeID: nodeID(2, 1),
		Admit: func(peer domain.GenerationalNodeID) error {
			if !tracker.Observe(peer) {
				return domain.ErrStaleGeneration
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	init, _ := New(Config{Role: RoleInitiator, MyNodeID: nodeID(1, 3)})

	err = exchange(t, init, acc)
	if !errors.Is(err, domain.ErrProtocolViolation) || !errors.Is(err, domain.ErrStaleGeneration) {
		t.Fatalf("error = %v, want stale generation violation", err)
	}
	if acc.Phase() != PhaseRejected {
		t.Errorf("phase = %s, want rejected", acc.Phase())
	}
}

func TestHandshake_HelloAfterOpen(t *testing.T) {
	init, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())
	if err := exchange(t, init, acc); err != nil {
		t.Fatal(err)
	}

	_, err := acc.Receive(&wire.Message{Body: &wire.Hello{MinProtocolVersion: 1, MaxProtocolVersion: 2}})
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("hello after open: error = %v, want ErrProtocolViolation", err)
	}
	if acc.Phase() != PhaseRejected {
		t.Errorf("phase = %s, want rejected", acc.Phase())
	}

	_, err = init.Receive(&wire.Message{Body: &wire.Welcome{ProtocolVersion: 2}})
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("welcome after open: error = %v, want ErrProtocolViolation", err)
	}
}

func TestOnControl(t *testing.T) {
	tests := []struct {
		name      string
		signals   []wire.Signal
		wantPhase Phase
		wantErr   error
	}{
		{"drain", []wire.Signal{wire.SignalDrainConnection}, PhaseDraining, nil},
		{"drain twice", []wire.Signal{wire.SignalDrainConnection, wire.SignalDrainConnection}, PhaseDraining, nil},
		{"shutdown", []wire.Signal{wire.SignalShutdown}, PhaseClosed, domain.ErrPeerShutdown},
		{"drain then shutdown", []wire.Signal{wire.SignalDrainConnection, wire.SignalShutdown}, PhaseClosed, domain.ErrPeerShutdown},
		{"codec error", []wire.Signal{wire.SignalCodecError}, PhaseClosed, domain.ErrDecodeFailure},
		{"unknown ignored", []wire.Signal{wire.SignalUnknown, wire.Signal(99)}, PhaseOpen, nil},
		{"closed is terminal", []wire.Signal{wire.SignalShutdown, wire.SignalDrainConnection}, PhaseClosed, domain.ErrPeerShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())
			if err := exchange(t, init, acc); err != nil {
				t.Fatal(err)
			}
			var (
				phase Phase
				err   error
			)
			for _, sig := range tt.signals {
				phase, err = acc.OnControl(sig)
			}
			if phase != tt.wantPhase {
				t.Errorf("phase = %s, want %s", phase, tt.wantPhase)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReceive_ControlFrameAppliesSignal(t *testing.T) {
	init, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())
	if err := exchange(t, init, acc); err != nil {
		t.Fatal(err)
	}
	if _, err := acc.Receive(&wire.Message{Body: &wire.ConnectionControl{Signal: wire.SignalDrainConnection}}); err != nil {
		t.Fatalf("Receive(drain) error = %v", err)
	}
	if acc.Phase() != PhaseDraining {
		t.Errorf("phase = %s, want draining", acc.Phase())
	}
	if _, err := acc.Receive(&wire.Message{Body: &wire.BinaryMessage{}}); err != nil {
		t.Errorf("binary while draining error = %v", err)
	}
}

func TestCheckSend(t *testing.T) {
	init, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())

	for _, k := range []SendKind{SendRequest, SendReply, SendControl} {
		if err := acc.CheckSend(k); !errors.Is(err, domain.ErrNotOpen) {
			t.Errorf("acceptor before open, kind %d: error = %v, want ErrNotOpen", k, err)
		}
	}
	if err := init.CheckSend(SendRequest); !errors.Is(err, domain.ErrNotOpen) {
		t.Errorf("initiator before open: error = %v, want ErrNotOpen", err)
	}

	init.Start()
	if err := init.CheckSend(SendControl); err != nil {
		t.Errorf("initiator control after hello: error = %v", err)
	}
	if err := init.CheckSend(SendRequest); !errors.Is(err, domain.ErrNotOpen) {
		t.Errorf("initiator request after hello: error = %v, want ErrNotOpen", err)
	}

	hello := &wire.Hello{MinProtocolVersion: 1, MaxProtocolVersion: 2, ClusterName: "c1"}
	if _, err := acc.Receive(&wire.Message{Body: hello}); err != nil {
		t.Fatal(err)
	}
	if err := acc.CheckSend(SendRequest); err != nil {
		t.Errorf("open: error = %v", err)
	}

	acc.Drain()
	if err := acc.CheckSend(SendRequest); !errors.Is(err, domain.ErrDraining) {
		t.Errorf("draining request: error = %v, want ErrDraining", err)
	}
	if err := acc.CheckSend(SendReply); err != nil {
		t.Errorf("draining reply: error = %v", err)
	}

	acc.Close(nil)
	if err := acc.CheckSend(SendControl); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Errorf("closed: error = %v, want ErrConnectionClosed", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Role: RoleAcceptor}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("acceptor without id: error = %v", err)
	}
	if _, err := New(Config{Role: RoleInitiator, Versions: wire.VersionRange{Min: 3, Max: 1}}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("inverted range: error = %v", err)
	}
	acc, _ := New(Config{Role: RoleAcceptor, MyNodeID: nodeID(1, 1)})
	if _, err := acc.Start(); err == nil {
		t.Error("acceptor Start() should fail")
	}
	init, _ := New(Config{Role: RoleInitiator})
	init.Start()
	if _, err := init.Start(); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestClose_KeepsRejected(t *testing.T) {
	_, acc := newPair(t, wire.LocalVersionRange(), wire.LocalVersionRange())
	acc.Receive(&wire.Message{Body: &wire.BinaryMessage{}})
	acc.Close(nil)
	if acc.Phase() != PhaseRejected {
		t.Errorf("phase = %s, want rejected", acc.Phase())
	}
	if !errors.Is(acc.Err(), domain.ErrProtocolViolation) {
		t.Errorf("Err() = %v, want the rejection cause", acc.Err())
	}
}
