package wire

import (
	"strconv"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

// Header is the per-message metadata every frame carries.
//
// MsgID is unique per sender within a connection and starts at 1. A zero
// InResponseTo means the message is not a response.
type Header struct {
	MsgID        uint64
	InResponseTo uint64
	Versions     domain.Versions
	SpanContext  map[string]string
}

// IsResponse reports whether the header correlates to an earlier request.
func (h Header) IsResponse() bool {
	return h.InResponseTo != 0
}

// Message is the outer envelope: one Header and exactly one Body.
type Message struct {
	Header Header
	Body   Body
}

// Body is one of *ConnectionControl, *Hello, *Welcome or *BinaryMessage.
type Body interface {
	bodyKind() BodyKind
}

// BodyKind names a Body variant.
type BodyKind int

const (
	KindNone BodyKind = iota
	KindConnectionControl
	KindHello
	KindWelcome
	KindBinary
)

func (k BodyKind) String() string {
	switch k {
	case KindConnectionControl:
		return "connection_control"
	case KindHello:
		return "hello"
	case KindWelcome:
		return "welcome"
	case KindBinary:
		return "binary"
	default:
		return "none"
	}
}

// Kind returns the variant of m.Body, or KindNone when the body is nil.
func (m *Message) Kind() BodyKind {
	if m == nil || m.Body == nil {
		return KindNone
	}
	return m.Body.bodyKind()
}

// Signal is a connection control notice.
type Signal int32

const (
	SignalUnknown         Signal = 0
	SignalShutdown        Signal = 1
	SignalDrainConnection Signal = 2
	SignalCodecError      Signal = 3
)

func (s Signal) String() string {
	switch s {
	case SignalShutdown:
		return "SHUTDOWN"
	case SignalDrainConnection:
		return "DRAIN_CONNECTION"
	case SignalCodecError:
		return "CODEC_ERROR"
	case SignalUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN(" + strconv.FormatInt(int64(s), 10) + ")"
	}
}

// Known reports whether this build understands s.
func (s Signal) Known() bool {
	return s >= SignalShutdown && s <= SignalCodecError
}

// ConnectionControl is an out-of-band notice to the peer. It is never
// correlated to a prior message.
type ConnectionControl struct {
	Signal  Signal
	Message string
}

func (*ConnectionControl) bodyKind() BodyKind { return KindConnectionControl }

// Hello opens a connection. It must be the first frame the initiator sends.
// MyNodeID is nil for anonymous clients.
type Hello struct {
	MinProtocolVersion ProtocolVersion
	MaxProtocolVersion ProtocolVersion
	ClusterName        string
	MyNodeID           *domain.GenerationalNodeID
}

func (*Hello) bodyKind() BodyKind { return KindHello }

// Range returns the advertised version range.
func (h *Hello) Range() VersionRange {
	return VersionRange{Min: h.MinProtocolVersion, Max: h.MaxProtocolVersion}
}

// Welcome accepts a Hello. It must be the first frame the acceptor sends.
type Welcome struct {
	ProtocolVersion ProtocolVersion
	MyNodeID        domain.GenerationalNodeID
}

func (*Welcome) bodyKind() BodyKind { return KindWelcome }

// BinaryMessage carries an opaque payload to a named target.
type BinaryMessage struct {
	Target  TargetName
	Payload []byte
}

func (*BinaryMessage) bodyKind() BodyKind { return KindBinary }

// NewControl builds a header-less control message.
func NewControl(sig Signal, text string) *Message {
	return &Message{Body: &ConnectionControl{Signal: sig, Message: text}}
}
