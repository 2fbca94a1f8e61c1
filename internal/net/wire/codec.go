package wire

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

// Field numbers of the Message schema. The payload variant keeps the
// highest tag so new control variants can be added below it.
const (
	fieldMessageHeader            protowire.Number = 1
	fieldMessageConnectionControl protowire.Number = 2
	fieldMessageHello             protowire.Number = 3
	fieldMessageWelcome           protowire.Number = 4
	fieldMessageEncoded           protowire.Number = 1000

	fieldHeaderMsgID          protowire.Number = 1
	fieldHeaderInResponseTo   protowire.Number = 2
	fieldHeaderNodesConfig    protowire.Number = 3
	fieldHeaderLogs           protowire.Number = 4
	fieldHeaderSchema         protowire.Number = 5
	fieldHeaderPartitionTable protowire.Number = 6
	fieldHeaderSpanContext    protowire.Number = 7

	fieldVersionValue protowire.Number = 1

	fieldSpanContextFields protowire.Number = 1
	fieldMapKey            protowire.Number = 1
	fieldMapValue          protowire.Number = 2

	fieldHelloMin         protowire.Number = 1
	fieldHelloMax         protowire.Number = 2
	fieldHelloMyNodeID    protowire.Number = 3
	fieldHelloClusterName protowire.Number = 4

	fieldWelcomeProtocolVersion protowire.Number = 1
	fieldWelcomeMyNodeID        protowire.Number = 2

	fieldNodeID         protowire.Number = 1
	fieldNodeGeneration protowire.Number = 2

	fieldControlSignal  protowire.Number = 1
	fieldControlMessage protowire.Number = 2

	fieldBinaryTarget  protowire.Number = 1
	fieldBinaryPayload protowire.Number = 2
)

var headerVersionFields = []struct {
	num  protowire.Number
	kind domain.MetadataKind
}{
	{fieldHeaderNodesConfig, domain.MetadataNodesConfiguration},
	{fieldHeaderLogs, domain.MetadataLogs},
	{fieldHeaderSchema, domain.MetadataSchema},
	{fieldHeaderPartitionTable, domain.MetadataPartitionTable},
}

// errNoBody is returned by Marshal for a Message without a body.
var errNoBody = errors.New("message has no body")

// Marshal encodes m without a length prefix.
func Marshal(m *Message) ([]byte, error) {
	return AppendMessage(nil, m)
}

// AppendMessage appends the encoding of m to b.
func AppendMessage(b []byte, m *Message) ([]byte, error) {
	if m == nil || m.Body == nil {
		return b, domain.ErrInvalidArgument.WithCause(errNoBody)
	}

	b = protowire.AppendTag(b, fieldMessageHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, appendHeader(nil, &m.Header))

	switch body := m.Body.(type) {
	case *ConnectionControl:
		b = protowire.AppendTag(b, fieldMessageConnectionControl, protowire.BytesType)
		b = protowire.AppendBytes(b, appendControl(nil, body))
	case *Hello:
		b = protowire.AppendTag(b, fieldMessageHello, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHello(nil, body))
	case *Welcome:
		b = protowire.AppendTag(b, fieldMessageWelcome, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWelcome(nil, body))
	case *BinaryMessage:
		b = protowire.AppendTag(b, fieldMessageEncoded, protowire.BytesType)
		b = protowire.AppendBytes(b, appendBinary(nil, body))
	default:
		return b, domain.ErrInvalidArgument.WithDetailsf("unsupported body %T", m.Body)
	}
	return b, nil
}

func appendHeader(b []byte, h *Header) []byte {
	b = appendVarintField(b, fieldHeaderMsgID, h.MsgID)
	b = appendVarintField(b, fieldHeaderInResponseTo, h.InResponseTo)
	for _, f := range headerVersionFields {
		v := h.Versions.Get(f.kind)
		if !v.Valid() {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendBytes(b, appendVarintField(nil, fieldVersionValue, uint64(v)))
	}
	if len(h.SpanContext) > 0 {
		var sc []byte
		for _, k := range slices.Sorted(maps.Keys(h.SpanContext)) {
			var entry []byte
			entry = appendStringField(entry, fieldMapKey, k)
			entry = appendStringField(entry, fieldMapValue, h.SpanContext[k])
			sc = protowire.AppendTag(sc, fieldSpanContextFields, protowire.BytesType)
			sc = protowire.AppendBytes(sc, entry)
		}
		b = protowire.AppendTag(b, fieldHeaderSpanContext, protowire.BytesType)
		b = protowire.AppendBytes(b, sc)
	}
	return b
}

func appendControl(b []byte, c *ConnectionControl) []byte {
	b = appendVarintField(b, fieldControlSignal, uint64(int64(c.Signal)))
	return appendStringField(b, fieldControlMessage, c.Message)
}

func appendHello(b []byte, h *Hello) []byte {
	b = appendVarintField(b, fieldHelloMin, uint64(h.MinProtocolVersion))
	b = appendVarintField(b, fieldHelloMax, uint64(h.MaxProtocolVersion))
	if h.MyNodeID != nil {
		b = protowire.AppendTag(b, fieldHelloMyNodeID, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNodeID(nil, *h.MyNodeID))
	}
	return appendStringField(b, fieldHelloClusterName, h.ClusterName)
}

func appendWelcome(b []byte, w *Welcome) []byte {
	b = appendVarintField(b, fieldWelcomeProtocolVersion, uint64(w.ProtocolVersion))
	b = protowire.AppendTag(b, fieldWelcomeMyNodeID, protowire.BytesType)
	return protowire.AppendBytes(b, appendNodeID(nil, w.MyNodeID))
}

func appendNodeID(b []byte, id domain.GenerationalNodeID) []byte {
	b = appendVarintField(b, fieldNodeID, uint64(id.ID))
	return appendVarintField(b, fieldNodeGeneration, uint64(id.Generation))
}

func appendBinary(b []byte, m *BinaryMessage) []byte {
	b = appendVarintField(b, fieldBinaryTarget, uint64(int64(m.Target)))
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldBinaryPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// DecodeError reports a frame that could not be decoded. Header is set when
// the header was readable, so the failure can still be correlated.
// It matches domain.ErrDecodeFailure with errors.Is.
type DecodeError struct {
	Header *Header
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Header != nil {
		return fmt.Sprintf("%s (msg_id=%d): %v", domain.ErrDecodeFailure.Message, e.Header.MsgID, e.Err)
	}
	return fmt.Sprintf("%s: %v", domain.ErrDecodeFailure.Message, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches domain.ErrDecodeFailure.
func (e *DecodeError) Is(target error) bool {
	return domain.ErrDecodeFailure.Is(target)
}

// Unmarshal decodes one Message. Unknown fields are skipped. On failure the
// error is a *DecodeError.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	var hdr *Header

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldMessageHeader:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, fmt.Errorf("header: %w", err)
			}
			h, err := decodeHeader(v)
			if err != nil {
				return 0, fmt.Errorf("header: %w", err)
			}
			hdr = h
			return n, nil
		case fieldMessageConnectionControl:
			return decodeBody(typ, b, m, "connection_control", decodeControl)
		case fieldMessageHello:
			return decodeBody(typ, b, m, "hello", decodeHello)
		case fieldMessageWelcome:
			return decodeBody(typ, b, m, "welcome", decodeWelcome)
		case fieldMessageEncoded:
			return decodeBody(typ, b, m, "encoded", decodeBinary)
		}
		return 0, nil
	})
	if err != nil {
		if hdr == nil {
			hdr = peekHeader(b)
		}
		return nil, &DecodeError{Header: hdr, Err: err}
	}
	if hdr == nil {
		return nil, &DecodeError{Err: errors.New("missing header")}
	}
	m.Header = *hdr
	if m.Body == nil {
		return nil, &DecodeError{Header: hdr, Err: errNoBody}
	}
	return m, nil
}

// decodeBody decodes a body variant. Like protobuf oneofs, the last
// variant on the wire wins.
func decodeBody[T Body](typ protowire.Type, b []byte, m *Message, name string, decode func([]byte) (T, error)) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	body, err := decode(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	m.Body = body
	return n, nil
}

// peekHeader makes a best-effort pass over b looking only for the header.
func peekHeader(b []byte) *Header {
	var hdr *Header
	_ = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldMessageHeader {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		if h, err := decodeHeader(v); err == nil {
			hdr = h
		}
		return n, nil
	})
	return hdr
}

func decodeHeader(b []byte) (*Header, error) {
	h := &Header{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldHeaderMsgID:
			v, n, err := consumeVarint(typ, b)
			h.MsgID = v
			return n, err
		case fieldHeaderInResponseTo:
			v, n, err := consumeVarint(typ, b)
			h.InResponseTo = v
			return n, err
		case fieldHeaderSpanContext:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			sc, err := decodeSpanContext(v)
			if err != nil {
				return 0, fmt.Errorf("span_context: %w", err)
			}
			h.SpanContext = sc
			return n, nil
		}
		for _, f := range headerVersionFields {
			if f.num != num {
				continue
			}
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ver, err := decodeVersion(v)
			if err != nil {
				return 0, fmt.Errorf("%s version: %w", f.kind, err)
			}
			h.Versions.Set(f.kind, ver)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func decodeVersion(b []byte) (domain.Version, error) {
	var ver domain.Version
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldVersionValue {
			return 0, nil
		}
		v, n, err := consumeUint32(typ, b)
		ver = domain.Version(v)
		return n, err
	})
	return ver, err
}

func decodeSpanContext(b []byte) (map[string]string, error) {
	sc := make(map[string]string)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldSpanContextFields {
			return 0, nil
		}
		entry, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		var key, value string
		err = walk(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case fieldMapKey:
				v, n, err := consumeBytes(typ, b)
				key = string(v)
				return n, err
			case fieldMapValue:
				v, n, err := consumeBytes(typ, b)
				value = string(v)
				return n, err
			}
			return 0, nil
		})
		if err != nil {
			return 0, err
		}
		sc[key] = value
		return n, nil
	})
	return sc, err
}

func decodeControl(b []byte) (*ConnectionControl, error) {
	c := &ConnectionControl{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldControlSignal:
			v, n, err := consumeVarint(typ, b)
			c.Signal = Signal(int32(v))
			return n, err
		case fieldControlMessage:
			v, n, err := consumeBytes(typ, b)
			c.Message = string(v)
			return n, err
		}
		return 0, nil
	})
	return c, err
}

func decodeHello(b []byte) (*Hello, error) {
	h := &Hello{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldHelloMin:
			v, n, err := consumeUint32(typ, b)
			h.MinProtocolVersion = ProtocolVersion(v)
			return n, err
		case fieldHelloMax:
			v, n, err := consumeUint32(typ, b)
			h.MaxProtocolVersion = ProtocolVersion(v)
			return n, err
		case fieldHelloMyNodeID:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			id, err := decodeNodeID(v)
			if err != nil {
				return 0, fmt.Errorf("my_node_id: %w", err)
			}
			h.MyNodeID = &id
			return n, nil
		case fieldHelloClusterName:
			v, n, err := consumeBytes(typ, b)
			h.ClusterName = string(v)
			return n, err
		}
		return 0, nil
	})
	return h, err
}

func decodeWelcome(b []byte) (*Welcome, error) {
	w := &Welcome{}
	var hasNodeID bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldWelcomeProtocolVersion:
			v, n, err := consumeUint32(typ, b)
			w.ProtocolVersion = ProtocolVersion(v)
			return n, err
		case fieldWelcomeMyNodeID:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			id, err := decodeNodeID(v)
			if err != nil {
				return 0, fmt.Errorf("my_node_id: %w", err)
			}
			w.MyNodeID = id
			hasNodeID = true
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !hasNodeID {
		return nil, errors.New("missing my_node_id")
	}
	return w, nil
}

func decodeNodeID(b []byte) (domain.GenerationalNodeID, error) {
	var id domain.GenerationalNodeID
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldNodeID:
			v, n, err := consumeUint32(typ, b)
			id.ID = domain.PlainNodeID(v)
			return n, err
		case fieldNodeGeneration:
			v, n, err := consumeUint32(typ, b)
			id.Generation = v
			return n, err
		}
		return 0, nil
	})
	return id, err
}

func decodeBinary(b []byte) (*BinaryMessage, error) {
	m := &BinaryMessage{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldBinaryTarget:
			v, n, err := consumeVarint(typ, b)
			m.Target = TargetName(int32(v))
			return n, err
		case fieldBinaryPayload:
			v, n, err := consumeBytes(typ, b)
			m.Payload = slices.Clone(v)
			return n, err
		}
		return 0, nil
	})
	return m, err
}

// walk iterates the fields of one encoded message. visit returns the number
// of bytes it consumed, or 0 to have the field skipped as unknown.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// consumeUint32 reads a varint for a uint32 field. Values that do not fit
// are rejected rather than truncated.
func consumeUint32(typ protowire.Type, b []byte) (uint32, int, error) {
	v, n, err := consumeVarint(typ, b)
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxUint32 {
		return 0, 0, fmt.Errorf("varint %d overflows uint32", v)
	}
	return uint32(v), n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
