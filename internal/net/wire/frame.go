package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

// DefaultMaxFrameSize bounds a single frame unless configured otherwise.
const DefaultMaxFrameSize = 16 << 20

// EncodeFrame returns the length-prefixed encoding of m.
func EncodeFrame(m *Message) ([]byte, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, body), nil
}

// AppendFrame appends a varint length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one length-prefixed frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, protowire.SizeVarint(uint64(len(payload)))+len(payload))
	_, err := w.Write(AppendFrame(buf, payload))
	return err
}

// FrameReader splits a byte stream into frames.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. A maxSize of zero selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame returns the next frame payload. io.EOF is returned only on a
// clean frame boundary; a stream cut mid-frame yields io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if size > uint64(fr.maxSize) {
		return nil, domain.ErrFrameTooLarge.WithDetailsf("%d bytes, limit %d", size, fr.maxSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
