package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

func TestFrameReader_ReadsSequence(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("a"), {}, bytes.Repeat([]byte("x"), 300)}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	fr := NewFrameReader(&buf, 0)
	for i, want := range payloads {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame() error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() at end = %v, want io.EOF", err)
	}
}

func TestFrameReader_Truncated(t *testing.T) {
	frame := AppendFrame(nil, []byte("hello"))
	fr := NewFrameReader(bytes.NewReader(frame[:3]), 0)
	if _, err := fr.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame() = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrameReader_TooLarge(t *testing.T) {
	frame := AppendFrame(nil, make([]byte, 64))
	fr := NewFrameReader(bytes.NewReader(frame), 16)
	_, err := fr.ReadFrame()
	if !errors.Is(err, domain.ErrFrameTooLarge) {
		t.Errorf("ReadFrame() = %v, want ErrFrameTooLarge", err)
	}
}

func TestEncodeFrame(t *testing.T) {
	msg := &Message{Header: Header{MsgID: 3}, Body: &BinaryMessage{Target: TargetNodePing}}
	frame, err := EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	payload, err := NewFrameReader(bytes.NewReader(frame), 0).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	got, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Header.MsgID != 3 || got.Kind() != KindBinary {
		t.Errorf("decoded %+v", got)
	}
}
