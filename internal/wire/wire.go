// Package wire implements the binary frame codec for ClientMessage,
// ServerMessage, ClientEnvelope, and ServerEnvelope (spec §6): a
// length-prefixed, protocol-buffer-like schema. Real generated protobuf is
// not used (no .proto toolchain is available here); this is a hand-rolled
// binary encoding of the same field shapes: fields in a fixed order, byte
// fields length-prefixed, no field tags.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/samresearch/sam-server/internal/model"
)

// MaxFrameLen bounds a single decoded frame to guard against a malicious or
// corrupt length prefix forcing an unbounded allocation.
const MaxFrameLen = 1 << 20 // 1 MiB

type buf struct {
	b []byte
}

func (w *buf) u8(v uint8)   { w.b = append(w.b, v) }
func (w *buf) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *buf) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.b = append(w.b, v...)
}
func (w *buf) uuid(v [16]byte) { w.b = append(w.b, v[:]...) }

type reader struct {
	b   []byte
	pos int
}

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > len(r.b)-r.pos {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return append([]byte(nil), v...), nil
}

func (r *reader) uuid() ([16]byte, error) {
	var out [16]byte
	if r.pos+16 > len(r.b) {
		return out, io.ErrUnexpectedEOF
	}
	copy(out[:], r.b[r.pos:r.pos+16])
	r.pos += 16
	return out, nil
}

// EncodeFrame prepends a 4-byte big-endian length to payload, the
// "length-prefixed binary frame" of spec §6.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: frame too large (%d bytes)", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// accountUUID / accountIDFromUUID are little helpers shared by message.go.
func accountUUID(a model.AccountID) [16]byte      { return [16]byte(a) }
func accountIDFromUUID(b [16]byte) model.AccountID { return model.AccountID(b) }
