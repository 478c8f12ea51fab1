// Package wire implements the external interfaces (§6): the 20-byte
// length-prefixed frame header every mesh/client message rides on, and the
// JSON opcode envelope (and tuple encoding) carried as that frame's
// payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of the frame header in bytes:
// total_length, dst_node, src_node, dst_port, seq, each a big-endian
// 32-bit field.
const HeaderSize = 20

// Frame is one message on the wire. DstNode steers forwarding; SrcNode,
// DstPort and Seq together form the reply tag a requester watches for.
type Frame struct {
	DstNode int32
	SrcNode int32
	DstPort int32
	Seq     int32
	Payload []byte
}

// Encode serializes f into a single frame, header included.
func Encode(f Frame) []byte {
	total := HeaderSize + len(f.Payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.DstNode))
	binary.BigEndian.PutUint32(buf[8:12], uint32(f.SrcNode))
	binary.BigEndian.PutUint32(buf[12:16], uint32(f.DstPort))
	binary.BigEndian.PutUint32(buf[16:20], uint32(f.Seq))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// WriteFrame writes f to w as a single frame.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// ReadFrame reads exactly one frame from r, blocking until the header and
// the full payload it declares have arrived.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint32(hdr[0:4])
	if total < HeaderSize {
		return Frame{}, fmt.Errorf("wire: total_length %d smaller than header size %d", total, HeaderSize)
	}
	payload := make([]byte, total-HeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{
		DstNode: int32(binary.BigEndian.Uint32(hdr[4:8])),
		SrcNode: int32(binary.BigEndian.Uint32(hdr[8:12])),
		DstPort: int32(binary.BigEndian.Uint32(hdr[12:16])),
		Seq:     int32(binary.BigEndian.Uint32(hdr[16:20])),
		Payload: payload,
	}, nil
}
