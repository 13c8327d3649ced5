// Package wire implements the on-the-wire framing exchanged between a
// simulated PCIe endpoint and its root-complex peer: a 16-bit length
// header followed by a fixed-layout Message or Reply envelope, all
// little-endian, all packed (no padding).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Op identifies the kind of access a Message carries.
type Op uint8

const (
	OpReadConfig  Op = 0
	OpWriteConfig Op = 1
	OpReadMem     Op = 2
	OpWriteMem    Op = 3
	OpReadIO      Op = 4
	OpWriteIO     Op = 5
	OpInt         Op = 6
	OpMSI         Op = 7
	OpMSIX        Op = 8
)

func (op Op) String() string {
	switch op {
	case OpReadConfig:
		return "READ_CONFIG"
	case OpWriteConfig:
		return "WRITE_CONFIG"
	case OpReadMem:
		return "READ_MEM"
	case OpWriteMem:
		return "WRITE_MEM"
	case OpReadIO:
		return "READ_IO"
	case OpWriteIO:
		return "WRITE_IO"
	case OpInt:
		return "INT"
	case OpMSI:
		return "MSI"
	case OpMSIX:
		return "MSIX"
	default:
		return fmt.Sprintf("OP(0x%02x)", uint8(op))
	}
}

// IsRead reports whether op is one of the ops that requires a Reply.
func (op Op) IsRead() bool {
	switch op {
	case OpReadConfig, OpReadMem, OpReadIO:
		return true
	default:
		return false
	}
}

const (
	// HeaderSize is the length, in bytes, of the 16-bit frame-size prefix.
	HeaderSize = 2

	// msgFixedSize is the byte length of a Message envelope excluding its
	// variable-length Data tail: op(1) + bar(1) + width(1) + addr(8) + size(2).
	msgFixedSize = 1 + 1 + 1 + 8 + 2

	// ReplyDataSize is the fixed payload width of every Reply.
	ReplyDataSize = 8

	// replyFixedSize is the byte length of a Reply envelope: status(1) + data(8).
	replyFixedSize = 1 + ReplyDataSize

	// MaxPayload is the largest permitted Message.Data length.
	MaxPayload = 4096

	// MaxFrame is the largest permitted total frame size (header + envelope).
	MaxFrame = HeaderSize + msgFixedSize + MaxPayload
)

// Message is the unit of request exchanged on the wire.
type Message struct {
	Op    Op
	Bar   uint8
	Width uint8
	Addr  uint64
	Data  []byte
}

// Reply is produced for every Message whose Op.IsRead() is true.
type Reply struct {
	Status uint8
	Data   [ReplyDataSize]byte
}

// Size returns the total on-wire frame size of m, header included.
func (m *Message) Size() int {
	return HeaderSize + msgFixedSize + len(m.Data)
}

// Marshal encodes m as a complete frame (header + envelope).
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Data) > MaxPayload {
		return nil, fmt.Errorf("wire: message payload %d exceeds max %d", len(m.Data), MaxPayload)
	}
	size := m.Size()
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = byte(m.Op)
	buf[3] = m.Bar
	buf[4] = m.Width
	binary.LittleEndian.PutUint64(buf[5:13], m.Addr)
	binary.LittleEndian.PutUint16(buf[13:15], uint16(len(m.Data)))
	copy(buf[15:], m.Data)
	return buf, nil
}

// UnmarshalMessage decodes a Message from envelope (the frame with the
// 2-byte size header already stripped).
func UnmarshalMessage(envelope []byte) (*Message, error) {
	if len(envelope) < msgFixedSize {
		return nil, fmt.Errorf("wire: message envelope too short (%d bytes)", len(envelope))
	}
	size := binary.LittleEndian.Uint16(envelope[11:13])
	if msgFixedSize+int(size) != len(envelope) {
		return nil, fmt.Errorf("wire: message size field %d does not match payload length %d", size, len(envelope)-msgFixedSize)
	}
	data := make([]byte, size)
	copy(data, envelope[13:])
	return &Message{
		Op:    Op(envelope[0]),
		Bar:   envelope[1],
		Width: envelope[2],
		Addr:  binary.LittleEndian.Uint64(envelope[3:11]),
		Data:  data,
	}, nil
}

// Marshal encodes r as a complete frame (header + envelope).
func (r *Reply) Marshal() []byte {
	size := HeaderSize + replyFixedSize
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = r.Status
	copy(buf[3:], r.Data[:])
	return buf
}

// UnmarshalReply decodes a Reply from envelope (the frame with the 2-byte
// size header already stripped).
func UnmarshalReply(envelope []byte) (*Reply, error) {
	if len(envelope) != replyFixedSize {
		return nil, fmt.Errorf("wire: reply envelope has %d bytes, want %d", len(envelope), replyFixedSize)
	}
	r := &Reply{Status: envelope[0]}
	copy(r.Data[:], envelope[1:])
	return r, nil
}

// ReadHeader reads and validates the 2-byte size prefix, returning the
// number of envelope bytes that follow it.
func ReadHeader(r io.Reader) (int, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	size := binary.LittleEndian.Uint16(buf[:])
	if int(size) < HeaderSize {
		return 0, fmt.Errorf("wire: frame size %d smaller than header", size)
	}
	if int(size) > MaxFrame {
		return 0, fmt.Errorf("%w: frame size %d exceeds max %d", ErrOversizeFrame, size, MaxFrame)
	}
	return int(size) - HeaderSize, nil
}

// ErrOversizeFrame is returned by ReadHeader when the peer's declared frame
// size exceeds MaxFrame.
var ErrOversizeFrame = fmt.Errorf("wire: oversize frame")

// IsReplyEnvelope reports whether an envelope of the given length (as
// returned by ReadHeader) can only be a Reply. Every Reply envelope is
// exactly replyFixedSize bytes; every Message envelope is at least
// msgFixedSize bytes, and msgFixedSize > replyFixedSize, so the lengths
// never collide. This lets a connection that carries both request/reply
// traffic and unsolicited pushed Messages (e.g. Bridge-originated
// WRITE_MEM pushes or MSI) tell them apart without a side channel.
func IsReplyEnvelope(envelopeSize int) bool {
	return envelopeSize == replyFixedSize
}
