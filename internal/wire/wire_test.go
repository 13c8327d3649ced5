package wire

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		{Op: OpReadConfig, Addr: 0, Width: 2},
		{Op: OpWriteMem, Bar: 3, Addr: 0x1000, Width: 4, Data: []byte{1, 2, 3, 4}},
		{Op: OpMSI, Data: make([]byte, ReplyDataSize)},
	}

	for _, want := range cases {
		frame, err := want.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}

		frameSize := int(frame[0]) | int(frame[1])<<8
		if frameSize != len(frame) {
			t.Fatalf("header size %d does not match frame length %d", frameSize, len(frame))
		}

		got, err := UnmarshalMessage(frame[HeaderSize:])
		if err != nil {
			t.Fatalf("UnmarshalMessage: %v", err)
		}
		if got.Op != want.Op || got.Bar != want.Bar || got.Width != want.Width || got.Addr != want.Addr {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("round trip data mismatch: got %v, want %v", got.Data, want.Data)
		}
	}
}

func TestMessageRejectsOversizePayload(t *testing.T) {
	m := &Message{Op: OpWriteMem, Data: make([]byte, MaxPayload+1)}
	if _, err := m.Marshal(); err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	want := &Reply{Status: 0, Data: [ReplyDataSize]byte{0xef, 0xbe, 0xad, 0xde}}
	frame := want.Marshal()

	got, err := UnmarshalReply(frame[HeaderSize:])
	if err != nil {
		t.Fatalf("UnmarshalReply: %v", err)
	}
	if got.Status != want.Status || got.Data != want.Data {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestIsReplyEnvelopeNeverCollidesWithMessage(t *testing.T) {
	if !IsReplyEnvelope(replyFixedSize) {
		t.Fatal("reply envelope size must be classified as a reply")
	}
	// The smallest possible Message envelope (zero-length data) must never
	// be mistaken for a Reply envelope.
	smallestMessage := &Message{Op: OpReadConfig}
	frame, err := smallestMessage.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if IsReplyEnvelope(len(frame) - HeaderSize) {
		t.Fatal("smallest message envelope must not be classified as a reply")
	}
}

func TestReadHeaderRejectsOversizeFrame(t *testing.T) {
	var buf [HeaderSize]byte
	buf[0] = byte((MaxFrame + 1) & 0xff)
	buf[1] = byte((MaxFrame + 1) >> 8)
	_, err := ReadHeader(bytes.NewReader(buf[:]))
	if err == nil {
		t.Fatal("expected oversize frame error")
	}
}
