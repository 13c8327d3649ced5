package eventloop

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/vpcie/internal/endpoint"
	"github.com/tinyrange/vpcie/internal/transport"
	"github.com/tinyrange/vpcie/internal/wire"
)

// newLoopbackPair returns a Transport wrapping one end of an in-memory
// pipe (driven by an EventLoop under test) and the raw conn for the peer
// side, so the test can act as the root-complex peer directly.
func newLoopbackPair(t *testing.T) (*transport.Transport, net.Conn) {
	t.Helper()
	serverConn, peerConn := net.Pipe()
	tx := transport.NewForTesting(serverConn)
	return tx, peerConn
}

func TestUnknownOpIsIgnoredAndLoopContinues(t *testing.T) {
	tx, peer := newLoopbackPair(t)
	ep := endpoint.New(0x2a2a, 0x2b2b, tx, nil)
	el := New(tx, ep, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- el.Run(ctx) }()

	send(t, peer, &wire.Message{Op: wire.Op(0xfe)})

	send(t, peer, &wire.Message{Op: wire.OpReadConfig, Addr: 0, Width: 2})
	reply := recvReply(t, peer)
	if reply.Status != 0 {
		t.Fatalf("status = %d, want 0", reply.Status)
	}
	if reply.Data[0] != 0x2a || reply.Data[1] != 0x2a {
		t.Fatalf("vendor id = % x, want 2a 2a", reply.Data[:2])
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestQuitEventStopsLoop(t *testing.T) {
	tx, peer := newLoopbackPair(t)
	defer peer.Close()
	ep := endpoint.New(0x2a2a, 0x2b2b, tx, nil)
	el := New(tx, ep, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- el.Run(context.Background()) }()

	el.Quit()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on graceful quit", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after QUIT")
	}
}

func send(t *testing.T, conn net.Conn, msg *wire.Message) {
	t.Helper()
	frame, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func recvReply(t *testing.T, conn net.Conn) *wire.Reply {
	t.Helper()
	var header [wire.HeaderSize]byte
	if _, err := readFull(conn, header[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	size := int(binary.LittleEndian.Uint16(header[:])) - wire.HeaderSize
	envelope := make([]byte, size)
	if _, err := readFull(conn, envelope); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	reply, err := wire.UnmarshalReply(envelope)
	if err != nil {
		t.Fatalf("UnmarshalReply: %v", err)
	}
	return reply
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
