// Package transport provides the reliable, ordered, length-prefixed TCP
// carrier between a simulated PCIe endpoint and its root-complex peer.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/tinyrange/vpcie/internal/wire"
)

// Sentinel errors describing the two fatal conditions a Transport can hit.
// Both are propagated to the EventLoop, which terminates in response.
var (
	ErrTransportInit   = errors.New("transport: initialization failed")
	ErrTransportClosed = errors.New("transport: peer closed or framing corrupt")
)

// Transport carries Messages and Replies over a single TCP connection. All
// sends (replies, MSIs, bridge-originated writes) go through sendFrame, which
// serializes them behind one mutex so outbound frames never interleave.
type Transport struct {
	log *slog.Logger

	listener net.Listener // nil when Transport was built by Dial
	conn     net.Conn

	sendMu sync.Mutex
}

// Option customises Transport construction.
type Option func(*Transport)

// WithLogger attaches a structured logger; the zero value logs to slog's
// default handler.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// Listen binds laddr, accepts exactly one connection (the Non-goal of
// multi-peer fan-in is enforced by capping the listener at one live
// connection via netutil.LimitListener), and returns a Transport wrapping
// it. Listen blocks until a peer connects.
func Listen(laddr string, opts ...Option) (*Transport, error) {
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrTransportInit, laddr, err)
	}
	limited := netutil.LimitListener(l, 1)

	t := &Transport{log: slog.Default(), listener: limited}
	for _, opt := range opts {
		opt(t)
	}

	conn, err := limited.Accept()
	if err != nil {
		limited.Close()
		return nil, fmt.Errorf("%w: accept on %s: %v", ErrTransportInit, laddr, err)
	}
	t.conn = conn
	t.log.Info("transport: peer connected", "local", laddr, "remote", conn.RemoteAddr())
	return t, nil
}

// Dial connects to raddr and returns a Transport wrapping the connection.
func Dial(raddr string, opts ...Option) (*Transport, error) {
	conn, err := net.Dial("tcp", raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportInit, raddr, err)
	}
	t := &Transport{log: slog.Default(), conn: conn}
	for _, opt := range opts {
		opt(t)
	}
	t.log.Info("transport: connected to peer", "remote", raddr)
	return t, nil
}

// NewForTesting wraps an already-established net.Conn (typically one end
// of a net.Pipe()) as a Transport, skipping Listen/Dial. Exported for use
// by other packages' tests that need a Transport driven by an in-memory
// connection.
func NewForTesting(conn net.Conn) *Transport {
	return &Transport{log: slog.Default(), conn: conn}
}

// SendMessage writes msg to the peer as one framed, atomic send.
func (t *Transport) SendMessage(msg *wire.Message) error {
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}
	return t.sendFrame(frame)
}

// SendReply writes r to the peer as one framed, atomic send.
func (t *Transport) SendReply(r *wire.Reply) error {
	return t.sendFrame(r.Marshal())
}

func (t *Transport) sendFrame(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// ReceiveMessage blocks until one complete Message has arrived, retrying
// short reads until the frame is whole or the peer closes the connection.
// A malformed or oversize header is fatal and returned wrapped in
// ErrTransportClosed. Returns an error if the next frame is a Reply.
func (t *Transport) ReceiveMessage() (*wire.Message, error) {
	msg, reply, err := t.ReceiveAny()
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return nil, fmt.Errorf("%w: expected message, got reply", ErrTransportClosed)
	}
	return msg, nil
}

// ReceiveReply blocks until one complete Reply has arrived. Used by test
// tooling and cmd/vpcie-probe, which play the root-complex role. Returns
// an error if the next frame is a Message.
func (t *Transport) ReceiveReply() (*wire.Reply, error) {
	msg, reply, err := t.ReceiveAny()
	if err != nil {
		return nil, err
	}
	if msg != nil {
		return nil, fmt.Errorf("%w: expected reply, got message op %s", ErrTransportClosed, msg.Op)
	}
	return reply, nil
}

// ReceiveAny blocks until one complete frame has arrived and returns it as
// either a Message or a Reply (exactly one of the two is non-nil on
// success). Callers that can see both unsolicited pushed Messages and
// Replies to their own requests interleaved on the same connection (e.g.
// a root-complex-side tool driving a Bridge-backed device) should use
// this instead of ReceiveMessage/ReceiveReply.
func (t *Transport) ReceiveAny() (*wire.Message, *wire.Reply, error) {
	envelopeSize, err := wire.ReadHeader(t.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: peer closed", ErrTransportClosed)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	envelope := make([]byte, envelopeSize)
	if _, err := io.ReadFull(t.conn, envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: short read: %v", ErrTransportClosed, err)
	}

	if wire.IsReplyEnvelope(envelopeSize) {
		reply, err := wire.UnmarshalReply(envelope)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		return nil, reply, nil
	}

	msg, err := wire.UnmarshalMessage(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return msg, nil, nil
}

// Close tears down the connection and, if present, the listener.
func (t *Transport) Close() error {
	var firstErr error
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
