// Package bridge lets device logic running on a goroutine the EventLoop
// does not schedule — standing in for the "foreign simulation thread" of
// the original design, e.g. an HDL co-simulator — answer BAR reads and
// push outbound writes/MSIs without ever touching the Transport directly.
//
// The original C implementation models rx_queue/tx_queue as mutex-guarded
// linked lists and a single reply_cell guarded by a volatile flag plus a
// full memory barrier. Go's channels already give a single-producer/
// single-consumer FIFO with happens-before ordering for free, so this
// package uses one buffered channel per queue and one buffered,
// capacity-1 reply channel per in-flight read — the literal channel-based
// translation the Design Notes invite ("a channel primitive supplying
// FIFO with back-pressure is an equally good implementation").
package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tinyrange/vpcie/internal/endpoint"
	"github.com/tinyrange/vpcie/internal/eventloop"
	"github.com/tinyrange/vpcie/internal/transport"
	"github.com/tinyrange/vpcie/internal/wire"
)

// DefaultQueueDepth bounds the number of in-flight rx/tx nodes before a
// push is treated as BridgeOverflow and dropped.
const DefaultQueueDepth = 256

// ErrBridgeOverflow marks a request or outbound message dropped because
// its queue was full. It is never fatal: the loop or the foreign thread
// simply never sees the dropped node, matching the original's
// allocation-failure behavior.
var ErrBridgeOverflow = errors.New("bridge: queue full, request dropped")

// AccessRequest is one BAR access handed from the EventLoop goroutine to
// the foreign-thread consumer. For a read, the consumer must eventually
// call Reply; for a write, Data/Size are valid immediately and no reply
// is expected.
type AccessRequest struct {
	IsRead bool
	Bar    uint8
	Addr   uint64
	Size   uint8
	Data   [8]byte

	reply chan [8]byte
}

// Reply answers a read AccessRequest with data (only the first Size bytes
// are used). Calling Reply on a write request, or calling it twice on the
// same read request, is a foreign-thread logic error: per §4.4's failure
// rule it is logged and discarded rather than treated as fatal.
func (r *AccessRequest) Reply(data []byte) {
	if !r.IsRead || r.reply == nil {
		slog.Warn("bridge: reply to a non-read request discarded", "bar", r.Bar, "addr", r.Addr)
		return
	}
	var buf [8]byte
	copy(buf[:], data)
	select {
	case r.reply <- buf:
	default:
		// Already replied once; a second reply indicates no outstanding
		// read-cell remains, matching the "log and discard" rule.
		slog.Warn("bridge: duplicate reply discarded", "bar", r.Bar, "addr", r.Addr)
	}
}

// Bridge is the cross-goroutine adapter. Construct with New, call Attach
// to wire it into an EventLoop/Transport pair, then hand BARHandler (via
// ForBAR) to endpoint.Endpoint.RegisterBAR and drive Next/Push from the
// foreign-thread goroutine.
type Bridge struct {
	log *slog.Logger

	rx chan *AccessRequest
	tx chan *wire.Message

	postPush func()
}

// New creates a Bridge with the given queue depth (DefaultQueueDepth if
// depth <= 0).
func New(depth int, log *slog.Logger) *Bridge {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log: log,
		rx:  make(chan *AccessRequest, depth),
		tx:  make(chan *wire.Message, depth),
	}
}

// Attach registers the Bridge's PUSH handler on el, draining the outbound
// queue to tx whenever the foreign thread calls Push. Must be called
// before EventLoop.Run.
func (b *Bridge) Attach(el *eventloop.EventLoop, tx *transport.Transport) {
	b.postPush = func() { el.PostEvent(eventloop.EventPush) }
	el.On(eventloop.EventPush, func() bool {
		b.drainTx(tx)
		return false
	})
}

func (b *Bridge) drainTx(tx *transport.Transport) {
	for {
		select {
		case msg := <-b.tx:
			if err := tx.SendMessage(msg); err != nil {
				b.log.Error("bridge: send outbound message failed", "op", msg.Op, "err", err)
				return
			}
		default:
			return
		}
	}
}

// ForBAR returns an endpoint.BARHandler that routes reads and writes for
// one BAR index through this Bridge.
func (b *Bridge) ForBAR(bar uint8) endpoint.BARHandler {
	return &barAdapter{bridge: b, bar: bar}
}

type barAdapter struct {
	bridge *Bridge
	bar    uint8
}

func (a *barAdapter) OnRead(addr uint64, size uint8) []byte {
	return a.bridge.onRead(a.bar, addr, size)
}

func (a *barAdapter) OnWrite(addr uint64, data []byte) {
	a.bridge.onWrite(a.bar, addr, data)
}

// onRead runs on the EventLoop goroutine: it enqueues a read node and
// blocks until the foreign thread replies. Exactly one read is ever
// outstanding at a time because the caller (the EventLoop) is itself
// single-threaded and synchronous.
func (b *Bridge) onRead(bar uint8, addr uint64, size uint8) []byte {
	req := &AccessRequest{IsRead: true, Bar: bar, Addr: addr, Size: size, reply: make(chan [8]byte, 1)}

	select {
	case b.rx <- req:
	default:
		b.log.Warn("bridge: dropping read request", "err", ErrBridgeOverflow, "bar", bar, "addr", addr)
		out := make([]byte, size)
		for i := range out {
			out[i] = 0xff
		}
		return out
	}

	data := <-req.reply
	out := make([]byte, size)
	copy(out, data[:])
	return out
}

func (b *Bridge) onWrite(bar uint8, addr uint64, data []byte) {
	req := &AccessRequest{IsRead: false, Bar: bar, Addr: addr, Size: uint8(len(data))}
	copy(req.Data[:], data)
	select {
	case b.rx <- req:
	default:
		b.log.Warn("bridge: dropping write request", "err", ErrBridgeOverflow, "bar", bar, "addr", addr)
	}
}

// Next blocks until an AccessRequest is available or ctx is cancelled.
// The foreign-thread goroutine calls this in a loop.
func (b *Bridge) Next(ctx context.Context) (*AccessRequest, bool) {
	select {
	case req := <-b.rx:
		return req, true
	case <-ctx.Done():
		return nil, false
	}
}

// Push enqueues an outbound Message (a WRITE_MEM push or an MSI) from the
// foreign thread and wakes the EventLoop to drain it. If the outbound
// queue is full the message is dropped (BridgeOverflow) rather than
// blocking the foreign thread.
func (b *Bridge) Push(msg *wire.Message) {
	select {
	case b.tx <- msg:
	default:
		b.log.Warn("bridge: dropping outbound message", "err", ErrBridgeOverflow, "op", msg.Op)
		return
	}
	if b.postPush != nil {
		b.postPush()
	}
}

// SendMSI is a convenience wrapper around Push for the common MSI case.
func (b *Bridge) SendMSI() {
	b.Push(&wire.Message{Op: wire.OpMSI, Data: make([]byte, wire.ReplyDataSize)})
}
