// Package eventloop implements the single-threaded multiplexer that is the
// only consumer of Transport and the only mutator of Endpoint state. It
// models the original C runtime's select() over {transport fd, event pipe,
// pending-task timer} as one goroutine selecting over three Go channels —
// a receiver-goroutine channel standing in for the socket, an event-key
// channel standing in for the pipe, and the Endpoint's deferred-task timer
// channel — per the Design Notes' allowance that a channel primitive is an
// equally good implementation of the FIFOs involved.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vpcie/internal/endpoint"
	"github.com/tinyrange/vpcie/internal/transport"
	"github.com/tinyrange/vpcie/internal/wire"
)

// Event keys. evkBase mirrors the arbitrary base the original glue code
// used (EVK_BASE 0x2a2a2a2a) purely so a stray uninitialized uint32 key is
// unlikely to collide with a real one.
const (
	evkBase  uint32 = 0x2a2a2a2a
	EventQuit uint32 = evkBase + 0
	EventPush uint32 = evkBase + 1
)

// Handler reacts to an event key posted to the loop. It returns stop=true
// to request loop termination, mirroring the original pcie_net_evfn_t's
// "return -1 to exit" contract.
type Handler func() (stop bool)

// EventLoop drives one Endpoint from one Transport. Create with New,
// register any extra event Handlers, then call Run.
type EventLoop struct {
	log *slog.Logger
	tx  *transport.Transport
	ep  *endpoint.Endpoint

	events   chan uint32
	handlers map[uint32]Handler

	closing atomic.Bool
}

// New constructs an EventLoop over tx and ep. The QUIT handler is
// pre-registered; callers add further handlers (e.g. the Bridge's PUSH
// drain) with On before calling Run.
func New(tx *transport.Transport, ep *endpoint.Endpoint, log *slog.Logger) *EventLoop {
	if log == nil {
		log = slog.Default()
	}
	el := &EventLoop{
		log:      log,
		tx:       tx,
		ep:       ep,
		events:   make(chan uint32, 256),
		handlers: make(map[uint32]Handler),
	}
	el.On(EventQuit, func() bool { return true })
	return el
}

// On registers fn to run when key is posted via PostEvent.
func (el *EventLoop) On(key uint32, fn Handler) {
	el.handlers[key] = fn
}

// PostEvent enqueues key for the loop to process, standing in for a write
// to the original runtime's event pipe. Safe to call from any goroutine.
func (el *EventLoop) PostEvent(key uint32) {
	el.events <- key
}

// Quit requests clean termination of the loop (scenario 6: a QUIT key
// causes Run to return nil and the Transport to be closed).
func (el *EventLoop) Quit() {
	el.PostEvent(EventQuit)
}

// Run blocks, servicing transport messages, posted events, and the
// Endpoint's deferred task, until a QUIT event is processed, the peer
// disconnects, or ctx is cancelled. A QUIT event or context cancellation
// both count as graceful shutdown and cause Run to return nil; a
// transport error returns that error (wrapped) instead.
func (el *EventLoop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	msgCh := make(chan *wire.Message)
	g.Go(func() error {
		defer close(msgCh)
		for {
			msg, err := el.tx.ReceiveMessage()
			if err != nil {
				if el.closing.Load() {
					return nil
				}
				return fmt.Errorf("eventloop: receive: %w", err)
			}
			select {
			case msgCh <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return el.dispatch(gctx, msgCh)
	})

	return g.Wait()
}

func (el *EventLoop) dispatch(ctx context.Context, msgCh <-chan *wire.Message) error {
	for {
		select {
		case <-ctx.Done():
			el.shutdown()
			return nil

		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if err := el.handleMessage(msg); err != nil {
				return err
			}

		case key := <-el.events:
			fn, ok := el.handlers[key]
			if !ok {
				el.log.Warn("eventloop: no handler for event key", "key", key)
				continue
			}
			if fn() {
				el.shutdown()
				return nil
			}

		case <-el.ep.PendingTimerC():
			el.ep.FireTask()
		}
	}
}

func (el *EventLoop) handleMessage(msg *wire.Message) error {
	switch msg.Op {
	case wire.OpReadConfig:
		return el.sendReply(el.ep.ReadConfig(msg.Addr, msg.Width))

	case wire.OpWriteConfig:
		el.ep.WriteConfig(msg.Addr, msg.Width, msg.Data)
		return nil

	case wire.OpReadMem:
		return el.sendReply(el.ep.ReadMem(msg.Bar, msg.Addr, msg.Width))

	case wire.OpWriteMem:
		el.ep.WriteMem(msg.Bar, msg.Addr, msg.Data)
		return nil

	case wire.OpReadIO:
		return el.sendReply(el.ep.ReadIO(msg.Width))

	case wire.OpWriteIO:
		el.ep.WriteIO(msg.Width, msg.Data)
		return nil

	default:
		// UnknownOp per §7: non-fatal, no reply, loop continues.
		el.log.Debug("eventloop: unknown op, ignoring", "op", msg.Op)
		return nil
	}
}

func (el *EventLoop) sendReply(data []byte) error {
	r := &wire.Reply{Status: 0}
	copy(r.Data[:], data)
	if err := el.tx.SendReply(r); err != nil {
		return fmt.Errorf("eventloop: send reply: %w", err)
	}
	return nil
}

func (el *EventLoop) shutdown() {
	el.closing.Store(true)
	_ = el.tx.Close()
}
