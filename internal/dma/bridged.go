package dma

import (
	"context"
	"log/slog"

	"github.com/tinyrange/vpcie/internal/bridge"
)

// BridgedLoopback is the second reference device: a trivial register file
// with no in-process BARHandler of its own. Every access crosses the
// Bridge to a separate goroutine (standing in for a foreign simulation
// thread) that simply remembers what was written and echoes it back on
// read — the minimal vehicle for exercising a full round trip through
// Bridge.Next/AccessRequest.Reply end to end. It never pushes outbound
// messages.
type BridgedLoopback struct {
	log   *slog.Logger
	store map[uint64][8]byte
}

// NewBridgedLoopback creates an empty loopback register file.
func NewBridgedLoopback(log *slog.Logger) *BridgedLoopback {
	if log == nil {
		log = slog.Default()
	}
	return &BridgedLoopback{log: log, store: make(map[uint64][8]byte)}
}

// Run consumes AccessRequests from br until ctx is cancelled. Call this
// as the body of the
// foreign-thread goroutine, after wiring br.ForBAR(index) into an
// endpoint.Endpoint with RegisterBAR.
func (l *BridgedLoopback) Run(ctx context.Context, br *bridge.Bridge) {
	for {
		req, ok := br.Next(ctx)
		if !ok {
			return
		}
		if req.IsRead {
			val := l.store[req.Addr]
			req.Reply(val[:req.Size])
			continue
		}
		var val [8]byte
		copy(val[:], req.Data[:req.Size])
		l.store[req.Addr] = val
	}
}
