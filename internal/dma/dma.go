// Package dma implements the reference DMA device shipped as an example
// device for the endpoint/eventloop runtime: a BRAM-backed block mover
// addressable through five 32-bit registers on BAR0, grounded on
// d_in_c/main_dma.c's dma_t.
//
// Register layout (byte offsets within BAR0, little-endian u32 each):
//
//	CTL  0x00  bit31 starts a transfer, bit30 requests an MSI on completion,
//	           bits[15:0] are copied into STA on completion (a transfer
//	           always moves the whole BRAM, whatever these bits say)
//	STA  0x04  bit31 set when the last transfer completed, bits[15:0] a
//	           copy of the latched CTL[15:0]
//	ADL  0x08  low 32 bits of the destination address
//	ADH  0x0c  high 32 bits of the destination address
//	BAZ  0x10  byte value added (mod 256) to every transferred byte
package dma

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vpcie/internal/endpoint"
	"github.com/tinyrange/vpcie/internal/transport"
	"github.com/tinyrange/vpcie/internal/wire"
)

const (
	regCTL  = 0x00
	regSTA  = 0x04
	regADL  = 0x08
	regADH  = 0x0c
	regBAZ  = 0x10
	regSize = 0x14

	ctlStart    = uint32(1) << 31
	ctlMSI      = uint32(1) << 30
	ctlSizeMask = uint32(0xffff)
	staDone     = uint32(1) << 31

	// DefaultBARSize is the power-of-two BAR0 window the original device
	// registers (0x100 bytes; regSize of it is live register space).
	DefaultBARSize = 0x100

	// DefaultBRAMSize is the original's fixed 32 KiB BRAM (8 * 0x1000).
	DefaultBRAMSize = 8 * 0x1000

	// chunkSize is the largest single WRITE_MEM push per transfer, matching
	// the original's one-page-per-message limit.
	chunkSize = 0x1000

	// completionDelay is the simulated transfer latency before
	// finalizeTransfer runs, matching pcie_add_task(dev, 1000, ...).
	completionDelay = time.Millisecond
)

// Device is the in-process reference DMA device: an endpoint.BARHandler
// driven directly on the EventLoop goroutine, with no Bridge involved.
type Device struct {
	log *slog.Logger
	ep  *endpoint.Endpoint
	tx  *transport.Transport

	regs [regSize]byte
	bram []byte

	savedCTL uint32
	savedADL uint32
	savedADH uint32
	savedBAZ byte
}

// New creates a Device with a bram of bramSize bytes filled with the
// increasing pattern bram[i] = byte(i), matching the original's
// initialization loop. bramSize <= 0 selects DefaultBRAMSize.
func New(bramSize int, ep *endpoint.Endpoint, tx *transport.Transport, log *slog.Logger) *Device {
	if bramSize <= 0 {
		bramSize = DefaultBRAMSize
	}
	if log == nil {
		log = slog.Default()
	}
	bram := make([]byte, bramSize)
	for i := range bram {
		bram[i] = byte(i)
	}
	return &Device{log: log, ep: ep, tx: tx, bram: bram}
}

// Attach registers the Device on BAR index with DefaultBARSize.
func (d *Device) Attach(index int) error {
	if err := d.ep.RegisterBAR(index, DefaultBARSize, d); err != nil {
		return fmt.Errorf("dma: attach: %w", err)
	}
	return nil
}

// OnRead implements endpoint.BARHandler.
func (d *Device) OnRead(addr uint64, size uint8) []byte {
	out := make([]byte, size)
	s := uint64(size)
	if s > regSize || addr > regSize-s {
		for i := range out {
			out[i] = 0xff
		}
		return out
	}
	copy(out, d.regs[addr:addr+s])
	return out
}

// OnWrite implements endpoint.BARHandler. A write that sets CTL bit31
// latches the current register values and schedules finalizeTransfer.
func (d *Device) OnWrite(addr uint64, data []byte) {
	n := uint64(len(data))
	if n > regSize || addr > regSize-n {
		return
	}
	copy(d.regs[addr:], data)

	if addr != regCTL {
		return
	}

	ctl := binary.LittleEndian.Uint32(d.regs[regCTL:])
	if ctl&ctlStart == 0 {
		return
	}

	d.savedCTL = ctl
	d.savedADL = binary.LittleEndian.Uint32(d.regs[regADL:])
	d.savedADH = binary.LittleEndian.Uint32(d.regs[regADH:])
	d.savedBAZ = d.regs[regBAZ]

	binary.LittleEndian.PutUint32(d.regs[regSTA:], 0)
	d.ep.Schedule(completionDelay, d.finalizeTransfer)
}

// finalizeTransfer runs on the EventLoop goroutine (via
// endpoint.Endpoint's deferred-task slot) once completionDelay has
// elapsed. It streams the whole BRAM out as a sequence of WRITE_MEM
// pushes, each byte offset by savedBAZ, then updates STA and optionally
// raises an MSI.
func (d *Device) finalizeTransfer() {
	destAddr := uint64(d.savedADH)<<32 | uint64(d.savedADL)

	remaining := d.bram
	for len(remaining) > 0 {
		n := chunkSize
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := d.sendChunk(destAddr, remaining[:n]); err != nil {
			d.log.Error("dma: transfer chunk failed", "err", err)
			return
		}
		destAddr += uint64(n)
		remaining = remaining[n:]
	}

	status := staDone | (d.savedCTL & ctlSizeMask)
	binary.LittleEndian.PutUint32(d.regs[regSTA:], status)

	if d.savedCTL&ctlMSI != 0 {
		if err := d.ep.SendMSI(); err != nil {
			d.log.Error("dma: MSI on transfer completion failed", "err", err)
		}
	}
}

func (d *Device) sendChunk(addr uint64, src []byte) error {
	out := make([]byte, len(src))
	for i, b := range src {
		out[i] = b + d.savedBAZ
	}
	msg := &wire.Message{Op: wire.OpWriteMem, Addr: addr, Width: 0, Data: out}
	return d.tx.SendMessage(msg)
}
