// Package endpoint models the PCI-visible state of a single simulated PCIe
// function: its 4 KiB configuration space, its six BAR windows, MSI
// delivery, and the single-entry deferred-task slot that drives
// asynchronous device behaviour. An Endpoint's state — configuration
// space, BAR table, deferred-task slot — must only be touched from the
// goroutine running the owning eventloop.EventLoop; it performs no
// internal locking of its own.
package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vpcie/internal/pciregs"
	"github.com/tinyrange/vpcie/internal/transport"
	"github.com/tinyrange/vpcie/internal/wire"
)

// ErrOutOfRangeConfig reports a config access whose [addr, addr+width)
// range falls outside the 4 KiB configuration space. It is never
// propagated to the peer: reads degrade to all-ones, writes are dropped.
var ErrOutOfRangeConfig = errors.New("endpoint: config access out of range")

// BARHandler implements the read/write semantics behind one active BAR.
// This is the capability-interface replacement for the original C
// device's opaque-pointer-plus-function-pointer pair: the Endpoint holds
// one BARHandler per active slot instead of a (fn, void*) tuple.
type BARHandler interface {
	// OnRead must return exactly size bytes read from addr.
	OnRead(addr uint64, size uint8) []byte
	// OnWrite delivers a write of data (len(data) == size) at addr.
	OnWrite(addr uint64, data []byte)
}

type barSlot struct {
	active  bool
	size    uint64
	handler BARHandler
}

// Endpoint owns one device's configuration space, BAR table, and MSI
// sender.
type Endpoint struct {
	log *slog.Logger

	config [pciregs.ConfigSpaceSize]byte
	bars   [pciregs.BARCount]barSlot

	tx *transport.Transport

	taskTimer *time.Timer
	taskFn    func()
}

// New creates an Endpoint with the standard PCI header filled in for
// vendorID/deviceID and a single 32-bit MSI capability record, matching
// init_common() in the original pcie.c.
func New(vendorID, deviceID uint16, tx *transport.Transport, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	e := &Endpoint{log: log, tx: tx}

	binary.LittleEndian.PutUint16(e.config[pciregs.VendorID:], vendorID)
	binary.LittleEndian.PutUint16(e.config[pciregs.DeviceID:], deviceID)
	e.config[pciregs.HeaderType] = 0
	binary.LittleEndian.PutUint32(e.config[pciregs.ClassRevision:], pciregs.ClassSignalOther<<16)
	binary.LittleEndian.PutUint16(e.config[pciregs.Status:], pciregs.StatusCapList)

	e.config[pciregs.CapabilityList] = pciregs.MSICapOffset
	e.config[pciregs.MSICapOffset+0x00] = pciregs.MSICapID
	e.config[pciregs.MSICapOffset+0x01] = pciregs.MSICapNext
	binary.LittleEndian.PutUint16(e.config[pciregs.MSICapOffset+0x02:], pciregs.MSIMessageControl32)

	return e
}

// RegisterBAR activates BAR index with the given power-of-two size and
// handler. Size 0 (the PCIE_BARn_SIZE=0 convention from §6) is equivalent
// to leaving the BAR inactive and is rejected here; callers should simply
// not call RegisterBAR for a disabled BAR.
func (e *Endpoint) RegisterBAR(index int, size uint64, handler BARHandler) error {
	if index < 0 || index >= pciregs.BARCount {
		return fmt.Errorf("endpoint: BAR index %d out of range", index)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("endpoint: BAR size %#x must be a non-zero power of two", size)
	}
	e.bars[index] = barSlot{active: true, size: size, handler: handler}
	return nil
}

// ReadConfig returns width bytes read at addr. Widths of 1, 2, 4 and 8 are
// accepted (width 8 for symmetry with the wire protocol, per the resolved
// Open Question); an out-of-range access returns all-ones.
func (e *Endpoint) ReadConfig(addr uint64, width uint8) []byte {
	out := make([]byte, width)
	w := uint64(width)
	if w > pciregs.ConfigSpaceSize || addr > pciregs.ConfigSpaceSize-w {
		fillOnes(out)
		return out
	}
	copy(out, e.config[addr:addr+w])
	return out
}

// WriteConfig stores data (len(data) == width) at addr, applying the BAR
// masking and ROM-BAR-is-read-only rules of invariant 3. Out-of-range
// writes and width mismatches are silently dropped.
func (e *Endpoint) WriteConfig(addr uint64, width uint8, data []byte) {
	w := uint64(width)
	if w > pciregs.ConfigSpaceSize || addr > pciregs.ConfigSpaceSize-w {
		return
	}
	if len(data) < int(width) {
		return
	}

	if addr == pciregs.ROMAddress {
		return
	}

	if idx, ok := pciregs.BARIndex(addr); ok && width == 4 {
		size := e.bars[idx].size
		value := binary.LittleEndian.Uint32(data)
		// An inactive BAR has size 0, so size-1 masks every bit and the
		// register reads back as 0.
		value &^= uint32(size - 1)
		binary.LittleEndian.PutUint32(e.config[addr:], value)
		return
	}

	copy(e.config[addr:addr+uint64(width)], data[:width])
}

// ReadMem returns width bytes read from bar at addr. An inactive BAR or
// one with no read handler returns all-ones, matching real hardware
// tolerating an access to an unmapped window.
func (e *Endpoint) ReadMem(bar uint8, addr uint64, width uint8) []byte {
	out := make([]byte, width)
	fillOnes(out)
	if int(bar) >= pciregs.BARCount {
		return out
	}
	slot := e.bars[bar]
	if !slot.active || slot.handler == nil {
		return out
	}
	got := slot.handler.OnRead(addr, width)
	copy(out, got)
	return out
}

// WriteMem delivers a write of data to bar at addr, or drops it silently
// if the BAR is inactive or has no write handler.
func (e *Endpoint) WriteMem(bar uint8, addr uint64, data []byte) {
	if int(bar) >= pciregs.BARCount {
		return
	}
	slot := e.bars[bar]
	if !slot.active || slot.handler == nil {
		return
	}
	slot.handler.OnWrite(addr, data)
}

// ReadIO is stubbed per §4.2 and always returns all-ones.
func (e *Endpoint) ReadIO(width uint8) []byte {
	out := make([]byte, width)
	fillOnes(out)
	return out
}

// WriteIO is stubbed per §4.2 and is a no-op.
func (e *Endpoint) WriteIO(uint8, []byte) {}

// SendMSI enqueues an MSI message (op=MSI, 8 zero data bytes) on the
// Endpoint's Transport sender, which serializes it against any in-flight
// reply per invariant 4.
func (e *Endpoint) SendMSI() error {
	msg := &wire.Message{Op: wire.OpMSI, Data: make([]byte, wire.ReplyDataSize)}
	if err := e.tx.SendMessage(msg); err != nil {
		return fmt.Errorf("endpoint: send MSI: %w", err)
	}
	return nil
}

// Schedule installs fn to run after delay, replacing any task currently
// pending (at most one task is ever queued, matching the original
// single-entry slot). fn runs on whatever goroutine consumes
// PendingTimerC/FireTask — in this runtime, the EventLoop goroutine —
// so fn may safely touch config space, the BAR table, or call Schedule
// again to reschedule itself.
func (e *Endpoint) Schedule(delay time.Duration, fn func()) {
	if e.taskTimer != nil {
		e.taskTimer.Stop()
	}
	e.taskTimer = time.NewTimer(delay)
	e.taskFn = fn
}

// PendingTimerC returns the channel the EventLoop should select on to
// learn when the pending deferred task (if any) is due. It returns nil —
// which blocks forever in a select, modeling an infinite select() timeout
// — when no task is scheduled.
func (e *Endpoint) PendingTimerC() <-chan time.Time {
	if e.taskTimer == nil {
		return nil
	}
	return e.taskTimer.C
}

// FireTask clears the pending-task slot and runs its callback. The slot
// is cleared before the callback runs so that the callback may call
// Schedule again to reschedule itself, per the lifecycle rule in §3.
func (e *Endpoint) FireTask() {
	fn := e.taskFn
	e.taskTimer = nil
	e.taskFn = nil
	if fn != nil {
		fn()
	}
}

func fillOnes(b []byte) {
	for i := range b {
		b[i] = 0xff
	}
}
