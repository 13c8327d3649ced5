package endpoint

import (
	"testing"
	"time"

	"github.com/tinyrange/vpcie/internal/pciregs"
)

func newTestEndpoint() *Endpoint {
	return New(0x2a2a, 0x2b2b, nil, nil)
}

func TestVendorDeviceIDProbe(t *testing.T) {
	e := newTestEndpoint()

	vendor := e.ReadConfig(pciregs.VendorID, 2)
	if vendor[0] != 0x2a || vendor[1] != 0x2a {
		t.Fatalf("vendor id = % x, want 2a 2a", vendor)
	}
	device := e.ReadConfig(pciregs.DeviceID, 2)
	if device[0] != 0x2b || device[1] != 0x2b {
		t.Fatalf("device id = % x, want 2b 2b", device)
	}
}

func TestConfigWriteReadRoundTrip(t *testing.T) {
	e := newTestEndpoint()

	// Pick an offset outside the header/capability area so masking rules
	// don't apply.
	const addr = 0x100
	want := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	e.WriteConfig(addr, 4, want)
	got := e.ReadConfig(addr, 4)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round trip mismatch at %d: got % x, want % x", i, got, want)
		}
	}
}

func TestConfigReadOutOfRangeReturnsAllOnes(t *testing.T) {
	e := newTestEndpoint()
	got := e.ReadConfig(pciregs.ConfigSpaceSize-1, 4)
	for _, b := range got {
		if b != 0xff {
			t.Fatalf("out-of-range read = % x, want all-ones", got)
		}
	}
}

func TestBARAddressWriteMasksLowBits(t *testing.T) {
	e := newTestEndpoint()
	if err := e.RegisterBAR(0, 0x100, &stubHandler{}); err != nil {
		t.Fatalf("RegisterBAR: %v", err)
	}

	e.WriteConfig(pciregs.BaseAddress0, 4, []byte{0xff, 0xff, 0xff, 0xff})
	got := e.ReadConfig(pciregs.BaseAddress0, 4)
	want := []byte{0x00, 0xff, 0xff, 0xff}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bar masking: got % x, want % x", got, want)
		}
	}
}

func TestROMAddressWriteIsDropped(t *testing.T) {
	e := newTestEndpoint()
	before := e.ReadConfig(pciregs.ROMAddress, 4)
	e.WriteConfig(pciregs.ROMAddress, 4, []byte{1, 2, 3, 4})
	after := e.ReadConfig(pciregs.ROMAddress, 4)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("ROM BAR write was not dropped: before=% x after=% x", before, after)
		}
	}
}

func TestReadMemInactiveBARReturnsAllOnes(t *testing.T) {
	e := newTestEndpoint()
	got := e.ReadMem(0, 0, 4)
	for _, b := range got {
		if b != 0xff {
			t.Fatalf("inactive BAR read = % x, want all-ones", got)
		}
	}
}

func TestReadWriteMemDispatchesToHandler(t *testing.T) {
	e := newTestEndpoint()
	h := &stubHandler{store: make(map[uint64]byte)}
	if err := e.RegisterBAR(2, 0x1000, h); err != nil {
		t.Fatalf("RegisterBAR: %v", err)
	}

	e.WriteMem(2, 0x10, []byte{0x42})
	got := e.ReadMem(2, 0x10, 1)
	if got[0] != 0x42 {
		t.Fatalf("got %#x, want 0x42", got[0])
	}
}

func TestScheduleFiresNoEarlierThanDelay(t *testing.T) {
	e := newTestEndpoint()
	const delay = 20 * time.Millisecond

	start := time.Now()
	fired := make(chan time.Time, 1)
	e.Schedule(delay, func() { fired <- time.Now() })

	select {
	case <-e.PendingTimerC():
		e.FireTask()
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}

	elapsed := (<-fired).Sub(start)
	if elapsed < delay {
		t.Fatalf("task fired after %v, want at least %v", elapsed, delay)
	}
}

func TestPendingTimerCIsNilWithNoTask(t *testing.T) {
	e := newTestEndpoint()
	if e.PendingTimerC() != nil {
		t.Fatal("expected nil channel when no task is scheduled")
	}
}

func TestRegisterBARRejectsNonPowerOfTwoSize(t *testing.T) {
	e := newTestEndpoint()
	if err := e.RegisterBAR(0, 0x123, &stubHandler{}); err == nil {
		t.Fatal("expected error for non-power-of-two BAR size")
	}
}

type stubHandler struct {
	store map[uint64]byte
}

func (h *stubHandler) OnRead(addr uint64, size uint8) []byte {
	out := make([]byte, size)
	if h.store != nil {
		for i := range out {
			out[i] = h.store[addr+uint64(i)]
		}
	}
	return out
}

func (h *stubHandler) OnWrite(addr uint64, data []byte) {
	if h.store == nil {
		return
	}
	for i, b := range data {
		h.store[addr+uint64(i)] = b
	}
}
