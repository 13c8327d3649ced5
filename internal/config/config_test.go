package config

import (
	"os"
	"testing"
)

func TestResolveDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.VendorID != DefaultVendorID || c.DeviceID != DefaultDeviceID {
		t.Fatalf("got vendor=%#x device=%#x, want defaults", c.VendorID, c.DeviceID)
	}
	if c.ListenNetAddr() != DefaultListenAddr+":"+DefaultListenPort {
		t.Fatalf("got %s, want default listen addr", c.ListenNetAddr())
	}
}

func TestResolveDescriptorThenEnvOverride(t *testing.T) {
	clearEnv(t)
	descriptor := &Descriptor{VendorID: 0x1111, DeviceID: 0x2222}
	descriptor.BARs = []BARConfig{{Index: 0, Size: 0x100}}

	t.Setenv("PCIE_VENDOR_ID", "0x3333")

	c, err := Resolve(descriptor)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Env wins over the descriptor.
	if c.VendorID != 0x3333 {
		t.Fatalf("vendor id = %#x, want 0x3333 (env override)", c.VendorID)
	}
	// Descriptor wins over the compiled default when env is absent.
	if c.DeviceID != 0x2222 {
		t.Fatalf("device id = %#x, want 0x2222 (descriptor)", c.DeviceID)
	}
	if c.BARSizes[0] != 0x100 {
		t.Fatalf("bar0 size = %#x, want 0x100", c.BARSizes[0])
	}
}

func TestResolveBARSizeEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("PCIE_BAR2_SIZE", "0x1000")

	c, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.BARSizes[2] != 0x1000 {
		t.Fatalf("bar2 size = %#x, want 0x1000", c.BARSizes[2])
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PCIE_INET_LADDR", "PCIE_INET_LPORT", "PCIE_INET_RADDR", "PCIE_INET_RPORT",
		"PCIE_VENDOR_ID", "PCIE_DEVICE_ID",
		"PCIE_BAR0_SIZE", "PCIE_BAR1_SIZE", "PCIE_BAR2_SIZE", "PCIE_BAR3_SIZE", "PCIE_BAR4_SIZE", "PCIE_BAR5_SIZE",
	} {
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("Unsetenv %s: %v", key, err)
		}
	}
}
