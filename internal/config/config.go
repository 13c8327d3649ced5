// Package config resolves the settings an endpoint process needs —
// listen/peer addresses, vendor/device IDs, BAR sizes — from three
// layers applied in order: compiled-in defaults, an optional YAML device
// descriptor, then environment variable overrides, matching the original
// bootstrap's "defaults, then descriptor, then env override" precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default network endpoints, matching the original glue code's constants.
const (
	DefaultListenAddr = "127.0.0.1"
	DefaultListenPort = "42425"
	DefaultPeerAddr   = "127.0.0.1"
	DefaultPeerPort   = "42424"

	DefaultVendorID uint16 = 0x2a2a
	DefaultDeviceID uint16 = 0x2b2b
)

// BARConfig describes one BAR slot from a device descriptor: Size 0
// leaves the BAR disabled.
type BARConfig struct {
	Index int    `yaml:"index"`
	Size  uint64 `yaml:"-"`

	// SizeHex is the YAML-facing field; Size is derived from it by LoadDescriptor.
	SizeHex string `yaml:"sizeHex"`
}

// Descriptor is the shape of a YAML device descriptor file.
type Descriptor struct {
	VendorID uint16      `yaml:"-"`
	DeviceID uint16      `yaml:"-"`
	BARs     []BARConfig `yaml:"bars"`

	VendorIDHex string `yaml:"vendorID"`
	DeviceIDHex string `yaml:"deviceID"`
}

// Config is the fully resolved, process-ready configuration.
type Config struct {
	ListenAddr string
	ListenPort string
	PeerAddr   string
	PeerPort   string

	VendorID uint16
	DeviceID uint16

	// BARSizes[i] is the size of BAR i, or 0 if disabled.
	BARSizes [6]uint64
}

// ListenNetAddr returns the "host:port" address to listen on.
func (c *Config) ListenNetAddr() string {
	return joinAddr(c.ListenAddr, c.ListenPort)
}

// PeerNetAddr returns the "host:port" address of the peer to dial.
func (c *Config) PeerNetAddr() string {
	return joinAddr(c.PeerAddr, c.PeerPort)
}

func joinAddr(addr, port string) string {
	return fmt.Sprintf("%s:%s", addr, port)
}

// LoadDescriptor parses a YAML device descriptor file at path.
func LoadDescriptor(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read descriptor %s: %w", path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("config: parse descriptor %s: %w", path, err)
	}
	if d.VendorIDHex != "" {
		v, err := parseHexUint16(d.VendorIDHex)
		if err != nil {
			return nil, fmt.Errorf("config: descriptor vendorID: %w", err)
		}
		d.VendorID = v
	}
	if d.DeviceIDHex != "" {
		v, err := parseHexUint16(d.DeviceIDHex)
		if err != nil {
			return nil, fmt.Errorf("config: descriptor deviceID: %w", err)
		}
		d.DeviceID = v
	}
	for i := range d.BARs {
		if d.BARs[i].SizeHex == "" {
			continue
		}
		v, err := strconv.ParseUint(trimHexPrefix(d.BARs[i].SizeHex), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("config: descriptor bar[%d] size: %w", i, err)
		}
		d.BARs[i].Size = v
	}
	return &d, nil
}

// Resolve builds a Config from compiled-in defaults, an optional
// descriptor (nil if none was loaded), and the process environment,
// applied in that precedence order.
func Resolve(descriptor *Descriptor) (*Config, error) {
	c := &Config{
		ListenAddr: DefaultListenAddr,
		ListenPort: DefaultListenPort,
		PeerAddr:   DefaultPeerAddr,
		PeerPort:   DefaultPeerPort,
		VendorID:   DefaultVendorID,
		DeviceID:   DefaultDeviceID,
	}

	if descriptor != nil {
		if descriptor.VendorID != 0 {
			c.VendorID = descriptor.VendorID
		}
		if descriptor.DeviceID != 0 {
			c.DeviceID = descriptor.DeviceID
		}
		for _, bar := range descriptor.BARs {
			if bar.Index < 0 || bar.Index >= len(c.BARSizes) {
				return nil, fmt.Errorf("config: descriptor bar index %d out of range", bar.Index)
			}
			c.BARSizes[bar.Index] = bar.Size
		}
	}

	if v, ok := os.LookupEnv("PCIE_INET_LADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv("PCIE_INET_LPORT"); ok {
		c.ListenPort = v
	}
	if v, ok := os.LookupEnv("PCIE_INET_RADDR"); ok {
		c.PeerAddr = v
	}
	if v, ok := os.LookupEnv("PCIE_INET_RPORT"); ok {
		c.PeerPort = v
	}
	if v, ok := os.LookupEnv("PCIE_VENDOR_ID"); ok {
		id, err := parseHexUint16(v)
		if err != nil {
			return nil, fmt.Errorf("config: PCIE_VENDOR_ID: %w", err)
		}
		c.VendorID = id
	}
	if v, ok := os.LookupEnv("PCIE_DEVICE_ID"); ok {
		id, err := parseHexUint16(v)
		if err != nil {
			return nil, fmt.Errorf("config: PCIE_DEVICE_ID: %w", err)
		}
		c.DeviceID = id
	}
	for i := range c.BARSizes {
		key := fmt.Sprintf("PCIE_BAR%d_SIZE", i)
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		size, err := strconv.ParseUint(trimHexPrefix(v), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
		c.BARSizes[i] = size
	}

	return c, nil
}

func parseHexUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(trimHexPrefix(s), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
