// Package pci describes PCI functions well enough to bring up the devices
// behind them, and finds them through the Linux sysfs tree.
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultRoot is where Linux exposes PCI functions.
const DefaultRoot = "/sys/bus/pci/devices"

const (
	ClassMassStorage = 0x01
	SubclassIDE      = 0x01

	configHeaderLen = 64
)

// Location identifies a PCI function.
type Location struct {
	Domain uint16
	Bus    uint8
	Slot   uint8
	Func   uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", l.Domain, l.Bus, l.Slot, l.Func)
}

// ParseLocation parses the "dddd:bb:ss.f" form used by sysfs.
func ParseLocation(s string) (Location, error) {
	var l Location
	if _, err := fmt.Sscanf(s, "%x:%x:%x.%x", &l.Domain, &l.Bus, &l.Slot, &l.Func); err != nil {
		return Location{}, fmt.Errorf("pci: bad location %q: %w", s, err)
	}
	return l, nil
}

// Descriptor is the part of a function's configuration header a driver
// needs: identity, class and base address registers.
type Descriptor struct {
	Location Location
	VendorID uint16
	DeviceID uint16
	Class    uint8
	Subclass uint8
	ProgIF   uint8
	BARs     [6]uint32
}

// IsIDE reports whether the function is an IDE mass storage controller.
func (d *Descriptor) IsIDE() bool {
	return d.Class == ClassMassStorage && d.Subclass == SubclassIDE
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%v [%04x:%04x] class %02x.%02x.%02x", d.Location,
		d.VendorID, d.DeviceID, d.Class, d.Subclass, d.ProgIF)
}

// Legacy returns a descriptor with all-zero BARs, which makes an IDE
// controller fall back to the compatibility-mode ports.
func Legacy() *Descriptor {
	return &Descriptor{Class: ClassMassStorage, Subclass: SubclassIDE}
}

// header is the type-0 configuration header layout.
type header struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	ProgIF        uint8
	Subclass      uint8
	Class         uint8
	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8
	BARs          [6]uint32
}

// Parse decodes a raw configuration header.
func Parse(loc Location, config []byte) (*Descriptor, error) {
	if len(config) < configHeaderLen {
		return nil, fmt.Errorf("pci: %v: config header is %d bytes", loc, len(config))
	}
	var h header
	if err := binary.Read(bytes.NewReader(config), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("pci: %v: %w", loc, err)
	}
	return &Descriptor{
		Location: loc,
		VendorID: h.VendorID,
		DeviceID: h.DeviceID,
		Class:    h.Class,
		Subclass: h.Subclass,
		ProgIF:   h.ProgIF,
		BARs:     h.BARs,
	}, nil
}

// Scan reads every function under root. A missing root yields no devices.
func Scan(root string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var devs []*Descriptor
	for _, e := range entries {
		loc, err := ParseLocation(e.Name())
		if err != nil {
			continue
		}
		config, err := os.ReadFile(filepath.Join(root, e.Name(), "config"))
		if err != nil {
			return nil, fmt.Errorf("pci: %v: %w", loc, err)
		}
		d, err := Parse(loc, config)
		if err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool {
		return devs[i].Location.String() < devs[j].Location.String()
	})
	return devs, nil
}

// FindIDE returns the IDE controllers under root.
func FindIDE(root string) ([]*Descriptor, error) {
	all, err := Scan(root)
	if err != nil {
		return nil, err
	}
	var ide []*Descriptor
	for _, d := range all {
		if d.IsIDE() {
			ide = append(ide, d)
		}
	}
	return ide, nil
}

// Lookup finds the function at loc under root.
func Lookup(root string, loc Location) (*Descriptor, error) {
	config, err := os.ReadFile(filepath.Join(root, loc.String(), "config"))
	if err != nil {
		return nil, fmt.Errorf("pci: %v: %w", loc, err)
	}
	return Parse(loc, config)
}
