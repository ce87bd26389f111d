package atasim

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"lux9/userspace/drivers/ata"
)

// DefaultMaxTransfer is the sectors-per-transfer limit a Device reports when
// none is set.
const DefaultMaxTransfer = 16

// Image is backing storage for a Device, such as a disk image file.
type Image interface {
	io.ReaderAt
	io.WriterAt
}

// Device is one simulated drive. The exported fields describe it and must be
// set before it is attached.
type Device struct {
	Sectors     uint64
	Model       string
	Serial      string
	Firmware    string
	MaxTransfer uint8 // DefaultMaxTransfer when zero
	NoLBA       bool  // clear the LBA capability bit

	// Type picks the signature left in LBA mid/high after IDENTIFY.
	// Signature is used instead when Type is ata.DeviceUnknown.
	Type      ata.DeviceType
	Signature [2]uint8

	BusyPolls   int         // status reads that show BSY after every command
	StuckBusy   bool        // never drop BSY
	FailCommand ata.Command // abort this command with ERR/ABRT

	// Image holds the sectors. A sparse in-memory store is used when nil.
	Image Image

	mu       sync.Mutex
	sparse   map[uint64]*[ata.SectorSize]byte
	flushes  int
	commands []ata.Command

	// Command state, guarded by the owning controller.
	status ata.Status
	errReg ata.ErrorBits
	busy   int
	cmd    ata.Command
	buf    [ata.SectorSize]byte
	off    int
	lba    uint64
	left   uint64
}

func (d *Device) maxTransfer() uint8 {
	if d.MaxTransfer == 0 {
		return DefaultMaxTransfer
	}
	return d.MaxTransfer
}

func (d *Device) signature() (mid, high uint8) {
	switch d.Type {
	case ata.DevicePATA:
		return 0x00, 0x00
	case ata.DevicePATAPI:
		return 0x14, 0xEB
	case ata.DeviceSATA:
		return 0x3C, 0xC3
	case ata.DeviceSATAPI:
		return 0x69, 0x96
	}
	return d.Signature[0], d.Signature[1]
}

func (d *Device) readSector(lba uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Image != nil {
		clear(dst)
		_, err := d.Image.ReadAt(dst, int64(lba*ata.SectorSize))
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return err
	}
	if s, ok := d.sparse[lba]; ok {
		copy(dst, s[:])
	} else {
		clear(dst)
	}
	return nil
}

func (d *Device) writeSector(lba uint64, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Image != nil {
		_, err := d.Image.WriteAt(src, int64(lba*ata.SectorSize))
		return err
	}
	if d.sparse == nil {
		d.sparse = make(map[uint64]*[ata.SectorSize]byte)
	}
	s := new([ata.SectorSize]byte)
	copy(s[:], src)
	d.sparse[lba] = s
	return nil
}

// Load writes data into the medium at byte offset off, bypassing the
// register interface.
func (d *Device) Load(off uint64, data []byte) error {
	var sector [ata.SectorSize]byte
	for len(data) > 0 {
		lba, in := off/ata.SectorSize, int(off%ata.SectorSize)
		if err := d.readSector(lba, sector[:]); err != nil {
			return err
		}
		n := copy(sector[in:], data)
		if err := d.writeSector(lba, sector[:]); err != nil {
			return err
		}
		data = data[n:]
		off += uint64(n)
	}
	return nil
}

// Bytes returns n bytes of the medium starting at off.
func (d *Device) Bytes(off uint64, n int) []byte {
	out := make([]byte, 0, n)
	var sector [ata.SectorSize]byte
	for len(out) < n {
		lba, in := off/ata.SectorSize, int(off%ata.SectorSize)
		if err := d.readSector(lba, sector[:]); err != nil {
			break
		}
		chunk := sector[in:]
		if len(chunk) > n-len(out) {
			chunk = chunk[:n-len(out)]
		}
		out = append(out, chunk...)
		off += uint64(len(chunk))
	}
	return out
}

// Flushes counts completed cache flush commands.
func (d *Device) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Commands lists every command the device was given, in order.
func (d *Device) Commands() []ata.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ata.Command(nil), d.commands...)
}

func (d *Device) logCommand(c ata.Command) {
	d.mu.Lock()
	d.commands = append(d.commands, c)
	if c == ata.CmdCacheFlush || c == ata.CmdCacheFlushExt {
		d.flushes++
	}
	d.mu.Unlock()
}

// identify builds the IDENTIFY DEVICE response.
func (d *Device) identify() [ata.SectorSize]byte {
	var b [ata.SectorSize]byte
	le := binary.LittleEndian
	put := func(word int, v uint16) { le.PutUint16(b[2*word:], v) }

	cyl := d.Sectors / (16 * 63)
	if cyl > 16383 {
		cyl = 16383
	}
	put(0, 0x0040) // fixed, non-removable
	put(1, uint16(cyl))
	put(3, 16)
	put(6, 63)
	putText(b[2*10:2*20], d.Serial)
	putText(b[2*23:2*27], d.Firmware)
	putText(b[2*27:2*47], d.Model)
	put(47, 0x8000|uint16(d.maxTransfer()))
	if !d.NoLBA {
		put(49, 1<<9)
	}
	if d.Sectors <= ata.MaxLBA28 {
		le.PutUint32(b[2*60:], uint32(d.Sectors))
	}
	put(80, 1<<6 | 1<<5 | 1<<4) // ATA/ATAPI-4 to -6
	put(83, 1<<14 | 1<<10)      // 48-bit feature set supported
	put(86, 1<<10)
	le.PutUint64(b[2*100:], d.Sectors)

	b[510] = 0xA5
	var sum uint8
	for _, v := range b[:511] {
		sum += v
	}
	b[511] = -sum
	return b
}

// putText space-pads s into dst and swaps each byte pair the way drives
// transmit identify strings.
func putText(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = dst[i+1], dst[i]
	}
}
