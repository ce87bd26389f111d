package storage

import (
	"encoding/binary"
	"fmt"
	"io"

	"lux9/userspace/drivers/ata"
)

const (
	mbrTableOffset = 446
	mbrEntrySize   = 16
	mbrEntries     = 4

	// PartitionTypeGPT marks a protective MBR entry covering a GPT disk.
	PartitionTypeGPT = 0xEE
)

// Partition is a primary MBR partition: a window of sectors on a device.
type Partition struct {
	Number   int
	Type     uint8
	Bootable bool
	StartLBA uint64
	Sectors  uint64

	dev *BlockDevice
}

// EndLBA is the last sector of the partition.
func (p *Partition) EndLBA() uint64 { return p.StartLBA + p.Sectors - 1 }

func (p *Partition) Size() int64 { return int64(p.Sectors * SectorSize) }

func (p *Partition) String() string {
	return fmt.Sprintf("part%d start %d sectors %d type %#02x", p.Number, p.StartLBA, p.Sectors, p.Type)
}

// ReadAt reads relative to the start of the partition and never past its
// end.
func (p *Partition) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= p.Size() {
		if len(b) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	short := false
	if rest := p.Size() - off; int64(len(b)) > rest {
		b = b[:rest]
		short = true
	}
	n, err := p.dev.ReadAt(b, int64(p.StartLBA*SectorSize)+off)
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes relative to the start of the partition. Writes crossing
// the partition end are rejected.
func (p *Partition) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > p.Size() {
		return 0, fmt.Errorf("storage: %s part%d: write of %d bytes at %d: %w",
			p.dev.Name, p.Number, len(b), off, ata.ErrOutOfBounds)
	}
	return p.dev.WriteAt(b, int64(p.StartLBA*SectorSize)+off)
}

// parseMBR decodes the four primary entries of a master boot record.
// Entries that are empty or lie wholly outside the device are skipped;
// entries running past the end are clipped.
func parseMBR(mbr []byte, sectors uint64) ([]*Partition, error) {
	if len(mbr) < SectorSize || mbr[510] != 0x55 || mbr[511] != 0xAA {
		return nil, ErrNoPartitionTable
	}
	var parts []*Partition
	for i := 0; i < mbrEntries; i++ {
		e := mbr[mbrTableOffset+i*mbrEntrySize:][:mbrEntrySize]
		typ := e[4]
		start := uint64(binary.LittleEndian.Uint32(e[8:]))
		count := uint64(binary.LittleEndian.Uint32(e[12:]))
		if typ == 0 || count == 0 || start >= sectors {
			continue
		}
		count = min(count, sectors-start)
		parts = append(parts, &Partition{
			Number:   i + 1,
			Type:     typ,
			Bootable: e[0] == 0x80,
			StartLBA: start,
			Sectors:  count,
		})
	}
	return parts, nil
}
