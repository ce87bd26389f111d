package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"lux9/userspace/drivers/ata"
)

const SectorSize = ata.SectorSize

// Disk is the drive surface a BlockDevice needs. *ata.Drive implements it.
type Disk interface {
	ReadPIO(buf []byte, off uint64) (int, error)
	WritePIO(buf []byte, off uint64) (int, error)
	SizeInBytes() uint64
	MaxTransferSectors() int
	Flush() error
	Identify() ata.IdentifyData
}

var ErrNoPartitionTable = errors.New("storage: no partition table")

// BlockDevice gives byte-addressed access to a Disk. Requests are split into
// transfers the drive accepts, and partial sectors are read, patched and
// written back.
type BlockDevice struct {
	Name string

	disk       Disk
	ident      ata.IdentifyData
	mu         sync.Mutex
	partitions []*Partition
}

// NewBlockDevice wraps disk under the given name, e.g. "sdC0".
func NewBlockDevice(name string, disk Disk) *BlockDevice {
	return &BlockDevice{Name: name, disk: disk, ident: disk.Identify()}
}

func (b *BlockDevice) Size() int64 { return int64(b.disk.SizeInBytes()) }

func (b *BlockDevice) Sectors() uint64 { return b.disk.SizeInBytes() / SectorSize }

// Identify returns the drive's identify record.
func (b *BlockDevice) Identify() ata.IdentifyData { return b.ident }

func (b *BlockDevice) maxChunk() int {
	n := b.disk.MaxTransferSectors()
	if n < 1 {
		n = 1
	}
	return n * SectorSize
}

// ReadAt implements io.ReaderAt.
func (b *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readAt(p, off)
}

func (b *BlockDevice) readAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("storage: %s: negative offset", b.Name)
	}
	size := b.Size()
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	want := len(p)
	if rest := size - off; int64(want) > rest {
		want = int(rest)
	}

	n := 0
	for n < want {
		chunk := b.maxChunk() - int((off+int64(n))%SectorSize)
		chunk = min(chunk, want-n)
		m, err := b.disk.ReadPIO(p[n:n+chunk], uint64(off)+uint64(n))
		n += m
		if err != nil {
			return n, fmt.Errorf("storage: %s: read at %d: %w", b.Name, off+int64(n), err)
		}
		if m == 0 {
			break
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes that run past the end of the
// device are rejected before anything is written.
func (b *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeAt(p, off)
}

func (b *BlockDevice) writeAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.Size() {
		return 0, fmt.Errorf("storage: %s: write of %d bytes at %d: %w", b.Name, len(p), off, ata.ErrOutOfBounds)
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		in := int(pos % SectorSize)
		rest := p[n:]

		if in != 0 || len(rest) < SectorSize {
			// Partial sector: read it, patch it, write it back.
			var sector [SectorSize]byte
			base := uint64(pos - int64(in))
			if _, err := b.disk.ReadPIO(sector[:], base); err != nil {
				return n, fmt.Errorf("storage: %s: read-modify-write at %d: %w", b.Name, base, err)
			}
			m := copy(sector[in:], rest)
			if _, err := b.disk.WritePIO(sector[:], base); err != nil {
				return n, fmt.Errorf("storage: %s: read-modify-write at %d: %w", b.Name, base, err)
			}
			n += m
			continue
		}

		chunk := min(len(rest)/SectorSize*SectorSize, b.maxChunk())
		m, err := b.disk.WritePIO(rest[:chunk], uint64(pos))
		n += m
		if err != nil {
			return n, fmt.Errorf("storage: %s: write at %d: %w", b.Name, pos, err)
		}
		if m == 0 {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}

// Flush commits the drive's write cache.
func (b *BlockDevice) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disk.Flush()
}

// Partitions returns the partitions found by the last rescan.
func (b *BlockDevice) Partitions() []*Partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Partition(nil), b.partitions...)
}

// Partition returns partition number n, counting from 1.
func (b *BlockDevice) Partition(n int) (*Partition, bool) {
	for _, p := range b.Partitions() {
		if p.Number == n {
			return p, true
		}
	}
	return nil, false
}

// RescanPartitions reads the partition table in sector 0.
func (b *BlockDevice) RescanPartitions() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partitions = nil
	if b.Sectors() == 0 {
		return ErrNoPartitionTable
	}
	var mbr [SectorSize]byte
	if _, err := b.readAt(mbr[:], 0); err != nil {
		return fmt.Errorf("storage: %s: failed to read MBR: %w", b.Name, err)
	}
	parts, err := parseMBR(mbr[:], b.Sectors())
	if err != nil {
		return fmt.Errorf("storage: %s: %w", b.Name, err)
	}
	for _, p := range parts {
		p.dev = b
	}
	b.partitions = parts
	return nil
}
