// Package ata drives IDE/ATA disks with programmed I/O: the identify
// handshake, 28- and 48-bit addressed sector reads and writes, and the
// bus and controller structures they live on.
package ata

import (
	"fmt"
	"sync"

	"lux9/userspace/drivers/portio"
)

const (
	// MaxLBA28 is the last sector reachable with 28-bit addressing.
	MaxLBA28 = 1<<28 - 1

	// BARs carry flag bits in the two low bits.
	barPortMask = 0xFFFC

	selectIdentify = 0xA0 // obsolete bits 7 and 5 set, CHS
	selectLBA28    = 0xE0 // LBA bit set, low nibble carries LBA bits 24-27
	selectLBA48    = 0x40
	selectSlave    = 0x10

	// A floating bus with no drives pulls every status bit high.
	statusFloating Status = 0xFF
)

// Position is where a drive sits on its bus.
type Position int

const (
	Master Position = iota
	Slave
)

func (p Position) String() string {
	if p == Slave {
		return "slave"
	}
	return "master"
}

func (p Position) selectBit() uint8 {
	if p == Slave {
		return selectSlave
	}
	return 0
}

// Drive is one ATA device on one channel of an IDE controller.
type Drive struct {
	data        portio.Port16
	errorReg    portio.ReadOnlyPort8
	features    portio.WriteOnlyPort8
	sectorCount portio.Port8
	lbaLow      portio.Port8
	lbaMid      portio.Port8
	lbaHigh     portio.Port8
	driveSelect portio.Port8
	command     portio.WriteOnlyPort8
	statusReg   portio.ReadOnlyPort8
	altStatus   portio.ReadOnlyPort8
	control     portio.WriteOnlyPort8
	driveAddr   portio.ReadOnlyPort8

	pos      Position
	ident    *IdentifyData
	policy   PollPolicy
	log      Logger
	mu       sync.Locker
	dataBase uint16
}

// options collects what the Option list sets for drives and controllers.
type options struct {
	policy PollPolicy
	log    Logger
	lock   sync.Locker
}

// Option configures a Drive.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{log: defaultLogger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lock == nil {
		o.lock = new(sync.Mutex)
	}
	return o
}

// WithPollPolicy bounds how long the drive busy-waits.
func WithPollPolicy(p PollPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sends diagnostics to l instead of the standard logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.log = l }
}

// WithLock makes the drive hold l for every operation. Both drives of a bus
// must share one lock because they share one register set.
func WithLock(l sync.Locker) Option {
	return func(o *options) { o.lock = l }
}

// NewDrive probes the drive at pos behind the given register bases and
// returns it if it is a plain ATA device that supports LBA addressing.
func NewDrive(space portio.Space, dataBase, controlBase uint16, pos Position, opts ...Option) (*Drive, error) {
	dataBase &= barPortMask
	controlBase &= barPortMask
	o := newOptions(opts)

	d := &Drive{
		data:        portio.NewPort16(space, dataBase+0),
		errorReg:    portio.NewReadOnlyPort8(space, dataBase+1),
		features:    portio.NewWriteOnlyPort8(space, dataBase+1),
		sectorCount: portio.NewPort8(space, dataBase+2),
		lbaLow:      portio.NewPort8(space, dataBase+3),
		lbaMid:      portio.NewPort8(space, dataBase+4),
		lbaHigh:     portio.NewPort8(space, dataBase+5),
		driveSelect: portio.NewPort8(space, dataBase+6),
		command:     portio.NewWriteOnlyPort8(space, dataBase+7),
		statusReg:   portio.NewReadOnlyPort8(space, dataBase+7),
		altStatus:   portio.NewReadOnlyPort8(space, controlBase+2),
		control:     portio.NewWriteOnlyPort8(space, controlBase+2),
		driveAddr:   portio.NewReadOnlyPort8(space, controlBase+3),
		pos:         pos,
		policy:      o.policy,
		log:         o.log,
		mu:          o.lock,
		dataBase:    dataBase,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.control.Write(0)
	id, err := d.identify()
	if err != nil {
		return nil, err
	}
	if !id.SupportsLBA() {
		return nil, ErrCHSUnsupported
	}
	d.ident = id
	return d, nil
}

func (d *Drive) String() string {
	return fmt.Sprintf("%#x/%v", d.dataBase, d.pos)
}

// identify runs the IDENTIFY DEVICE handshake.
func (d *Drive) identify() (*IdentifyData, error) {
	if d.status() == statusFloating {
		return nil, ErrNotPresent
	}
	d.driveSelect.Write(selectIdentify | d.pos.selectBit())
	if err := d.waitForIdle("identify"); err != nil {
		return nil, err
	}
	d.sectorCount.Write(0)
	d.lbaHigh.Write(0)
	d.lbaMid.Write(0)
	d.lbaLow.Write(0)
	d.command.Write(uint8(CmdIdentifyDevice))

	s := d.status()
	if s == 0 || s == statusFloating {
		return nil, ErrNotPresent
	}

	// ATAPI and SATA devices abort IDENTIFY DEVICE and leave their
	// signature in the LBA registers.
	for n := uint64(1); d.status().Has(StatusBusy); n++ {
		if d.lbaMid.Read() != 0 || d.lbaHigh.Read() != 0 {
			return nil, ErrNotATA
		}
		if d.policy.MaxPolls != 0 && n >= d.policy.MaxPolls {
			return nil, fmt.Errorf("identify on %v after %d polls: %w", d, n, ErrTimeout)
		}
	}

	mid, high := d.lbaMid.Read(), d.lbaHigh.Read()
	if t := Classify(mid, high); t != DevicePATA {
		return nil, &UnsupportedError{Type: t, Mid: mid, High: high}
	}

	sector, err := d.readSector("identify")
	if err != nil {
		return nil, err
	}
	if err := d.waitForDataDone("identify"); err != nil {
		return nil, err
	}
	return ParseIdentify(sector[:]), nil
}

// readSector moves one sector out of the data register. The whole sector
// must be read for the drive to advance, however much of it is wanted.
func (d *Drive) readSector(op string) ([SectorSize]byte, error) {
	var sector [SectorSize]byte
	if err := d.waitForDataReady(op); err != nil {
		return sector, err
	}
	for i := 0; i < SectorSize; i += 2 {
		w := d.data.Read()
		sector[i] = uint8(w)
		sector[i+1] = uint8(w >> 8)
	}
	return sector, nil
}

// SizeInSectors prefers the 28-bit capacity and falls back to the 48-bit
// one for drives too large to report it.
func (d *Drive) SizeInSectors() uint64 {
	if d.ident.UserAddressableSectors != 0 {
		return uint64(d.ident.UserAddressableSectors)
	}
	return d.ident.Max48BitLBA
}

func (d *Drive) SizeInBytes() uint64 { return d.SizeInSectors() * SectorSize }

// lbaBounds turns a byte range into the sectors [start, end) that cover it
// and the offset of the range within the first sector. The end is clipped
// to the drive's capacity.
func (d *Drive) lbaBounds(offset, length uint64) (start, end uint64, rem int, err error) {
	if offset > d.SizeInBytes() {
		return 0, 0, 0, fmt.Errorf("offset %d on %v (%d bytes): %w", offset, d, d.SizeInBytes(), ErrOutOfBounds)
	}
	start = offset / SectorSize
	rem = int(offset % SectorSize)
	end = min(d.SizeInSectors(), (offset+length+SectorSize-1)/SectorSize)
	return start, end, rem, nil
}

func (d *Drive) checkTransfer(op string, count uint64, length int) error {
	if count > uint64(d.ident.MaxBlocksPerTransfer) {
		d.log.Printf("ata: %v: %s: cannot move %d sectors (%d bytes), drive has a max of %d sectors per transfer",
			d, op, count, length, d.ident.MaxBlocksPerTransfer)
		return fmt.Errorf("%s of %d sectors on %v: %w", op, count, d, ErrTransferTooLarge)
	}
	return nil
}

// issue selects the drive, waits for it to go idle, then programs the
// address registers and writes cmd, choosing the 48-bit form when start
// lies beyond the 28-bit range. It reports whether 28-bit addressing was
// used.
func (d *Drive) issue(op string, cmd28, cmd48 Command, start, count uint64) (lba28 bool, err error) {
	if start > MaxLBA28 {
		d.driveSelect.Write(selectLBA48 | d.pos.selectBit())
		if err := d.waitForIdle(op); err != nil {
			return false, err
		}
		// High-order bytes go first; each register latches two deep.
		d.sectorCount.Write(uint8(count >> 8))
		d.lbaHigh.Write(uint8(start >> 40))
		d.lbaMid.Write(uint8(start >> 32))
		d.lbaLow.Write(uint8(start >> 24))

		d.sectorCount.Write(uint8(count))
		d.lbaHigh.Write(uint8(start >> 16))
		d.lbaMid.Write(uint8(start >> 8))
		d.lbaLow.Write(uint8(start))
		d.command.Write(uint8(cmd48))
		return false, nil
	}
	d.driveSelect.Write(selectLBA28 | d.pos.selectBit() | uint8(start>>24)&0x0F)
	if err := d.waitForIdle(op); err != nil {
		return false, err
	}
	d.sectorCount.Write(uint8(count))
	d.lbaHigh.Write(uint8(start >> 16))
	d.lbaMid.Write(uint8(start >> 8))
	d.lbaLow.Write(uint8(start))
	d.command.Write(uint8(cmd28))
	return true, nil
}

// ReadPIO reads len(buf) bytes starting at byte offset off, or fewer if the
// range runs past the end of the drive. It returns the number of bytes
// copied into buf.
func (d *Drive) ReadPIO(buf []byte, off uint64) (int, error) {
	start, end, rem, err := d.lbaBounds(off, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	count := end - start
	if err := d.checkTransfer("read", count, len(buf)); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.issue("read", CmdReadPIO, CmdReadPIOExt, start, count); err != nil {
		return 0, err
	}

	n := 0
	for lba := start; lba < end; lba++ {
		sector, err := d.readSector("read")
		if err != nil {
			return 0, err
		}
		n += copy(buf[n:], sector[rem:])
		rem = 0
	}

	if err := d.waitForDataDone("read"); err != nil {
		return 0, err
	}
	return n, nil
}

// WritePIO writes buf at byte offset off. Both must be whole sectors. The
// drive cache is flushed before it returns. Sectors past the end of the
// drive are dropped; the count of bytes actually written is returned.
func (d *Drive) WritePIO(buf []byte, off uint64) (int, error) {
	if len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("write of %d bytes: %w", len(buf), ErrUnaligned)
	}
	if off%SectorSize != 0 {
		return 0, fmt.Errorf("write at offset %d: %w", off, ErrUnaligned)
	}
	start, end, _, err := d.lbaBounds(off, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	count := end - start
	if err := d.checkTransfer("write", count, len(buf)); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	lba28, err := d.issue("write", CmdWritePIO, CmdWritePIOExt, start, count)
	if err != nil {
		return 0, err
	}

	n := 0
	for lba := start; lba < end; lba++ {
		if err := d.waitForDataReady("write"); err != nil {
			return 0, err
		}
		for i := 0; i < SectorSize; i += 2 {
			d.data.Write(uint16(buf[n+1])<<8 | uint16(buf[n]))
			n += 2
		}
	}

	if err := d.waitForDataDone("write"); err != nil {
		return 0, err
	}
	flush := CmdCacheFlushExt
	if lba28 {
		flush = CmdCacheFlush
	}
	d.command.Write(uint8(flush))
	if err := d.waitForDataDone("cache flush"); err != nil {
		return 0, err
	}
	return n, nil
}

// Flush commits the drive's write cache to the medium.
func (d *Drive) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.driveSelect.Write(selectLBA28 | d.pos.selectBit())
	if err := d.waitForIdle("cache flush"); err != nil {
		return err
	}
	cmd := CmdCacheFlush
	if d.SizeInSectors() > MaxLBA28 {
		cmd = CmdCacheFlushExt
	}
	d.command.Write(uint8(cmd))
	return d.waitForDataDone("cache flush")
}

// Status returns the status register, read with the usual settling delay.
func (d *Drive) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status()
}

// ErrorRegister returns the error register. It describes the last failed
// command.
func (d *Drive) ErrorRegister() ErrorBits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ErrorBits(d.errorReg.Read())
}

// MaxTransferSectors is the most sectors a single ReadPIO or WritePIO may
// cover.
func (d *Drive) MaxTransferSectors() int { return int(d.ident.MaxBlocksPerTransfer) }

// Identify returns a copy of the drive's identify record.
func (d *Drive) Identify() IdentifyData { return *d.ident }

func (d *Drive) IsMaster() bool { return d.pos == Master }

func (d *Drive) Position() Position { return d.pos }
