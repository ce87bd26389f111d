// Package atasim is a register-level model of a legacy IDE controller. It
// implements portio.Space so the ata driver can run against it unchanged;
// wrap it in a portio.Recorder to observe register traffic.
package atasim

import (
	"sync"

	"lux9/userspace/drivers/ata"
	"lux9/userspace/drivers/pci"
	"lux9/userspace/drivers/portio"
)

// Register offsets from the data and control bases.
const (
	regData    = 0
	regError   = 1
	regCount   = 2
	regLBALow  = 3
	regLBAMid  = 4
	regLBAHigh = 5
	regSelect  = 6
	regStatus  = 7

	regAltStatus = 2
	regDriveAddr = 3
)

var _ portio.Space = (*Controller)(nil)

// Controller is a simulated two-channel IDE controller.
type Controller struct {
	mu       sync.Mutex
	channels [2]*channel
}

type channel struct {
	dataBase    uint16
	controlBase uint16
	devices     [2]*Device

	selected int
	selByte  uint8
	control  uint8
	features uint8
	// Each task file register keeps its previous value for 48-bit commands.
	count   [2]uint8
	lbaLow  [2]uint8
	lbaMid  [2]uint8
	lbaHigh [2]uint8
}

// New returns a controller at the compatibility-mode ports with no drives.
func New() *Controller {
	return NewAt([4]uint16{ata.PrimaryDataPort, ata.PrimaryControlPort, ata.SecondaryDataPort, ata.SecondaryControlPort})
}

// NewAt returns a controller whose channels decode the given data and
// control bases, in BAR order.
func NewAt(ports [4]uint16) *Controller {
	c := &Controller{}
	for i := range c.channels {
		c.channels[i] = &channel{
			dataBase:    ports[2*i] & 0xFFFC,
			controlBase: ports[2*i+1] & 0xFFFC,
		}
	}
	return c
}

// Descriptor returns a PCI descriptor whose BARs lead to this controller.
func (c *Controller) Descriptor() *pci.Descriptor {
	d := pci.Legacy()
	legacy := New()
	for i, ch := range c.channels {
		if ch.dataBase != legacy.channels[i].dataBase {
			d.BARs[2*i] = uint32(ch.dataBase) | 1
		}
		if ch.controlBase != legacy.channels[i].controlBase {
			d.BARs[2*i+1] = uint32(ch.controlBase) | 1
		}
	}
	return d
}

// Attach puts dev on channel bus (0 primary, 1 secondary) at pos.
func (c *Controller) Attach(bus int, pos ata.Position, dev *Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev.status = ata.StatusDriveReady | ata.StatusSeekComplete
	c.channels[bus].devices[pos] = dev
}

// decode maps port to a channel register. ctl reports a control-block
// register.
func (c *Controller) decode(port uint16) (ch *channel, reg uint16, ctl bool) {
	for _, ch := range c.channels {
		switch {
		case port >= ch.dataBase && port < ch.dataBase+8:
			return ch, port - ch.dataBase, false
		case port >= ch.controlBase && port < ch.controlBase+4:
			return ch, port - ch.controlBase, true
		}
	}
	return nil, 0, false
}

func (c *Controller) In8(port uint16) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, reg, ctl := c.decode(port)
	if ch == nil {
		return 0xFF
	}
	if ctl {
		switch reg {
		case regAltStatus:
			return uint8(ch.status(false))
		case regDriveAddr:
			ds := uint8(1) << ch.selected
			return 0xC0 | ^ds&0x3 | (^ch.selByte&0x0F)<<2
		}
		return 0xFF
	}
	switch reg {
	case regData:
		return uint8(ch.readData())
	case regError:
		if d := ch.device(); d != nil {
			return uint8(d.errReg)
		}
		return 0
	case regCount:
		return ch.count[0]
	case regLBALow:
		return ch.lbaLow[0]
	case regLBAMid:
		return ch.lbaMid[0]
	case regLBAHigh:
		return ch.lbaHigh[0]
	case regSelect:
		return ch.selByte
	case regStatus:
		return uint8(ch.status(true))
	}
	return 0xFF
}

func (c *Controller) Out8(port uint16, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, reg, ctl := c.decode(port)
	if ch == nil {
		return
	}
	if ctl {
		if reg == regAltStatus {
			ch.writeControl(v)
		}
		return
	}
	latch := func(r *[2]uint8) { r[1], r[0] = r[0], v }
	switch reg {
	case regData:
		ch.writeData(uint16(v))
	case regError:
		ch.features = v
	case regCount:
		latch(&ch.count)
	case regLBALow:
		latch(&ch.lbaLow)
	case regLBAMid:
		latch(&ch.lbaMid)
	case regLBAHigh:
		latch(&ch.lbaHigh)
	case regSelect:
		ch.selByte = v
		ch.selected = int(v>>4) & 1
	case regStatus:
		ch.execute(ata.Command(v))
	}
}

func (c *Controller) In16(port uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, reg, ctl := c.decode(port)
	if ch == nil || ctl || reg != regData {
		return 0xFFFF
	}
	return ch.readData()
}

func (c *Controller) Out16(port uint16, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, reg, ctl := c.decode(port)
	if ch == nil || ctl || reg != regData {
		return
	}
	ch.writeData(v)
}

func (ch *channel) device() *Device { return ch.devices[ch.selected] }

func (ch *channel) empty() bool { return ch.devices[0] == nil && ch.devices[1] == nil }

// status reads the selected drive's status. Reads of the real status
// register count down the drive's busy period.
func (ch *channel) status(primary bool) ata.Status {
	if ch.empty() {
		return 0xFF
	}
	d := ch.device()
	if d == nil {
		return 0
	}
	if ch.control&ata.ControlSRST != 0 || d.StuckBusy {
		return ata.StatusBusy
	}
	if d.busy > 0 {
		if primary {
			d.busy--
		}
		return ata.StatusBusy
	}
	return d.status
}

func (ch *channel) writeControl(v uint8) {
	wasReset := ch.control&ata.ControlSRST != 0
	ch.control = v
	if !wasReset || v&ata.ControlSRST != 0 {
		return
	}
	// Reset released: both drives come back idle with their signature.
	for _, d := range ch.devices {
		if d == nil {
			continue
		}
		d.cmd, d.left, d.off = 0, 0, 0
		d.errReg = 0
		d.status = ata.StatusDriveReady | ata.StatusSeekComplete
	}
	ch.selected, ch.selByte = 0, 0
	ch.count[0], ch.lbaLow[0] = 1, 1
	if d := ch.devices[0]; d != nil {
		ch.lbaMid[0], ch.lbaHigh[0] = d.signature()
	}
}

// address decodes the task file for a 28- or 48-bit command.
func (ch *channel) address(ext bool) (lba, count uint64) {
	if ext {
		lba = uint64(ch.lbaHigh[1])<<40 | uint64(ch.lbaMid[1])<<32 | uint64(ch.lbaLow[1])<<24 |
			uint64(ch.lbaHigh[0])<<16 | uint64(ch.lbaMid[0])<<8 | uint64(ch.lbaLow[0])
		count = uint64(ch.count[1])<<8 | uint64(ch.count[0])
		if count == 0 {
			count = 65536
		}
		return lba, count
	}
	lba = uint64(ch.selByte&0x0F)<<24 | uint64(ch.lbaHigh[0])<<16 | uint64(ch.lbaMid[0])<<8 | uint64(ch.lbaLow[0])
	count = uint64(ch.count[0])
	if count == 0 {
		count = 256
	}
	return lba, count
}

func (d *Device) abort(bits ata.ErrorBits) {
	d.cmd, d.left, d.off = 0, 0, 0
	d.errReg = bits
	d.status = ata.StatusDriveReady | ata.StatusError
}

func (d *Device) idle() {
	d.cmd, d.left, d.off = 0, 0, 0
	d.status = ata.StatusDriveReady | ata.StatusSeekComplete
}

func (ch *channel) execute(cmd ata.Command) {
	d := ch.device()
	if d == nil {
		return
	}
	d.logCommand(cmd)
	d.busy = d.BusyPolls
	d.errReg = 0
	if cmd == d.FailCommand && cmd != 0 {
		d.abort(ata.ErrCommandAborted)
		return
	}

	switch cmd {
	case ata.CmdIdentifyDevice:
		if d.Type != ata.DevicePATA {
			ch.lbaMid[0], ch.lbaHigh[0] = d.signature()
			d.abort(ata.ErrCommandAborted)
			return
		}
		d.buf = d.identify()
		d.cmd, d.left, d.off = cmd, 1, 0
		d.status = ata.StatusDriveReady | ata.StatusDataRequest

	case ata.CmdReadPIO, ata.CmdReadPIOExt, ata.CmdWritePIO, ata.CmdWritePIOExt:
		ext := cmd == ata.CmdReadPIOExt || cmd == ata.CmdWritePIOExt
		if !ext && ch.selByte&0x40 == 0 {
			// CHS addressing is not modelled.
			d.abort(ata.ErrCommandAborted)
			return
		}
		lba, count := ch.address(ext)
		if lba+count > d.Sectors {
			d.abort(ata.ErrIDNotFound)
			return
		}
		d.cmd, d.lba, d.left, d.off = cmd, lba, count, 0
		if cmd == ata.CmdReadPIO || cmd == ata.CmdReadPIOExt {
			if err := d.readSector(d.lba, d.buf[:]); err != nil {
				d.abort(ata.ErrUncorrectableData)
				return
			}
		}
		d.status = ata.StatusDriveReady | ata.StatusDataRequest

	case ata.CmdCacheFlush, ata.CmdCacheFlushExt:
		d.idle()

	default:
		d.abort(ata.ErrCommandAborted)
	}
}

func (ch *channel) readData() uint16 {
	d := ch.device()
	if d == nil || !d.status.Has(ata.StatusDataRequest) || d.busy > 0 {
		return 0xFFFF
	}
	switch d.cmd {
	case ata.CmdIdentifyDevice, ata.CmdReadPIO, ata.CmdReadPIOExt:
	default:
		return 0xFFFF
	}
	w := uint16(d.buf[d.off]) | uint16(d.buf[d.off+1])<<8
	d.off += 2
	if d.off < ata.SectorSize {
		return w
	}
	d.off = 0
	d.left--
	d.lba++
	if d.left == 0 {
		d.idle()
		return w
	}
	if err := d.readSector(d.lba, d.buf[:]); err != nil {
		d.abort(ata.ErrUncorrectableData)
		return w
	}
	d.busy = d.BusyPolls
	return w
}

func (ch *channel) writeData(v uint16) {
	d := ch.device()
	if d == nil || !d.status.Has(ata.StatusDataRequest) || d.busy > 0 {
		return
	}
	if d.cmd != ata.CmdWritePIO && d.cmd != ata.CmdWritePIOExt {
		return
	}
	d.buf[d.off] = uint8(v)
	d.buf[d.off+1] = uint8(v >> 8)
	d.off += 2
	if d.off < ata.SectorSize {
		return
	}
	if err := d.writeSector(d.lba, d.buf[:]); err != nil {
		d.abort(ata.ErrUncorrectableData)
		return
	}
	d.off = 0
	d.left--
	d.lba++
	d.busy = d.BusyPolls
	if d.left == 0 {
		d.idle()
	}
}
