package ata

import (
	"fmt"
	"sync"

	"lux9/userspace/drivers/portio"
)

// Bus is one channel of an IDE controller. Its master and slave share a
// register set, so only one of them may have a command in flight; both are
// built with the bus lock.
type Bus struct {
	Name   string
	Master *Drive
	Slave  *Drive

	mu       sync.Mutex
	probeErr [2]error
}

// NewBus probes both positions behind the given register bases. A missing
// drive is not an error; the reason is kept for ProbeError.
func NewBus(name string, space portio.Space, dataBase, controlBase uint16, opts ...Option) *Bus {
	b := &Bus{Name: name}
	opts = append(opts[:len(opts):len(opts)], WithLock(&b.mu))
	for _, pos := range []Position{Master, Slave} {
		d, err := NewDrive(space, dataBase, controlBase, pos, opts...)
		b.probeErr[pos] = err
		if pos == Master {
			b.Master = d
		} else {
			b.Slave = d
		}
	}
	return b
}

// Drive returns the drive at pos, or nil.
func (b *Bus) Drive(pos Position) *Drive {
	if pos == Slave {
		return b.Slave
	}
	return b.Master
}

// ProbeError reports why the position is empty, or nil if a drive is there.
func (b *Bus) ProbeError(pos Position) error { return b.probeErr[pos] }

// SoftwareReset resets both drives on the bus. The sequence (set SRST,
// hold it for 5us, clear it) is not implemented.
func (b *Bus) SoftwareReset() error {
	if b.Master == nil && b.Slave == nil {
		return fmt.Errorf("bus %s: %w", b.Name, ErrNotPresent)
	}
	return fmt.Errorf("bus %s: software reset: %w", b.Name, ErrUnimplemented)
}
