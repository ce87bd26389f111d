//go:build linux && amd64

package portio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ioperm(2) only covers the first 0x400 ports.
const iopermLimit = 0x400

func inb(port uint16) uint8
func outb(port uint16, v uint8)
func inw(port uint16) uint16
func outw(port uint16, v uint16)

type native struct{}

func (native) In8(port uint16) uint8 { return inb(port) }
func (native) Out8(port uint16, v uint8) { outb(port, v) }
func (native) In16(port uint16) uint16 { return inw(port) }
func (native) Out16(port uint16, v uint16) { outw(port, v) }

// Native returns the host I/O space. Access to every given range is
// requested on a dedicated OS thread that then performs all port I/O:
// ranges below 0x400 with ioperm(2), anything higher with iopl(3). The
// calling process needs CAP_SYS_RAWIO. Close releases the thread.
func Native(ranges ...Range) (*Pinned, error) {
	return Pin(func() error { return grant(ranges) }, native{})
}

func grant(ranges []Range) error {
	needIopl := false
	for _, r := range ranges {
		if int(r.Base)+int(r.Len) > iopermLimit {
			needIopl = true
			continue
		}
		if err := unix.Ioperm(int(r.Base), int(r.Len), 1); err != nil {
			return fmt.Errorf("portio: ioperm %v: %w", r, err)
		}
	}
	if needIopl {
		if err := unix.Iopl(3); err != nil {
			return fmt.Errorf("portio: iopl: %w", err)
		}
	}
	return nil
}
