// Package portio provides typed access to x86 I/O ports.
// Drivers hold fixed-address port handles bound to a Space, so the same
// driver code can run against real hardware or a simulated device.
package portio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnsupported is returned by Native on platforms without port I/O.
var ErrUnsupported = errors.New("portio: port I/O not supported on this platform")

// Space is an I/O address space that can be read and written at byte and
// word granularity. Every access is blocking and takes effect in call order.
type Space interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
}

// Port8 is a read-write 8-bit register.
type Port8 struct {
	space Space
	addr  uint16
}

// NewPort8 binds an 8-bit register at addr.
func NewPort8(s Space, addr uint16) Port8 { return Port8{space: s, addr: addr} }

func (p Port8) Read() uint8 { return p.space.In8(p.addr) }
func (p Port8) Write(v uint8) { p.space.Out8(p.addr, v) }
func (p Port8) Addr() uint16 { return p.addr }
func (p Port8) String() string { return fmt.Sprintf("port8(%#x)", p.addr) }

// ReadOnlyPort8 is an 8-bit register that is only ever read, such as the
// status half of a shared status/command address.
type ReadOnlyPort8 struct {
	space Space
	addr  uint16
}

func NewReadOnlyPort8(s Space, addr uint16) ReadOnlyPort8 {
	return ReadOnlyPort8{space: s, addr: addr}
}

func (p ReadOnlyPort8) Read() uint8 { return p.space.In8(p.addr) }
func (p ReadOnlyPort8) Addr() uint16 { return p.addr }

// WriteOnlyPort8 is an 8-bit register that is only ever written.
type WriteOnlyPort8 struct {
	space Space
	addr  uint16
}

func NewWriteOnlyPort8(s Space, addr uint16) WriteOnlyPort8 {
	return WriteOnlyPort8{space: s, addr: addr}
}

func (p WriteOnlyPort8) Write(v uint8) { p.space.Out8(p.addr, v) }
func (p WriteOnlyPort8) Addr() uint16 { return p.addr }

// Port16 is a read-write 16-bit register.
type Port16 struct {
	space Space
	addr  uint16
}

func NewPort16(s Space, addr uint16) Port16 { return Port16{space: s, addr: addr} }

func (p Port16) Read() uint16 { return p.space.In16(p.addr) }
func (p Port16) Write(v uint16) { p.space.Out16(p.addr, v) }
func (p Port16) Addr() uint16 { return p.addr }

// Direction of a recorded access.
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// Access is one recorded port access.
type Access struct {
	Dir   Direction
	Port  uint16
	Width int // 8 or 16
	Value uint16
}

func (a Access) String() string {
	return fmt.Sprintf("%s%d %#x=%#x", a.Dir, a.Width, a.Port, a.Value)
}

// Recorder is a Space that forwards to another Space and keeps a log of
// every access.
type Recorder struct {
	Space Space

	mu  sync.Mutex
	log []Access
}

func NewRecorder(s Space) *Recorder { return &Recorder{Space: s} }

func (r *Recorder) record(a Access) {
	r.mu.Lock()
	r.log = append(r.log, a)
	r.mu.Unlock()
}

func (r *Recorder) In8(port uint16) uint8 {
	v := r.Space.In8(port)
	r.record(Access{In, port, 8, uint16(v)})
	return v
}

func (r *Recorder) Out8(port uint16, v uint8) {
	r.record(Access{Out, port, 8, uint16(v)})
	r.Space.Out8(port, v)
}

func (r *Recorder) In16(port uint16) uint16 {
	v := r.Space.In16(port)
	r.record(Access{In, port, 16, v})
	return v
}

func (r *Recorder) Out16(port uint16, v uint16) {
	r.record(Access{Out, port, 16, v})
	r.Space.Out16(port, v)
}

// Log returns a copy of the accesses recorded so far.
func (r *Recorder) Log() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Access, len(r.log))
	copy(out, r.log)
	return out
}

// Writes returns only the 8-bit writes, in order.
func (r *Recorder) Writes() []Access {
	var out []Access
	for _, a := range r.Log() {
		if a.Dir == Out && a.Width == 8 {
			out = append(out, a)
		}
	}
	return out
}

// Reset clears the log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}
