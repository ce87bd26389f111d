package portio

import (
	"runtime"
	"sync"
)

type accessKind int

const (
	in8 accessKind = iota
	out8
	in16
	out16
)

type request struct {
	kind  accessKind
	port  uint16
	value uint16
}

// Pinned is a Space whose accesses all run on one locked OS thread. Linux
// grants port access per thread, so the thread that asked for it must be
// the one executing IN and OUT.
type Pinned struct {
	mu    sync.Mutex // one request in flight
	reqs  chan request
	reply chan uint16
	quit  chan struct{}
	once  sync.Once
}

var _ Space = (*Pinned)(nil)

// Pin starts the thread, runs grant on it, and then forwards every access to
// s from that thread. If grant fails the thread is discarded.
func Pin(grant func() error, s Space) (*Pinned, error) {
	p := &Pinned{
		reqs:  make(chan request),
		reply: make(chan uint16),
		quit:  make(chan struct{}),
	}
	started := make(chan error)
	go func() {
		// Never unlocked: the thread exits with the goroutine and takes its
		// permissions with it.
		runtime.LockOSThread()
		if err := grant(); err != nil {
			started <- err
			return
		}
		close(started)
		p.serve(s)
	}()
	if err := <-started; err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pinned) serve(s Space) {
	for {
		select {
		case r := <-p.reqs:
			var v uint16
			switch r.kind {
			case in8:
				v = uint16(s.In8(r.port))
			case out8:
				s.Out8(r.port, uint8(r.value))
			case in16:
				v = s.In16(r.port)
			case out16:
				s.Out16(r.port, r.value)
			}
			p.reply <- v
		case <-p.quit:
			return
		}
	}
}

// do runs r on the pinned thread. After Close reads see a floating bus and
// writes are dropped.
func (p *Pinned) do(r request) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case p.reqs <- r:
		return <-p.reply
	case <-p.quit:
		return 0xFFFF
	}
}

func (p *Pinned) In8(port uint16) uint8 { return uint8(p.do(request{kind: in8, port: port})) }
func (p *Pinned) Out8(port uint16, v uint8) { p.do(request{kind: out8, port: port, value: uint16(v)}) }
func (p *Pinned) In16(port uint16) uint16 { return p.do(request{kind: in16, port: port}) }
func (p *Pinned) Out16(port uint16, v uint16) { p.do(request{kind: out16, port: port, value: v}) }

// Close stops the thread.
func (p *Pinned) Close() error {
	p.once.Do(func() { close(p.quit) })
	return nil
}
