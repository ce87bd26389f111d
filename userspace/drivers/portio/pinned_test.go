package portio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exclusiveSpace fails the test if two accesses ever overlap.
type exclusiveSpace struct {
	t      *testing.T
	mem    memSpace
	active atomic.Int32
	calls  atomic.Int32
}

func (e *exclusiveSpace) enter() func() {
	if !e.active.CompareAndSwap(0, 1) {
		e.t.Error("concurrent port access")
	}
	e.calls.Add(1)
	return func() { e.active.Store(0) }
}

func (e *exclusiveSpace) In8(port uint16) uint8 {
	defer e.enter()()
	return e.mem.In8(port)
}

func (e *exclusiveSpace) Out8(port uint16, v uint8) {
	defer e.enter()()
	e.mem.Out8(port, v)
}

func (e *exclusiveSpace) In16(port uint16) uint16 {
	defer e.enter()()
	return e.mem.In16(port)
}

func (e *exclusiveSpace) Out16(port uint16, v uint16) {
	defer e.enter()()
	e.mem.Out16(port, v)
}

func TestPinnedSerializesAccess(t *testing.T) {
	backend := &exclusiveSpace{t: t, mem: memSpace{}}
	granted := 0
	p, err := Pin(func() error { granted++; return nil }, backend)
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			port := uint16(0x100 + 2*g)
			for i := 0; i < 50; i++ {
				p.Out16(port, uint16(g<<8|i))
				assert.Equal(t, uint16(g<<8|i), p.In16(port))
			}
			p.Out8(port+1, uint8(g))
			assert.Equal(t, uint8(g), p.In8(port+1))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, int32(16*(100+2)), backend.calls.Load())
}

func TestPinnedGrantFailure(t *testing.T) {
	denied := errors.New("operation not permitted")
	p, err := Pin(func() error { return denied }, memSpace{})
	assert.ErrorIs(t, err, denied)
	assert.Nil(t, p)
}

func TestPinnedClosed(t *testing.T) {
	mem := memSpace{0x1f7: 0x50}
	p, err := Pin(func() error { return nil }, mem)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x50), p.In8(0x1f7))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, uint8(0xFF), p.In8(0x1f7))
	assert.Equal(t, uint16(0xFFFF), p.In16(0x1f0))
	p.Out8(0x1f7, 0x20)
	assert.Equal(t, uint16(0x50), mem[0x1f7])
}
