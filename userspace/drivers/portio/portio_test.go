package portio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSpace map[uint16]uint16

func (m memSpace) In8(port uint16) uint8 { return uint8(m[port]) }
func (m memSpace) Out8(port uint16, v uint8) { m[port] = uint16(v) }
func (m memSpace) In16(port uint16) uint16 { return m[port] }
func (m memSpace) Out16(port uint16, v uint16) { m[port] = v }

func TestTypedPorts(t *testing.T) {
	mem := memSpace{}
	rec := NewRecorder(mem)

	rw := NewPort8(rec, 0x1f2)
	ro := NewReadOnlyPort8(rec, 0x1f7)
	wo := NewWriteOnlyPort8(rec, 0x1f7)
	data := NewPort16(rec, 0x1f0)

	rw.Write(0x12)
	wo.Write(0xec)
	data.Write(0xbeef)

	assert.Equal(t, uint8(0x12), rw.Read())
	assert.Equal(t, uint8(0xec), ro.Read())
	assert.Equal(t, uint16(0xbeef), data.Read())

	log := rec.Log()
	require.Len(t, log, 6)
	assert.Equal(t, Access{Out, 0x1f2, 8, 0x12}, log[0])
	assert.Equal(t, Access{Out, 0x1f7, 8, 0xec}, log[1])
	assert.Equal(t, Access{Out, 0x1f0, 16, 0xbeef}, log[2])
	assert.Equal(t, In, log[3].Dir)

	writes := rec.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, uint16(0x1f7), writes[1].Port)

	rec.Reset()
	assert.Empty(t, rec.Log())
}

func TestRange(t *testing.T) {
	r := Range{Base: 0x1f0, Len: 8}
	assert.True(t, r.Contains(0x1f0))
	assert.True(t, r.Contains(0x1f7))
	assert.False(t, r.Contains(0x1f8))
	assert.False(t, r.Contains(0x1ef))
	assert.Equal(t, "0x1f0-0x1f7", r.String())

	top := Range{Base: 0xfff8, Len: 8}
	assert.True(t, top.Contains(0xffff))
}
