package pci

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, root, loc string, vendor, device uint16, class, subclass uint8, bars [6]uint32) {
	t.Helper()
	config := make([]byte, 256)
	binary.LittleEndian.PutUint16(config[0:], vendor)
	binary.LittleEndian.PutUint16(config[2:], device)
	config[9] = 0x80
	config[10] = subclass
	config[11] = class
	for i, b := range bars {
		binary.LittleEndian.PutUint32(config[16+4*i:], b)
	}
	dir := filepath.Join(root, loc)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), config, 0644))
}

func TestFindIDE(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "0000:00:01.1", 0x8086, 0x7010, 0x01, 0x01,
		[6]uint32{0, 0, 0, 0, 0xc041, 0})
	writeConfig(t, root, "0000:00:03.0", 0x8086, 0x100e, 0x02, 0x00,
		[6]uint32{0xfebc0000, 0, 0xc001, 0, 0, 0})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-device"), 0755))

	all, err := Scan(root)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ide, err := FindIDE(root)
	require.NoError(t, err)
	require.Len(t, ide, 1)

	d := ide[0]
	assert.Equal(t, "0000:00:01.1", d.Location.String())
	assert.Equal(t, uint16(0x8086), d.VendorID)
	assert.Equal(t, uint16(0x7010), d.DeviceID)
	assert.Equal(t, uint8(0x80), d.ProgIF)
	assert.True(t, d.IsIDE())
	assert.Equal(t, uint32(0xc041), d.BARs[4])
}

func TestScanMissingRoot(t *testing.T) {
	devs, err := Scan(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestLookup(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "0000:00:1f.2", 0x8086, 0x2922, 0x01, 0x01,
		[6]uint32{0xc001, 0xc081, 0xc011, 0xc091, 0xc021, 0})

	loc, err := ParseLocation("0000:00:1f.2")
	require.NoError(t, err)
	assert.Equal(t, Location{Bus: 0, Slot: 0x1f, Func: 2}, loc)

	d, err := Lookup(root, loc)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xc081), d.BARs[1])

	_, err = Lookup(root, Location{Slot: 2})
	assert.Error(t, err)
}

func TestParseShortHeader(t *testing.T) {
	_, err := Parse(Location{}, make([]byte, 16))
	assert.Error(t, err)
}

func TestLegacy(t *testing.T) {
	d := Legacy()
	assert.True(t, d.IsIDE())
	assert.Equal(t, [6]uint32{}, d.BARs)
}
