package atasim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lux9/userspace/drivers/ata"
)

const (
	base = ata.PrimaryDataPort
	ctl  = 0x3f6
)

func TestFloatingChannel(t *testing.T) {
	c := New()
	assert.Equal(t, uint8(0xFF), c.In8(base+regStatus))
	assert.Equal(t, uint8(0xFF), c.In8(0x1234), "unmapped port")
}

func TestAbsentDeviceReadsZero(t *testing.T) {
	c := New()
	c.Attach(0, ata.Master, &Device{Sectors: 8})
	c.Out8(base+regSelect, 0xB0)
	assert.Zero(t, c.In8(base+regStatus))
	c.Out8(base+regSelect, 0xA0)
	assert.Equal(t, ata.StatusDriveReady|ata.StatusSeekComplete, ata.Status(c.In8(base+regStatus)))
}

func TestBusyCountsDownOnStatusReads(t *testing.T) {
	c := New()
	dev := &Device{Sectors: 8, BusyPolls: 2}
	c.Attach(0, ata.Master, dev)
	c.Out8(base+regSelect, 0xE0)
	c.Out8(base+regStatus, uint8(ata.CmdCacheFlush))

	assert.Equal(t, ata.StatusBusy, ata.Status(c.In8(ctl)), "alternate status does not count")
	assert.Equal(t, ata.StatusBusy, ata.Status(c.In8(base+regStatus)))
	assert.Equal(t, ata.StatusBusy, ata.Status(c.In8(base+regStatus)))
	assert.False(t, ata.Status(c.In8(base+regStatus)).Has(ata.StatusBusy))
	assert.Equal(t, 1, dev.Flushes())
}

func TestCHSReadAborted(t *testing.T) {
	c := New()
	dev := &Device{Sectors: 8}
	c.Attach(0, ata.Master, dev)
	c.Out8(base+regSelect, 0xA0)
	c.Out8(base+regCount, 1)
	c.Out8(base+regStatus, uint8(ata.CmdReadPIO))

	assert.True(t, ata.Status(c.In8(base+regStatus)).Has(ata.StatusError))
	assert.Equal(t, ata.ErrCommandAborted, ata.ErrorBits(c.In8(base+regError)))
}

func TestReadPastEndNotFound(t *testing.T) {
	c := New()
	c.Attach(0, ata.Master, &Device{Sectors: 8})
	c.Out8(base+regSelect, 0xE0)
	c.Out8(base+regCount, 2)
	c.Out8(base+regLBALow, 7)
	c.Out8(base+regStatus, uint8(ata.CmdReadPIO))

	assert.Equal(t, ata.ErrIDNotFound, ata.ErrorBits(c.In8(base+regError)))
}

func TestSoftwareResetRestoresSignature(t *testing.T) {
	c := New()
	c.Attach(1, ata.Master, &Device{Type: ata.DeviceSATA})
	const sbase, sctl = ata.SecondaryDataPort, 0x376

	c.Out8(sctl, ata.ControlSRST)
	assert.Equal(t, ata.StatusBusy, ata.Status(c.In8(sbase+regStatus)))
	c.Out8(sctl, 0)

	assert.Equal(t, uint8(1), c.In8(sbase+regCount))
	assert.Equal(t, uint8(0x3C), c.In8(sbase+regLBAMid))
	assert.Equal(t, uint8(0xC3), c.In8(sbase+regLBAHigh))
	assert.Equal(t, ata.StatusDriveReady|ata.StatusSeekComplete, ata.Status(c.In8(sbase+regStatus)))
}

func TestIdentifyResponse(t *testing.T) {
	dev := &Device{Sectors: 1 << 30, Model: "SIM", MaxTransfer: 8}
	raw := dev.identify()
	id := ata.ParseIdentify(raw[:])

	assert.Equal(t, "SIM", id.Model())
	assert.Equal(t, uint8(8), id.MaxBlocksPerTransfer)
	assert.Zero(t, id.UserAddressableSectors, "too large for 28-bit")
	assert.Equal(t, uint64(1<<30), id.Max48BitLBA)
	assert.Equal(t, uint16(16383), id.NumCylinders)
	assert.True(t, id.ChecksumValid())
}

func TestImageBackedDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4*ata.SectorSize))

	dev := &Device{Sectors: 4, Image: f}
	require.NoError(t, dev.Load(1000, []byte("on disk")))
	assert.Equal(t, []byte("on disk"), dev.Bytes(1000, 7))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got[1000:1007])
}

func TestDescriptorLegacy(t *testing.T) {
	d := New().Descriptor()
	assert.True(t, d.IsIDE())
	assert.Equal(t, [6]uint32{}, d.BARs)
}
