package ata

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawIdentify lays out an identify response the way a drive sends it.
func rawIdentify(model string, user28 uint32, max48 uint64) []byte {
	b := make([]byte, SectorSize)
	le := binary.LittleEndian
	swapped := func(word, n int, s string) {
		f := b[2*word : 2*word+n]
		for i := range f {
			f[i] = ' '
		}
		copy(f, s)
		swapPairs(f)
	}
	le.PutUint16(b[2*1:], 1024)
	le.PutUint16(b[2*3:], 16)
	le.PutUint16(b[2*6:], 63)
	swapped(10, 20, "SN-0042")
	swapped(23, 8, "1.0a")
	swapped(27, 40, model)
	b[2*47] = 16
	le.PutUint16(b[2*49:], capabilityLBA)
	le.PutUint32(b[2*60:], user28)
	le.PutUint16(b[2*83:], commandSetLBA48)
	le.PutUint64(b[2*100:], max48)
	le.PutUint16(b[2*217:], 7200)
	return b
}

func TestParseIdentify(t *testing.T) {
	id := ParseIdentify(rawIdentify("QEMU HARDDISK", 20480, 20480))

	assert.Equal(t, "QEMU HARDDISK", id.Model())
	assert.Equal(t, "SN-0042", id.Serial())
	assert.Equal(t, "1.0a", id.Firmware())
	assert.Equal(t, uint16(1024), id.NumCylinders)
	assert.Equal(t, uint16(16), id.NumHeads)
	assert.Equal(t, uint16(63), id.SectorsPerTrack)
	assert.Equal(t, uint8(16), id.MaxBlocksPerTransfer)
	assert.Equal(t, uint32(20480), id.UserAddressableSectors)
	assert.Equal(t, uint64(20480), id.Max48BitLBA)
	assert.Equal(t, uint16(7200), id.NominalMediaRotationRate)
	assert.True(t, id.SupportsLBA())
	assert.True(t, id.SupportsLBA48())
	assert.True(t, id.ChecksumValid(), "no signature means nothing to check")
}

func TestParseIdentifyStringsArePairSwapped(t *testing.T) {
	raw := make([]byte, SectorSize)
	copy(raw[2*27:], "EQUMH RADDSI K")

	id := ParseIdentify(raw)
	assert.Equal(t, "QEMU HARDDISK", id.Model())
	assert.Equal(t, byte('E'), id.Raw()[2*27], "raw record is left as read")
}

func TestParseIdentifyCHSOnly(t *testing.T) {
	raw := rawIdentify("OLD", 1000, 0)
	binary.LittleEndian.PutUint16(raw[2*49:], 0)
	assert.False(t, ParseIdentify(raw).SupportsLBA())
}

func TestIdentifyChecksum(t *testing.T) {
	raw := rawIdentify("SUMMED", 100, 100)
	raw[510] = identifySignature
	var sum uint8
	for _, v := range raw[:511] {
		sum += v
	}
	raw[511] = -sum
	assert.True(t, ParseIdentify(raw).ChecksumValid())

	raw[511]++
	assert.False(t, ParseIdentify(raw).ChecksumValid())
}

func TestParseIdentifyShortInput(t *testing.T) {
	id := ParseIdentify([]byte{0x40, 0x00})
	assert.Equal(t, uint16(0x40), id.GeneralConfiguration)
	assert.Zero(t, id.Max48BitLBA)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "0", Status(0).String())
	assert.Equal(t, "DRDY|DRQ", (StatusDriveReady | StatusDataRequest).String())
	assert.Equal(t, "BSY", StatusBusy.String())
	assert.True(t, (StatusDriveReady | StatusWriteFault).Failed())
	assert.False(t, (StatusDriveReady | StatusDataRequest).Failed())

	assert.Equal(t, "ABRT", ErrCommandAborted.String())
	assert.Equal(t, "UNC|IDNF", (ErrUncorrectableData | ErrIDNotFound).String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mid, high uint8
		want      DeviceType
	}{
		{0x00, 0x00, DevicePATA},
		{0x14, 0xEB, DevicePATAPI},
		{0x3C, 0xC3, DeviceSATA},
		{0x69, 0x96, DeviceSATAPI},
		{0x12, 0x34, DeviceUnknown},
		{0x00, 0xEB, DeviceUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%02x%02x", tt.mid, tt.high), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.mid, tt.high))
		})
	}
}

func boundsDrive(sectors uint32) *Drive {
	return &Drive{ident: &IdentifyData{UserAddressableSectors: sectors, MaxBlocksPerTransfer: 16}}
}

func TestLBABounds(t *testing.T) {
	d := boundsDrive(100)
	tests := []struct {
		name           string
		offset, length uint64
		start, end     uint64
		rem            int
	}{
		{"empty", 0, 0, 0, 0, 0},
		{"one byte", 0, 1, 0, 1, 0},
		{"one sector", 512, 512, 1, 2, 0},
		{"mid sector", 700, 10, 1, 2, 188},
		{"straddle", 500, 20, 0, 2, 500},
		{"6100 bytes", 0, 6100, 0, 12, 0},
		{"clipped", 51000, 4096, 99, 100, 312},
		{"at end", 51200, 512, 100, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, rem, err := d.lbaBounds(tt.offset, tt.length)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
			assert.Equal(t, tt.rem, rem)
			assert.LessOrEqual(t, start, end)
		})
	}
}

func TestLBABoundsOutOfBounds(t *testing.T) {
	d := boundsDrive(100)
	_, _, _, err := d.lbaBounds(51201, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSizeFallsBackTo48Bit(t *testing.T) {
	d := &Drive{ident: &IdentifyData{Max48BitLBA: 1 << 30}}
	assert.Equal(t, uint64(1<<30), d.SizeInSectors())
	assert.Equal(t, uint64(1<<30)*SectorSize, d.SizeInBytes())

	d.ident.UserAddressableSectors = 4096
	assert.Equal(t, uint64(4096), d.SizeInSectors())
}
