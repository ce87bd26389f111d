package ata

import (
	"encoding/binary"
	"strings"
)

// SectorSize is the transfer granularity of every drive this package drives.
const SectorSize = 512

// IdentifyData is the response to IDENTIFY DEVICE: 256 little-endian words
// at fixed offsets. Word numbers below follow ATA8-ACS.
type IdentifyData struct {
	GeneralConfiguration  uint16    // word 0
	NumCylinders          uint16    // word 1
	SpecificConfiguration uint16    // word 2
	NumHeads              uint16    // word 3
	SectorsPerTrack       uint16    // word 6
	VendorUnique1         [3]uint16 // words 7-9
	SerialNumber          [20]byte  // words 10-19, ASCII
	FirmwareRevision      [8]byte   // words 23-26, ASCII
	ModelNumber           [40]byte  // words 27-46, ASCII

	// MaxBlocksPerTransfer is the low byte of word 47, the largest
	// number of sectors the drive moves per data request block.
	MaxBlocksPerTransfer uint8
	VendorUnique2        uint8
	TrustedComputing     uint16 // word 48
	Capabilities         uint16 // word 49

	TranslationFieldsValid     uint8  // word 53 low
	FreeFallControlSensitivity uint8  // word 53 high
	NumCurrentCylinders        uint16 // word 54
	NumCurrentHeads            uint16 // word 55
	CurrentSectorsPerTrack     uint16 // word 56
	CurrentSectorCapacity      uint32 // words 57-58
	CurrentMultiSectorSetting  uint8  // word 59 low
	ExtCommandSupported        uint8  // word 59 high

	// UserAddressableSectors is the capacity reachable with 28-bit LBA
	// (words 60-61). Zero on drives that only report a 48-bit capacity.
	UserAddressableSectors uint32

	MultiwordDMASupport       uint8     // word 63 low
	MultiwordDMAActive        uint8     // word 63 high
	AdvancedPIOModes          uint8     // word 64 low
	MinMultiwordCycleTime     uint16    // word 65
	RecMultiwordCycleTime     uint16    // word 66
	MinPIOCycleTime           uint16    // word 67
	MinPIOCycleTimeIORDY      uint16    // word 68
	AdditionalSupported       uint16    // word 69
	QueueDepth                uint16    // word 75, bits 0-4
	SerialATACapabilities     uint32    // words 76-77
	SerialATAFeaturesSupport  uint16    // word 78
	SerialATAFeaturesEnabled  uint16    // word 79
	MajorRevision             uint16    // word 80
	MinorRevision             uint16    // word 81
	CommandSetSupport         [3]uint16 // words 82-84
	CommandSetActive          [3]uint16 // words 85-87
	UltraDMASupport           uint8     // word 88 low
	UltraDMAActive            uint8     // word 88 high
	NormalSecurityEraseUnit   uint16    // word 89
	EnhancedSecurityEraseUnit uint16    // word 90
	CurrentAPMLevel           uint8     // word 91 low
	MasterPasswordID          uint16    // word 92
	HardwareResetResult       uint16    // word 93
	CurrentAcousticValue      uint8     // word 94 low
	RecommendedAcousticValue  uint8     // word 94 high

	// Max48BitLBA is the capacity reachable with 48-bit LBA (words 100-103).
	Max48BitLBA uint64

	PhysicalLogicalSectorSize uint16    // word 106
	WorldWideName             [4]uint16 // words 108-111
	WordsPerLogicalSector     uint32    // words 117-118
	CommandSetSupportExt      uint16    // word 119
	CommandSetActiveExt       uint16    // word 120
	SecurityStatus            uint16    // word 128
	NominalFormFactor         uint16    // word 168
	DataSetManagementFeature  uint16    // word 169
	NominalMediaRotationRate  uint16    // word 217
	TransportMajorVersion     uint16    // word 222
	TransportMinorVersion     uint16    // word 223
	ExtendedUserSectors       uint64    // words 230-233

	Signature uint8 // word 255 low, 0xA5 when Checksum is valid
	Checksum  uint8 // word 255 high

	raw [SectorSize]byte
}

const (
	capabilityLBA      = 1 << 9  // word 49
	commandSetLBA48    = 1 << 10 // words 83 and 86
	identifySignature  = 0xA5
	identifyWordSerial = 10
	identifyWordFW     = 23
	identifyWordModel  = 27
)

// ParseIdentify decodes a raw identify response. The three text fields are
// stored with the bytes of each word swapped relative to every other field;
// they are returned in reading order.
func ParseIdentify(raw []byte) *IdentifyData {
	var buf [SectorSize]byte
	copy(buf[:], raw)

	le := binary.LittleEndian
	w := func(i int) uint16 { return le.Uint16(buf[2*i:]) }
	dw := func(i int) uint32 { return le.Uint32(buf[2*i:]) }
	lo := func(i int) uint8 { return buf[2*i] }
	hi := func(i int) uint8 { return buf[2*i+1] }

	id := &IdentifyData{raw: buf}
	id.GeneralConfiguration = w(0)
	id.NumCylinders = w(1)
	id.SpecificConfiguration = w(2)
	id.NumHeads = w(3)
	id.SectorsPerTrack = w(6)
	for i := range id.VendorUnique1 {
		id.VendorUnique1[i] = w(7 + i)
	}
	copy(id.SerialNumber[:], buf[2*identifyWordSerial:])
	copy(id.FirmwareRevision[:], buf[2*identifyWordFW:])
	copy(id.ModelNumber[:], buf[2*identifyWordModel:])
	swapPairs(id.SerialNumber[:])
	swapPairs(id.FirmwareRevision[:])
	swapPairs(id.ModelNumber[:])

	id.MaxBlocksPerTransfer = lo(47)
	id.VendorUnique2 = hi(47)
	id.TrustedComputing = w(48)
	id.Capabilities = w(49)
	id.TranslationFieldsValid = lo(53)
	id.FreeFallControlSensitivity = hi(53)
	id.NumCurrentCylinders = w(54)
	id.NumCurrentHeads = w(55)
	id.CurrentSectorsPerTrack = w(56)
	id.CurrentSectorCapacity = dw(57)
	id.CurrentMultiSectorSetting = lo(59)
	id.ExtCommandSupported = hi(59)
	id.UserAddressableSectors = dw(60)
	id.MultiwordDMASupport = lo(63)
	id.MultiwordDMAActive = hi(63)
	id.AdvancedPIOModes = lo(64)
	id.MinMultiwordCycleTime = w(65)
	id.RecMultiwordCycleTime = w(66)
	id.MinPIOCycleTime = w(67)
	id.MinPIOCycleTimeIORDY = w(68)
	id.AdditionalSupported = w(69)
	id.QueueDepth = w(75)
	id.SerialATACapabilities = dw(76)
	id.SerialATAFeaturesSupport = w(78)
	id.SerialATAFeaturesEnabled = w(79)
	id.MajorRevision = w(80)
	id.MinorRevision = w(81)
	for i := 0; i < 3; i++ {
		id.CommandSetSupport[i] = w(82 + i)
		id.CommandSetActive[i] = w(85 + i)
	}
	id.UltraDMASupport = lo(88)
	id.UltraDMAActive = hi(88)
	id.NormalSecurityEraseUnit = w(89)
	id.EnhancedSecurityEraseUnit = w(90)
	id.CurrentAPMLevel = lo(91)
	id.MasterPasswordID = w(92)
	id.HardwareResetResult = w(93)
	id.CurrentAcousticValue = lo(94)
	id.RecommendedAcousticValue = hi(94)
	id.Max48BitLBA = le.Uint64(buf[2*100:])
	id.PhysicalLogicalSectorSize = w(106)
	for i := range id.WorldWideName {
		id.WorldWideName[i] = w(108 + i)
	}
	id.WordsPerLogicalSector = dw(117)
	id.CommandSetSupportExt = w(119)
	id.CommandSetActiveExt = w(120)
	id.SecurityStatus = w(128)
	id.NominalFormFactor = w(168)
	id.DataSetManagementFeature = w(169)
	id.NominalMediaRotationRate = w(217)
	id.TransportMajorVersion = w(222)
	id.TransportMinorVersion = w(223)
	id.ExtendedUserSectors = le.Uint64(buf[2*230:])
	id.Signature = lo(255)
	id.Checksum = hi(255)
	return id
}

// swapPairs exchanges the two bytes of every 16-bit word in b.
func swapPairs(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

func text(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}

func (id *IdentifyData) Serial() string { return text(id.SerialNumber[:]) }
func (id *IdentifyData) Firmware() string { return text(id.FirmwareRevision[:]) }
func (id *IdentifyData) Model() string { return text(id.ModelNumber[:]) }

// SupportsLBA reports whether the drive can be addressed by linear block
// address rather than cylinder/head/sector.
func (id *IdentifyData) SupportsLBA() bool { return id.Capabilities&capabilityLBA != 0 }

// SupportsLBA48 reports whether the 48-bit address feature set is supported.
func (id *IdentifyData) SupportsLBA48() bool {
	return id.CommandSetSupport[1]&commandSetLBA48 != 0
}

// ChecksumValid reports whether word 255 carries a valid integrity word.
// Drives that leave the signature unset are not checked.
func (id *IdentifyData) ChecksumValid() bool {
	if id.Signature != identifySignature {
		return true
	}
	var sum uint8
	for _, b := range id.raw {
		sum += b
	}
	return sum == 0
}

// Raw returns the response exactly as it came off the data register.
func (id *IdentifyData) Raw() [SectorSize]byte { return id.raw }
