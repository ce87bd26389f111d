package ata

import "strings"

// Status is the value of a drive's status (or alternate status) register.
type Status uint8

const (
	StatusError         Status = 0x01
	StatusIndex         Status = 0x02
	StatusCorrectedData Status = 0x04
	StatusDataRequest   Status = 0x08 // DRQ: data phase pending
	StatusSeekComplete  Status = 0x10
	StatusWriteFault    Status = 0x20
	StatusDriveReady    Status = 0x40
	StatusBusy          Status = 0x80 // other registers are not valid while set
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusBusy, "BSY"},
	{StatusDriveReady, "DRDY"},
	{StatusWriteFault, "DF"},
	{StatusSeekComplete, "DSC"},
	{StatusDataRequest, "DRQ"},
	{StatusCorrectedData, "CORR"},
	{StatusIndex, "IDX"},
	{StatusError, "ERR"},
}

// Has reports whether any of the given bits are set.
func (s Status) Has(bits Status) bool { return s&bits != 0 }

// Failed reports whether the drive signalled an error or a write fault.
func (s Status) Failed() bool { return s.Has(StatusError | StatusWriteFault) }

func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var names []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ErrorBits is the value of a drive's error register. It is only
// meaningful after a command completed with StatusError set.
type ErrorBits uint8

const (
	ErrAddressMarkNotFound ErrorBits = 0x01
	ErrTrack0NotFound      ErrorBits = 0x02
	ErrCommandAborted      ErrorBits = 0x04
	ErrMediaChangeRequest  ErrorBits = 0x08
	ErrIDNotFound          ErrorBits = 0x10
	ErrMediaChanged        ErrorBits = 0x20
	ErrUncorrectableData   ErrorBits = 0x40
	ErrBadBlock            ErrorBits = 0x80
)

var errorNames = []struct {
	bit  ErrorBits
	name string
}{
	{ErrBadBlock, "BBK"},
	{ErrUncorrectableData, "UNC"},
	{ErrMediaChanged, "MC"},
	{ErrIDNotFound, "IDNF"},
	{ErrMediaChangeRequest, "MCR"},
	{ErrCommandAborted, "ABRT"},
	{ErrTrack0NotFound, "TK0NF"},
	{ErrAddressMarkNotFound, "AMNF"},
}

func (e ErrorBits) Has(bits ErrorBits) bool { return e&bits != 0 }

func (e ErrorBits) String() string {
	if e == 0 {
		return "0"
	}
	var names []string
	for _, n := range errorNames {
		if e&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Control bits written to the device control register.
const (
	ControlNIEN uint8 = 0x02 // disable device interrupts
	ControlSRST uint8 = 0x04 // software reset, applies to both drives on a bus
	ControlHOB  uint8 = 0x80 // read back the high-order byte of 48-bit registers
)

// Command is an ATA command opcode.
type Command uint8

const (
	CmdReadPIO        Command = 0x20
	CmdReadPIOExt     Command = 0x24
	CmdReadDMA        Command = 0xC8
	CmdReadDMAExt     Command = 0x25
	CmdWritePIO       Command = 0x30
	CmdWritePIOExt    Command = 0x34
	CmdWriteDMA       Command = 0xCA
	CmdWriteDMAExt    Command = 0x35
	CmdCacheFlush     Command = 0xE7
	CmdCacheFlushExt  Command = 0xEA
	CmdPacket         Command = 0xA0
	CmdIdentifyDevice Command = 0xEC
	CmdIdentifyPacket Command = 0xA1
)
