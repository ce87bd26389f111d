package ata

import (
	"errors"
	"fmt"
)

var (
	ErrNotPresent        = errors.New("ata: no device present")
	ErrNotATA            = errors.New("ata: device is not ATA")
	ErrUnsupportedDevice = errors.New("ata: unsupported device")
	ErrCHSUnsupported    = errors.New("ata: device does not support LBA addressing")
	ErrOutOfBounds       = errors.New("ata: offset beyond end of device")
	ErrTransferTooLarge  = errors.New("ata: transfer exceeds drive maximum")
	ErrUnaligned         = errors.New("ata: write is not sector aligned")
	ErrHardware          = errors.New("ata: hardware error")
	ErrUnimplemented     = errors.New("ata: not implemented")
	ErrTimeout           = errors.New("ata: device stayed busy")
)

// DeviceType is the device class advertised by the signature a drive
// leaves in the LBA mid/high registers after IDENTIFY.
type DeviceType int

const (
	DevicePATA DeviceType = iota
	DevicePATAPI
	DeviceSATA
	DeviceSATAPI
	DeviceUnknown
)

func (t DeviceType) String() string {
	switch t {
	case DevicePATA:
		return "PATA"
	case DevicePATAPI:
		return "PATAPI"
	case DeviceSATA:
		return "SATA"
	case DeviceSATAPI:
		return "SATAPI"
	}
	return "unknown"
}

// Classify maps an (LBA mid, LBA high) signature to a device type.
func Classify(mid, high uint8) DeviceType {
	switch {
	case mid == 0x00 && high == 0x00:
		return DevicePATA
	case mid == 0x14 && high == 0xEB:
		return DevicePATAPI
	case mid == 0x3C && high == 0xC3:
		return DeviceSATA
	case mid == 0x69 && high == 0x96:
		return DeviceSATAPI
	}
	return DeviceUnknown
}

// UnsupportedError reports a device that answered IDENTIFY with a
// signature other than plain ATA.
type UnsupportedError struct {
	Type      DeviceType
	Mid, High uint8
}

func (e *UnsupportedError) Error() string {
	if e.Type == DeviceUnknown {
		return fmt.Sprintf("ata: unknown device signature %#02x/%#02x", e.Mid, e.High)
	}
	return fmt.Sprintf("ata: unsupported %v device", e.Type)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupportedDevice }

// DeviceError is returned when a drive sets ERR or DF while a command is
// in progress.
type DeviceError struct {
	Op     string
	Status Status
	Err    ErrorBits
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("ata: %s: status %v, error %v", e.Op, e.Status, e.Err)
}

func (e *DeviceError) Unwrap() error { return ErrHardware }
