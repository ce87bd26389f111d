package ata

import (
	"fmt"
	"log"
)

// DefaultWarnEvery is how many busy polls pass between stuck-device warnings.
const DefaultWarnEvery = 1000000

// PollPolicy bounds the busy-wait loops. A zero MaxPolls waits forever,
// which is what real hardware bring-up wants; tests and tools that must not
// hang set a bound and get ErrTimeout instead.
type PollPolicy struct {
	MaxPolls  uint64
	WarnEvery uint64
}

// Logger is the subset of *log.Logger the driver writes diagnostics to.
type Logger interface {
	Printf(format string, v ...any)
}

func (p PollPolicy) warnEvery() uint64 {
	if p.WarnEvery == 0 {
		return DefaultWarnEvery
	}
	return p.WarnEvery
}

// status reads the status register after four discarded alternate status
// reads, giving the drive the 400ns it needs to update BSY after a command
// or drive select.
func (d *Drive) status() Status {
	for i := 0; i < 4; i++ {
		d.altStatus.Read()
	}
	return Status(d.statusReg.Read())
}

// poll spins until the drive drops BSY and done accepts the resulting
// status. Unless stale is set, ERR or DF ends the wait at once.
func (d *Drive) poll(op string, stale bool, done func(Status) bool) error {
	every := d.policy.warnEvery()
	for n := uint64(1); ; n++ {
		s := d.status()
		if !stale && s.Failed() {
			return &DeviceError{Op: op, Status: s, Err: ErrorBits(d.errorReg.Read())}
		}
		if !s.Has(StatusBusy) && done(s) {
			return nil
		}
		if d.policy.MaxPolls != 0 && n >= d.policy.MaxPolls {
			return fmt.Errorf("%s on %v after %d polls (status %v): %w", op, d, n, s, ErrTimeout)
		}
		if n%every == 0 {
			d.log.Printf("ata: %v: %s: still busy after %d polls (status %v)", d, op, n, s)
		}
	}
}

// waitForDataReady waits until the drive is ready to move a block of data.
func (d *Drive) waitForDataReady(op string) error {
	return d.poll(op, false, func(s Status) bool { return s.Has(StatusDataRequest) })
}

// waitForDataDone waits until the drive has finished the current command.
func (d *Drive) waitForDataDone(op string) error {
	return d.poll(op, false, func(s Status) bool { return !s.Has(StatusDataRequest) })
}

// waitForIdle waits until the selected drive will accept a command. ERR and
// DF belong to the previous command and are ignored.
func (d *Drive) waitForIdle(op string) error {
	return d.poll(op, true, func(s Status) bool { return !s.Has(StatusDataRequest) })
}

var defaultLogger Logger = log.Default()
