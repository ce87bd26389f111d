package storage

import (
	"fmt"
	"log"

	"lux9/userspace/drivers/ata"
)

// DeviceName returns the Plan 9 name of the drive at pos on the given bus
// (0 primary, 1 secondary): sdC0, sdC1, sdD0, sdD1.
func DeviceName(bus int, pos ata.Position) string {
	return fmt.Sprintf("sd%c%d", 'C'+rune(bus), int(pos))
}

// ParseDeviceName is the inverse of DeviceName.
func ParseDeviceName(name string) (bus int, pos ata.Position, err error) {
	if len(name) != 4 || name[:2] != "sd" || name[2] < 'C' || name[2] > 'D' || name[3] < '0' || name[3] > '1' {
		return 0, 0, fmt.Errorf("storage: bad IDE device name %q", name)
	}
	return int(name[2] - 'C'), ata.Position(name[3] - '0'), nil
}

// IDEDevices wraps every drive that answered the controller probe.
func IDEDevices(c *ata.Controller) []*BlockDevice {
	var devs []*BlockDevice
	for _, loc := range c.Drives() {
		bus := 0
		if loc.Bus == c.Secondary {
			bus = 1
		}
		name := DeviceName(bus, loc.Position)
		id := loc.Drive.Identify()
		log.Printf("IDE %s: %s, %d sectors, max transfer %d", name, id.Model(), loc.Drive.SizeInSectors(), loc.Drive.MaxTransferSectors())
		devs = append(devs, NewBlockDevice(name, loc.Drive))
	}
	return devs
}

// NewIDEDriver exports the drives of c as a storage driver named "ide".
func NewIDEDriver(c *ata.Controller) *Driver {
	return NewDriver("ide", IDEDevices(c)...)
}
