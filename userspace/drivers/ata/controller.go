package ata

import (
	"fmt"
	"strings"

	"lux9/userspace/drivers/pci"
	"lux9/userspace/drivers/portio"
)

// Compatibility-mode ports used when a BAR reads as 0x0 or 0x1.
const (
	PrimaryDataPort      = 0x1F0
	PrimaryControlPort   = 0x3F6
	SecondaryDataPort    = 0x170
	SecondaryControlPort = 0x376
)

// Controller is an IDE controller: a primary and a secondary bus.
type Controller struct {
	Location  pci.Location
	Primary   *Bus
	Secondary *Bus
}

// Located names a present drive by where it sits.
type Located struct {
	Bus      *Bus
	Position Position
	Drive    *Drive
}

// Ports returns the data and control bases of both channels of dev.
func Ports(dev *pci.Descriptor) [4]uint16 {
	defaults := [4]uint16{PrimaryDataPort, PrimaryControlPort, SecondaryDataPort, SecondaryControlPort}
	var ports [4]uint16
	for i, def := range defaults {
		switch bar := dev.BARs[i]; bar {
		case 0x0, 0x1:
			ports[i] = def
		default:
			ports[i] = uint16(bar)
		}
	}
	return ports
}

// PortRanges lists the I/O ranges a controller at dev will touch.
func PortRanges(dev *pci.Descriptor) []portio.Range {
	p := Ports(dev)
	return []portio.Range{
		{Base: p[0] & barPortMask, Len: 8},
		{Base: p[1] & barPortMask, Len: 4},
		{Base: p[2] & barPortMask, Len: 8},
		{Base: p[3] & barPortMask, Len: 4},
	}
}

// NewController probes the four drive positions of the IDE controller
// described by dev. Missing drives are recorded on their bus and do not
// fail construction.
func NewController(space portio.Space, dev *pci.Descriptor, opts ...Option) (*Controller, error) {
	if !dev.IsIDE() {
		return nil, fmt.Errorf("ata: %v is not an IDE controller", dev)
	}
	logger := newOptions(opts).log

	p := Ports(dev)
	for i, bar := range dev.BARs[:4] {
		if bar > 0x1 {
			logger.Printf("ata: %v: BAR%d is %#x, not using the compatibility port", dev.Location, i, bar)
		}
	}

	c := &Controller{
		Location:  dev.Location,
		Primary:   NewBus("primary", space, p[0], p[1], opts...),
		Secondary: NewBus("secondary", space, p[2], p[3], opts...),
	}
	logger.Printf("%v", c)
	return c, nil
}

// Drives lists the drives that answered the probe, primary bus first.
func (c *Controller) Drives() []Located {
	var out []Located
	for _, b := range []*Bus{c.Primary, c.Secondary} {
		for _, pos := range []Position{Master, Slave} {
			if d := b.Drive(pos); d != nil {
				out = append(out, Located{Bus: b, Position: pos, Drive: d})
			}
		}
	}
	return out
}

func (c *Controller) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ATA drive controller at %v:", c.Location)
	for _, b := range []*Bus{c.Primary, c.Secondary} {
		for _, pos := range []Position{Master, Slave} {
			fmt.Fprintf(&sb, "\n--> %-18s", fmt.Sprintf("%s %s:", b.Name, pos))
			if d := b.Drive(pos); d != nil {
				fmt.Fprintf(&sb, "drive initialized, size: %d sectors", d.SizeInSectors())
			} else {
				fmt.Fprintf(&sb, "%v", b.ProbeError(pos))
			}
		}
	}
	return sb.String()
}
