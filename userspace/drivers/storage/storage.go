// Package storage turns ATA drives into byte-addressed block devices and
// exports them as a file tree.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lux9/userspace/drivers/framework"
)

// Driver exports block devices as a framework.Driver:
//
//	/<dev>/data      whole device, read/write
//	/<dev>/ctl       device summary; accepts "flush" and "rescan"
//	/<dev>/ident     raw IDENTIFY sector
//	/<dev>/geometry  CHS geometry and capacity
//	/<dev>/partN     primary MBR partition N, read/write
type Driver struct {
	name    string
	started time.Time

	mu      sync.RWMutex
	devices map[string]*BlockDevice
}

// NewDriver creates a storage driver serving devs.
func NewDriver(name string, devs ...*BlockDevice) *Driver {
	d := &Driver{name: name, started: time.Now(), devices: make(map[string]*BlockDevice)}
	for _, dev := range devs {
		d.Add(dev)
	}
	return d
}

// Add exports dev under its name, replacing any device of the same name.
func (d *Driver) Add(dev *BlockDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.Name] = dev
}

// Remove stops exporting the device called name.
func (d *Driver) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[name]; !ok {
		return fmt.Errorf("device %s not found", name)
	}
	delete(d.devices, name)
	return nil
}

// Device returns the device called name.
func (d *Driver) Device(name string) (*BlockDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[name]
	return dev, ok
}

// Devices returns the exported devices sorted by name.
func (d *Driver) Devices() []*BlockDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	devs := make([]*BlockDevice, 0, len(d.devices))
	for _, dev := range d.devices {
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Name < devs[j].Name })
	return devs
}

// Name returns the driver name
func (d *Driver) Name() string { return d.name }

// Init reads the partition tables of all devices. A device without one is
// still exported.
func (d *Driver) Init() error {
	devs := d.Devices()
	for _, dev := range devs {
		if err := dev.RescanPartitions(); err != nil && !errors.Is(err, ErrNoPartitionTable) {
			log.Printf("Warning: %s: %v", dev.Name, err)
		}
	}
	log.Printf("Initialized %s driver with %d devices", d.name, len(devs))
	return nil
}

// node is a resolved path.
type node struct {
	dev  *BlockDevice
	file string
	part *Partition
}

func (d *Driver) resolve(p string) (node, error) {
	p = framework.Clean(p)
	if p == "" {
		return node{}, nil
	}
	name, file, _ := strings.Cut(p, "/")
	dev, ok := d.Device(name)
	if !ok || strings.Contains(file, "/") {
		return node{}, fmt.Errorf("%s: %w", p, framework.ErrNotFound)
	}
	n := node{dev: dev, file: file}
	switch {
	case file == "", file == "data", file == "ctl", file == "ident", file == "geometry":
	case strings.HasPrefix(file, "part"):
		num, err := strconv.Atoi(strings.TrimPrefix(file, "part"))
		if err != nil {
			return node{}, fmt.Errorf("%s: %w", p, framework.ErrNotFound)
		}
		part, ok := dev.Partition(num)
		if !ok {
			return node{}, fmt.Errorf("%s: %w", p, framework.ErrNotFound)
		}
		n.part = part
	default:
		return node{}, fmt.Errorf("%s: %w", p, framework.ErrNotFound)
	}
	return n, nil
}

func (d *Driver) stat(n node) framework.Stat {
	st := framework.Stat{MTime: d.started}
	switch {
	case n.dev == nil:
		st.Name, st.Mode = "/", framework.ModeDir|0555
	case n.file == "":
		st.Name, st.Mode = n.dev.Name, framework.ModeDir|0555
	default:
		st.Name = n.file
		switch n.file {
		case "data":
			st.Mode, st.Length = 0660, uint64(n.dev.Size())
		case "ctl":
			st.Mode, st.Length = 0660, uint64(len(ctlText(n.dev)))
		case "ident":
			st.Mode, st.Length = 0440, SectorSize
		case "geometry":
			st.Mode, st.Length = 0440, uint64(len(geometryText(n.dev)))
		default:
			st.Mode, st.Length = 0660, uint64(n.part.Size())
		}
	}
	path := st.Name
	if n.dev != nil && n.file != "" {
		path = n.dev.Name + "/" + n.file
	}
	st.Qid = framework.Qid{Path: framework.QidPath(path)}
	if st.Mode&framework.ModeDir != 0 {
		st.Qid.Type = 0x80
	}
	return st
}

// HandleStat returns file statistics
func (d *Driver) HandleStat(p string) (framework.Stat, error) {
	n, err := d.resolve(p)
	if err != nil {
		return framework.Stat{}, err
	}
	return d.stat(n), nil
}

// HandleList lists the root or a device directory.
func (d *Driver) HandleList(p string) ([]framework.Stat, error) {
	n, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	var list []framework.Stat
	switch {
	case n.dev == nil:
		for _, dev := range d.Devices() {
			list = append(list, d.stat(node{dev: dev}))
		}
	case n.file == "":
		for _, f := range []string{"ctl", "data", "geometry", "ident"} {
			list = append(list, d.stat(node{dev: n.dev, file: f}))
		}
		for _, part := range n.dev.Partitions() {
			list = append(list, d.stat(node{dev: n.dev, file: fmt.Sprintf("part%d", part.Number), part: part}))
		}
	default:
		return nil, fmt.Errorf("%s: %w", p, framework.ErrNotDir)
	}
	return list, nil
}

// HandleOpen refuses write access to the read-only files.
func (d *Driver) HandleOpen(p string, mode uint8) error {
	n, err := d.resolve(p)
	if err != nil {
		return err
	}
	if framework.Writable(mode) && (n.file == "ident" || n.file == "geometry") {
		return fmt.Errorf("%s: %w", framework.Clean(p), framework.ErrPermission)
	}
	return nil
}

// HandleRead handles read operations
func (d *Driver) HandleRead(p string, offset uint64, count uint32) ([]byte, error) {
	n, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	switch n.file {
	case "":
		return nil, fmt.Errorf("%s: %w", framework.Clean(p), framework.ErrIsDir)
	case "ctl":
		return window([]byte(ctlText(n.dev)), offset, count), nil
	case "geometry":
		return window([]byte(geometryText(n.dev)), offset, count), nil
	case "ident":
		ident := n.dev.Identify()
		raw := ident.Raw()
		return window(raw[:], offset, count), nil
	}

	var r interface {
		ReadAt([]byte, int64) (int, error)
		Size() int64
	} = n.dev
	if n.part != nil {
		r = n.part
	}
	if offset >= uint64(r.Size()) {
		return nil, nil
	}
	buf := make([]byte, min(uint64(count), uint64(r.Size())-offset))
	m, err := r.ReadAt(buf, int64(offset))
	if err != nil && m < len(buf) {
		return buf[:m], err
	}
	return buf[:m], nil
}

// HandleWrite handles write operations
func (d *Driver) HandleWrite(p string, offset uint64, data []byte) (uint32, error) {
	n, err := d.resolve(p)
	if err != nil {
		return 0, err
	}
	switch n.file {
	case "":
		return 0, fmt.Errorf("%s: %w", framework.Clean(p), framework.ErrIsDir)
	case "ctl":
		if err := d.control(n.dev, string(data)); err != nil {
			return 0, err
		}
		return uint32(len(data)), nil
	case "ident", "geometry":
		return 0, fmt.Errorf("%s: %w", framework.Clean(p), framework.ErrPermission)
	case "data":
		m, err := n.dev.WriteAt(data, int64(offset))
		return uint32(m), err
	}
	m, err := n.part.WriteAt(data, int64(offset))
	return uint32(m), err
}

// control runs ctl messages, one per line.
func (d *Driver) control(dev *BlockDevice, msg string) error {
	for _, line := range strings.Split(msg, "\n") {
		switch cmd := strings.TrimSpace(line); cmd {
		case "":
		case "flush":
			if err := dev.Flush(); err != nil {
				return fmt.Errorf("%s: flush: %w", dev.Name, err)
			}
		case "rescan":
			if err := dev.RescanPartitions(); err != nil && !errors.Is(err, ErrNoPartitionTable) {
				return err
			}
		default:
			return fmt.Errorf("%s: unknown ctl message %q: %w", dev.Name, cmd, framework.ErrUnsupported)
		}
	}
	return nil
}

func ctlText(dev *BlockDevice) string {
	id := dev.Identify()
	var sb strings.Builder
	fmt.Fprintf(&sb, "device %s\n", dev.Name)
	fmt.Fprintf(&sb, "model %s\n", id.Model())
	fmt.Fprintf(&sb, "serial %s\n", id.Serial())
	fmt.Fprintf(&sb, "firmware %s\n", id.Firmware())
	fmt.Fprintf(&sb, "sectors %d\n", dev.Sectors())
	fmt.Fprintf(&sb, "secsize %d\n", SectorSize)
	fmt.Fprintf(&sb, "maxxfer %d\n", dev.disk.MaxTransferSectors())
	fmt.Fprintf(&sb, "lba48 %t\n", id.SupportsLBA48())
	for _, p := range dev.Partitions() {
		fmt.Fprintf(&sb, "%v\n", p)
	}
	return sb.String()
}

func geometryText(dev *BlockDevice) string {
	id := dev.Identify()
	return fmt.Sprintf("cylinders %d\nheads %d\nsectors %d\ntotal %d\nsecsize %d\n",
		id.NumCylinders, id.NumHeads, id.SectorsPerTrack, dev.Sectors(), SectorSize)
}

func window(b []byte, offset uint64, count uint32) []byte {
	if offset >= uint64(len(b)) {
		return nil
	}
	return b[offset:min(offset+uint64(count), uint64(len(b)))]
}
