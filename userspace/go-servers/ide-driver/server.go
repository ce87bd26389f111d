package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"

	"lux9/userspace/drivers/ata"
	"lux9/userspace/drivers/ata/atasim"
	"lux9/userspace/drivers/framework"
	"lux9/userspace/drivers/pci"
	"lux9/userspace/drivers/portio"
	"lux9/userspace/drivers/storage"
	"lux9/userspace/go-servers/sip"
)

// hardware is an opened controller and whatever must be released with it:
// image files, or the thread doing port I/O.
type hardware struct {
	controller *ata.Controller
	closers    []io.Closer
}

func (h *hardware) Close() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c.Close())
	}
	h.closers = nil
	return errors.Join(errs...)
}

// openHardware brings up the controller cfg describes: simulated drives
// over image files, or the real ports.
func openHardware(cfg Config, logger ata.Logger) (*hardware, error) {
	opts := []ata.Option{ata.WithPollPolicy(cfg.PollPolicy()), ata.WithLogger(logger)}
	h := &hardware{}

	if cfg.Simulated() {
		sim := atasim.New()
		names := make([]string, 0, len(cfg.Sim.Images))
		for name := range cfg.Sim.Images {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bus, pos, err := storage.ParseDeviceName(name)
			if err != nil {
				h.Close()
				return nil, err
			}
			dev, f, err := imageDevice(name, cfg.Sim.Images[name], cfg.Sim.Model)
			if err != nil {
				h.Close()
				return nil, err
			}
			h.closers = append(h.closers, f)
			sim.Attach(bus, pos, dev)
		}
		c, err := ata.NewController(sim, sim.Descriptor(), opts...)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.controller = c
		return h, nil
	}

	desc, err := describe(cfg.Controller)
	if err != nil {
		return nil, err
	}
	space, err := portio.Native(ata.PortRanges(desc)...)
	if err != nil {
		return nil, fmt.Errorf("port access for %v: %w", desc.Location, err)
	}
	h.closers = append(h.closers, space)
	c, err := ata.NewController(space, desc, opts...)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.controller = c
	return h, nil
}

func imageDevice(name, path, model string) (*atasim.Device, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("image for %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("image for %s: %w", name, err)
	}
	if fi.Size() < storage.SectorSize {
		f.Close()
		return nil, nil, fmt.Errorf("image for %s: %s is smaller than one sector", name, path)
	}
	dev := &atasim.Device{
		Sectors:  uint64(fi.Size()) / storage.SectorSize,
		Model:    model,
		Serial:   name,
		Firmware: "1.0",
		Image:    f,
	}
	return dev, f, nil
}

func describe(cc ControllerSection) (*pci.Descriptor, error) {
	var desc *pci.Descriptor
	if cc.Location == "" || cc.Location == "legacy" {
		desc = pci.Legacy()
	} else {
		loc, err := pci.ParseLocation(cc.Location)
		if err != nil {
			return nil, err
		}
		root := cc.SysfsRoot
		if root == "" {
			root = pci.DefaultRoot
		}
		if desc, err = pci.Lookup(root, loc); err != nil {
			return nil, err
		}
	}
	for i, bar := range cc.BARs {
		desc.BARs[i] = bar
	}
	return desc, nil
}

// IDEDriverServer implements the SIP IDeviceDriver interface
type IDEDriverServer struct {
	*sip.BaseServer
	cfg    Config
	logger *sip.DefaultLogger

	mu      sync.Mutex
	hw      *hardware
	probed  map[string]*storage.BlockDevice
	storage *storage.Driver
	server  *framework.DriverServer
	served  chan error
}

// Ensure we implement the interface
var _ sip.IDeviceDriver = (*IDEDriverServer)(nil)

// NewIDEDriver returns a constructor for servers driven by cfg.
func NewIDEDriver(cfg Config) sip.ServerConstructor {
	return func(config *sip.ServerConfig) (sip.IServer, error) {
		return &IDEDriverServer{
			BaseServer: sip.NewBaseServer(config),
			cfg:        cfg,
			logger:     sip.NewDefaultLogger(config.Name),
		}, nil
	}
}

// Initialize implements IDeviceDriver
func (d *IDEDriverServer) Initialize(ctx context.Context, config *sip.ServerConfig) error {
	if err := d.BaseServer.Initialize(ctx, config); err != nil {
		return err
	}

	d.logger.Info("Initializing IDE driver")

	requiredCaps := sip.CapFileSystem | sip.CapDeviceAccess
	if !d.cfg.Simulated() {
		requiredCaps |= sip.CapPortIO
	}
	if config.Capabilities&requiredCaps != requiredCaps {
		return fmt.Errorf("IDE driver requires capabilities %v, have %v", requiredCaps, config.Capabilities)
	}

	d.storage = storage.NewDriver(config.Name)
	d.logger.Info("IDE driver initialized")
	return nil
}

// Start implements IDeviceDriver
func (d *IDEDriverServer) Start(ctx context.Context) error {
	d.logger.Info("Starting IDE driver")

	devices, err := d.Probe(ctx)
	if err != nil {
		d.logger.Error("Probe failed: %v", err)
		return err
	}

	d.logger.Info("Found %d IDE devices", len(devices))

	for _, devPath := range devices {
		if err := d.AttachDevice(ctx, devPath); err != nil {
			d.logger.Error("Failed to attach %s: %v", devPath, err)
			continue
		}
		d.logger.Info("Attached device: %s", devPath)
	}

	srv := framework.NewDriverServer(d.storage, d.cfg.Server.MSize)
	if err := srv.Listen(d.cfg.Server.Network, d.cfg.Server.Listen); err != nil {
		d.closeHardware()
		return fmt.Errorf("failed to start 9P server: %w", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	d.mu.Lock()
	d.server, d.served = srv, served
	d.mu.Unlock()

	if err := d.BaseServer.Start(ctx); err != nil {
		return err
	}
	if len(devices) == 0 {
		d.UpdateHealth(sip.HealthDegraded, "no drives found", nil)
	}
	d.logger.Info("IDE driver started, serving %s at %v", d.GetConfig().MountPoint, srv.Addr())
	return nil
}

// Stop implements IDeviceDriver
func (d *IDEDriverServer) Stop(ctx context.Context) error {
	d.logger.Info("Stopping IDE driver")

	d.mu.Lock()
	srv, served := d.server, d.served
	d.server, d.served = nil, nil
	d.mu.Unlock()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Close())
		select {
		case err := <-served:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if d.storage != nil {
		for _, dev := range d.storage.Devices() {
			if err := dev.Flush(); err != nil {
				d.logger.Warn("Flush %s: %v", dev.Name, err)
			}
		}
	}
	errs = append(errs, d.closeHardware())
	errs = append(errs, d.BaseServer.Stop(ctx))
	return errors.Join(errs...)
}

func (d *IDEDriverServer) closeHardware() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hw == nil {
		return nil
	}
	err := d.hw.Close()
	d.hw = nil
	return err
}

// Probe implements IDeviceDriver
func (d *IDEDriverServer) Probe(ctx context.Context) ([]string, error) {
	d.logger.Info("Probing for IDE drives")

	hw, err := openHardware(d.cfg, d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open controller: %w", err)
	}

	devs := storage.IDEDevices(hw.controller)
	probed := make(map[string]*storage.BlockDevice, len(devs))
	names := make([]string, 0, len(devs))
	for _, dev := range devs {
		probed[dev.Name] = dev
		names = append(names, dev.Name)
	}

	d.mu.Lock()
	old := d.hw
	d.hw, d.probed = hw, probed
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return names, nil
}

// AttachDevice implements IDeviceDriver
func (d *IDEDriverServer) AttachDevice(ctx context.Context, devicePath string) error {
	d.logger.Info("Attaching device: %s", devicePath)

	d.mu.Lock()
	dev, ok := d.probed[devicePath]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s was not found by the last probe", devicePath)
	}

	if err := dev.RescanPartitions(); err != nil && !errors.Is(err, storage.ErrNoPartitionTable) {
		d.logger.Warn("Failed to read partitions for %s: %v", devicePath, err)
	}
	for _, p := range dev.Partitions() {
		d.logger.Debug("%s: %v", devicePath, p)
	}

	d.storage.Add(dev)
	d.IncrementRequests()
	return nil
}

// DetachDevice implements IDeviceDriver
func (d *IDEDriverServer) DetachDevice(ctx context.Context, devicePath string) error {
	d.logger.Info("Detaching device: %s", devicePath)

	dev, ok := d.storage.Device(devicePath)
	if !ok {
		return fmt.Errorf("device %s not attached", devicePath)
	}
	if err := dev.Flush(); err != nil {
		d.RecordError(err)
		return fmt.Errorf("flush %s: %w", devicePath, err)
	}
	return d.storage.Remove(devicePath)
}

// Addr is the 9P listening address, or nil when not serving.
func (d *IDEDriverServer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return nil
	}
	return d.server.Addr()
}

// Storage returns the exported device tree.
func (d *IDEDriverServer) Storage() *storage.Driver { return d.storage }
