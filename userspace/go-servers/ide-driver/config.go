package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"lux9/userspace/drivers/ata"
	"lux9/userspace/drivers/framework"
	"lux9/userspace/drivers/pci"
	"lux9/userspace/drivers/storage"
	"lux9/userspace/go-servers/sip"
)

// Config is the ide-driver configuration file.
//
//	[server]
//	name = "ide-driver"
//	network = "tcp"
//	listen = "127.0.0.1:5640"
//	msize = 65536
//	mount_point = "/dev/sd"
//	capabilities = ["fs", "device", "portio"]
//
//	[controller]
//	location = "legacy"         # or a PCI address, "0000:00:01.1"
//	bars = [0x1f0, 0x3f6]       # optional BAR0-BAR3 overrides
//
//	[poll]
//	max_polls = 0               # 0 waits forever
//	warn_every = 1000000
//
//	[sim]
//	images = { sdC0 = "disk.img" }
type Config struct {
	Server     ServerSection     `toml:"server"`
	Controller ControllerSection `toml:"controller"`
	Poll       PollSection       `toml:"poll"`
	Sim        SimSection        `toml:"sim"`
}

type ServerSection struct {
	Name         string            `toml:"name"`
	Network      string            `toml:"network"`
	Listen       string            `toml:"listen"`
	MSize        uint32            `toml:"msize"`
	MountPoint   string            `toml:"mount_point"`
	Capabilities []string          `toml:"capabilities"`
	Priority     int               `toml:"priority"`
	Metadata     map[string]string `toml:"metadata"`
}

type ControllerSection struct {
	Location  string   `toml:"location"`
	SysfsRoot string   `toml:"sysfs_root"`
	BARs      []uint32 `toml:"bars"`
}

type PollSection struct {
	MaxPolls  uint64 `toml:"max_polls"`
	WarnEvery uint64 `toml:"warn_every"`
}

// SimSection replaces the hardware with simulated drives backed by image
// files, keyed by device name.
type SimSection struct {
	Images map[string]string `toml:"images"`
	Model  string            `toml:"model"`
}

// DefaultConfig serves the legacy controller on localhost.
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			Name:         "ide-driver",
			Network:      "tcp",
			Listen:       "127.0.0.1:5640",
			MSize:        framework.DefaultMSize,
			MountPoint:   "/dev/sd",
			Capabilities: []string{"fs", "device", "portio"},
			Priority:     10,
		},
		Controller: ControllerSection{
			Location:  "legacy",
			SysfsRoot: pci.DefaultRoot,
		},
		Poll: PollSection{WarnEvery: ata.DefaultWarnEvery},
		Sim:  SimSection{Model: "LUX9 SIMULATED DISK"},
	}
}

// LoadConfig reads path over the defaults. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate checks values the decoder cannot.
func (c Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("config: server.name is empty")
	}
	if _, err := sip.ParseCapabilities(c.Server.Capabilities); err != nil {
		return fmt.Errorf("config: server.capabilities: %w", err)
	}
	if len(c.Controller.BARs) > 4 {
		return fmt.Errorf("config: controller.bars has %d entries, at most 4", len(c.Controller.BARs))
	}
	if loc := c.Controller.Location; loc != "" && loc != "legacy" {
		if _, err := pci.ParseLocation(loc); err != nil {
			return fmt.Errorf("config: controller.location: %w", err)
		}
	}
	for name := range c.Sim.Images {
		if _, _, err := storage.ParseDeviceName(name); err != nil {
			return fmt.Errorf("config: sim.images: %w", err)
		}
	}
	return nil
}

// Simulated reports whether drives come from image files.
func (c Config) Simulated() bool { return len(c.Sim.Images) > 0 }

// ServerConfig is the sip view of the [server] section.
func (c Config) ServerConfig() (*sip.ServerConfig, error) {
	caps, err := sip.ParseCapabilities(c.Server.Capabilities)
	if err != nil {
		return nil, err
	}
	return &sip.ServerConfig{
		Name:         c.Server.Name,
		Capabilities: caps,
		MountPoint:   c.Server.MountPoint,
		Priority:     c.Server.Priority,
		Metadata:     c.Server.Metadata,
	}, nil
}

// PollPolicy is the [poll] section as a drive option.
func (c Config) PollPolicy() ata.PollPolicy {
	return ata.PollPolicy{MaxPolls: c.Poll.MaxPolls, WarnEvery: c.Poll.WarnEvery}
}

// AddImage assigns an image file to a device. An empty name takes the first
// position without one, in sdC0, sdC1, sdD0, sdD1 order.
func (c *Config) AddImage(name, path string) error {
	if c.Sim.Images == nil {
		c.Sim.Images = make(map[string]string)
	}
	if name == "" {
		for _, bus := range []int{0, 1} {
			for _, pos := range []ata.Position{ata.Master, ata.Slave} {
				if n := storage.DeviceName(bus, pos); c.Sim.Images[n] == "" && name == "" {
					name = n
				}
			}
		}
		if name == "" {
			return fmt.Errorf("no free drive position for %s", path)
		}
	}
	if _, _, err := storage.ParseDeviceName(name); err != nil {
		return err
	}
	c.Sim.Images[name] = path
	return nil
}
