// IDE Driver - Userspace ATA PIO driver as a SIP server
// Exposes IDE drives via 9P, e.g. at /dev/sd
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lux9/userspace/drivers/storage"
	"lux9/userspace/go-servers/sip"
)

type options struct {
	config   string
	sim      []string
	maxPolls uint64
}

// load reads the configuration and applies command line overrides.
func (o *options) load(cmd *cobra.Command) (Config, error) {
	cfg := DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = LoadConfig(o.config); err != nil {
			return Config{}, err
		}
	}
	for _, s := range o.sim {
		name, path, ok := strings.Cut(s, "=")
		if !ok {
			name, path = "", s
		}
		if err := cfg.AddImage(name, path); err != nil {
			return Config{}, err
		}
	}
	if cmd.Flags().Changed("max-polls") {
		cfg.Poll.MaxPolls = o.maxPolls
	}
	return cfg, cfg.Validate()
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ide-driver",
		Short:         "Userspace IDE (ATA PIO) driver exported over 9P",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.config, "config", "c", "", "TOML configuration file")
	pf.StringArrayVar(&opts.sim, "sim", nil, "simulate a drive backed by an image file, [sdXN=]path (repeatable)")
	pf.Uint64Var(&opts.maxPolls, "max-polls", 0, "give up on a busy drive after this many status polls (0 waits forever)")

	root.AddCommand(
		newServeCommand(opts),
		newProbeCommand(opts),
		newDumpCommand(opts),
		newWriteCommand(opts),
	)
	return root
}

func newServeCommand(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Probe the controller and serve its drives over 9P",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overriding server.listen")
	return cmd
}

// serve runs the driver under a server manager until ctx is done.
func serve(ctx context.Context, cfg Config) error {
	config, err := cfg.ServerConfig()
	if err != nil {
		return err
	}

	factory := sip.NewServerFactory()
	if err := factory.Register("ide-driver", NewIDEDriver(cfg)); err != nil {
		return err
	}
	manager := sip.NewServerManager(factory)

	if err := manager.StartServer(ctx, "ide-driver", config); err != nil {
		return fmt.Errorf("failed to start IDE driver: %w", err)
	}
	log.Printf("IDE driver running")

	<-ctx.Done()
	log.Printf("Shutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.StopAll(stopCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	log.Printf("IDE driver stopped")
	return nil
}

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "List the drives on the controller with their identify data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			hw, err := openHardware(cfg, log.New(io.Discard, "", 0))
			if err != nil {
				return err
			}
			defer hw.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, hw.controller)
			for _, dev := range storage.IDEDevices(hw.controller) {
				id := dev.Identify()
				fmt.Fprintf(out, "\n%s:\n", dev.Name)
				fmt.Fprintf(out, "  model     %s\n", id.Model())
				fmt.Fprintf(out, "  serial    %s\n", id.Serial())
				fmt.Fprintf(out, "  firmware  %s\n", id.Firmware())
				fmt.Fprintf(out, "  sectors   %d (%d bytes)\n", dev.Sectors(), dev.Size())
				fmt.Fprintf(out, "  geometry  %d/%d/%d\n", id.NumCylinders, id.NumHeads, id.SectorsPerTrack)
				fmt.Fprintf(out, "  lba48     %t\n", id.SupportsLBA48())
				fmt.Fprintf(out, "  maxxfer   %d\n", id.MaxBlocksPerTransfer)
				if err := dev.RescanPartitions(); err == nil {
					for _, p := range dev.Partitions() {
						fmt.Fprintf(out, "  %v\n", p)
					}
				}
			}
			return nil
		},
	}
}

// openDevice opens the controller and picks the named drive.
func openDevice(cmd *cobra.Command, opts *options, name string) (*storage.BlockDevice, *hardware, error) {
	if _, _, err := storage.ParseDeviceName(name); err != nil {
		return nil, nil, err
	}
	cfg, err := opts.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	hw, err := openHardware(cfg, log.New(cmd.ErrOrStderr(), "", 0))
	if err != nil {
		return nil, nil, err
	}
	for _, dev := range storage.IDEDevices(hw.controller) {
		if dev.Name == name {
			return dev, hw, nil
		}
	}
	hw.Close()
	return nil, nil, fmt.Errorf("no drive at %s", name)
}

func newDumpCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <device> <offset> <length>",
		Short: "Hex dump a byte range of a drive",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := strconv.ParseInt(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("bad offset: %w", err)
			}
			n, err := strconv.ParseInt(args[2], 0, 32)
			if err != nil || n < 0 {
				return fmt.Errorf("bad length %q", args[2])
			}
			dev, hw, err := openDevice(cmd, opts, args[0])
			if err != nil {
				return err
			}
			defer hw.Close()

			buf := make([]byte, n)
			m, err := dev.ReadAt(buf, off)
			if err != nil && err != io.EOF {
				return err
			}
			d := hex.Dumper(cmd.OutOrStdout())
			defer d.Close()
			_, err = d.Write(buf[:m])
			return err
		},
	}
}

func newWriteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write <device> <sector> <file>",
		Short: "Write a file to a drive starting at a sector",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("bad sector: %w", err)
			}
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			dev, hw, err := openDevice(cmd, opts, args[0])
			if err != nil {
				return err
			}
			defer hw.Close()

			n, err := dev.WriteAt(data, int64(sector*storage.SectorSize))
			if err != nil {
				return err
			}
			if err := dev.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s at sector %d\n", n, dev.Name, sector)
			return nil
		},
	}
}

func main() {
	log.SetPrefix("[ide-driver] ")
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := newRootCommand().Execute(); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
