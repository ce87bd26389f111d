package framework

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/DeedleFake/p9"
	"github.com/DeedleFake/p9/proto"
)

// DefaultMSize is the largest 9P message the server negotiates by default.
const DefaultMSize = 64 * 1024

// DriverServer implements a 9P server for hardware drivers
type DriverServer struct {
	driver Driver
	msize  uint32

	mu     sync.Mutex
	lis    net.Listener
	closed bool
}

// NewDriverServer creates a new driver server
func NewDriverServer(driver Driver, msize uint32) *DriverServer {
	if msize == 0 {
		msize = DefaultMSize
	}
	return &DriverServer{driver: driver, msize: msize}
}

// Listen initializes the driver and opens the listening socket.
func (ds *DriverServer) Listen(network, addr string) error {
	if err := ds.driver.Init(); err != nil {
		return fmt.Errorf("driver initialization failed: %w", err)
	}
	lis, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	ds.lis = lis
	ds.mu.Unlock()
	log.Printf("Driver server '%s' listening on %s", ds.driver.Name(), lis.Addr())
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (ds *DriverServer) Addr() net.Addr {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.lis == nil {
		return nil
	}
	return ds.lis.Addr()
}

// Serve answers 9P connections until Close is called.
func (ds *DriverServer) Serve() error {
	ds.mu.Lock()
	lis := ds.lis
	ds.mu.Unlock()
	if lis == nil {
		return fmt.Errorf("driver server '%s': not listening", ds.driver.Name())
	}

	err := proto.Serve(lis, p9.Proto(), p9.FSConnHandler(FileSystem(ds.driver), ds.msize))

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return nil
	}
	return err
}

// Close stops accepting connections.
func (ds *DriverServer) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.closed = true
	if ds.lis == nil {
		return nil
	}
	return ds.lis.Close()
}
