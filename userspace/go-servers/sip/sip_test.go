package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeDriver is a device driver whose devices are fixed at construction.
type probeDriver struct {
	*BaseServer
	found    []string
	attached map[string]bool
	mu       sync.Mutex
}

var _ IDeviceDriver = (*probeDriver)(nil)

func newProbeDriver(config *ServerConfig) (IServer, error) {
	if config.Capabilities&CapDeviceAccess == 0 {
		return nil, errors.New("driver requires CapDeviceAccess capability")
	}
	return &probeDriver{
		BaseServer: NewBaseServer(config),
		found:      []string{"sdC0", "sdC1"},
		attached:   make(map[string]bool),
	}, nil
}

func (d *probeDriver) Start(ctx context.Context) error {
	devs, err := d.Probe(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devs {
		if err := d.AttachDevice(ctx, dev); err != nil {
			return err
		}
	}
	return d.BaseServer.Start(ctx)
}

func (d *probeDriver) Probe(ctx context.Context) ([]string, error) {
	return d.found, nil
}

func (d *probeDriver) AttachDevice(ctx context.Context, devicePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached[devicePath] = true
	return nil
}

func (d *probeDriver) DetachDevice(ctx context.Context, devicePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached[devicePath] {
		return fmt.Errorf("device %s not attached", devicePath)
	}
	delete(d.attached, devicePath)
	return nil
}

func newFactory(t testing.TB) *ServerFactory {
	t.Helper()
	f := NewServerFactory()
	require.NoError(t, f.Register("probe-driver", newProbeDriver))
	return f
}

func TestServerFactory(t *testing.T) {
	factory := newFactory(t)
	assert.Error(t, factory.Register("probe-driver", newProbeDriver))
	require.NoError(t, factory.Register("another", newProbeDriver))
	assert.Equal(t, []string{"another", "probe-driver"}, factory.ListTypes())

	server, err := factory.Create("probe-driver", &ServerConfig{Name: "ide", Capabilities: CapDeviceAccess})
	require.NoError(t, err)
	_, ok := server.(IDeviceDriver)
	assert.True(t, ok)

	_, err = factory.Create("missing", &ServerConfig{Name: "x"})
	assert.Error(t, err)

	_, err = factory.Create("probe-driver", &ServerConfig{Name: "nocap"})
	assert.ErrorContains(t, err, "CapDeviceAccess")
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	config := &ServerConfig{Name: "lifecycle", Capabilities: CapDeviceAccess | CapPortIO, MountPoint: "/dev/sd"}
	server, err := newFactory(t).Create("probe-driver", config)
	require.NoError(t, err)
	assert.Equal(t, HealthUnknown, server.Health().Status)

	require.NoError(t, server.Initialize(ctx, config))
	assert.Equal(t, HealthStarting, server.Health().Status)
	assert.Same(t, config, server.GetConfig())

	require.NoError(t, server.Start(ctx))
	assert.Equal(t, HealthHealthy, server.Health().Status)
	d := server.(*probeDriver)
	assert.Len(t, d.attached, 2)

	require.NoError(t, d.DetachDevice(ctx, "sdC1"))
	assert.Error(t, d.DetachDevice(ctx, "sdC1"))

	require.NoError(t, server.Stop(ctx))
	assert.Equal(t, HealthStopped, server.Health().Status)
	assert.Error(t, d.Context().Err())
}

func TestServerManager(t *testing.T) {
	ctx := context.Background()
	m := NewServerManager(newFactory(t))

	for _, name := range []string{"b", "a"} {
		require.NoError(t, m.StartServer(ctx, "probe-driver", &ServerConfig{Name: name, Capabilities: CapDeviceAccess}))
	}
	assert.Error(t, m.StartServer(ctx, "probe-driver", &ServerConfig{Name: "a", Capabilities: CapDeviceAccess}))
	assert.Equal(t, []string{"a", "b"}, m.ListServers())

	s, ok := m.GetServer("a")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, s.Health().Status)

	require.NoError(t, m.StopServer(ctx, "a"))
	assert.Equal(t, HealthStopped, s.Health().Status)
	assert.Error(t, m.StopServer(ctx, "a"))

	require.NoError(t, m.StopAll(ctx))
	assert.Empty(t, m.ListServers())
}

func TestHealthCounters(t *testing.T) {
	s := NewBaseServer(&ServerConfig{Name: "h"})
	s.IncrementRequests()
	s.RecordError(errors.New("read failed"))
	s.UpdateHealth(HealthDegraded, "drive sdC1 missing", errors.New("not present"))

	h := s.Health()
	assert.Equal(t, HealthDegraded, h.Status)
	assert.Equal(t, uint64(2), h.Requests)
	assert.Equal(t, uint64(2), h.Errors)
	assert.EqualError(t, h.LastError, "not present")
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, "none", CapNone.String())
	assert.Equal(t, "device|portio", (CapDeviceAccess | CapPortIO).String())

	c, err := ParseCapabilities([]string{"fs", "portio"})
	require.NoError(t, err)
	assert.Equal(t, CapFileSystem|CapPortIO, c)

	_, err = ParseCapabilities([]string{"dma"})
	assert.Error(t, err)
}

func TestHealthStatus(t *testing.T) {
	assert.Equal(t, "Healthy", HealthHealthy.String())
	assert.Equal(t, "Stopped", HealthStopped.String())
	assert.Equal(t, "HealthStatus(42)", HealthStatus(42).String())
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("ide", log.New(&buf, "", 0))

	t.Setenv("SIP_DEBUG", "")
	l.Info("found %d drives", 2)
	l.Warn("slow")
	l.Error("failed: %v", errors.New("boom"))
	l.Debug("hidden")
	l.Printf("via printf")
	assert.Equal(t, "[ide] INFO: found 2 drives\n[ide] WARN: slow\n[ide] ERROR: failed: boom\n[ide] INFO: via printf\n", buf.String())

	buf.Reset()
	t.Setenv("SIP_DEBUG", "1")
	l.Debug("shown")
	assert.Equal(t, "[ide] DEBUG: shown\n", buf.String())
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewServerManager(newFactory(t))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.StartServer(ctx, "probe-driver", &ServerConfig{Name: fmt.Sprintf("s%d", i), Capabilities: CapDeviceAccess}))
			if s, ok := m.GetServer(fmt.Sprintf("s%d", i)); ok {
				_ = s.Health()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.ListServers(), 10)
	require.NoError(t, m.StopAll(ctx))
}

func BenchmarkHealthCheck(b *testing.B) {
	s := NewBaseServer(&ServerConfig{Name: "bench"})
	for i := 0; i < b.N; i++ {
		_ = s.Health()
	}
}
