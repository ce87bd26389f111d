// Package sip provides the Software Isolated Process framework for Lux9
// userspace servers: a common lifecycle, health tracking, and a factory and
// manager for running several servers side by side.
package sip

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ServerCapability defines what resources a SIP server can access
type ServerCapability uint64

const (
	CapNone         ServerCapability = 0
	CapFileSystem   ServerCapability = 1 << iota // Can serve files via 9P
	CapDeviceAccess                              // Can access hardware devices
	CapPortIO                                    // Can use x86 I/O port instructions
	CapNetworking                                // Can use network stack
	CapAll          ServerCapability = ^ServerCapability(0)
)

var capNames = []struct {
	c    ServerCapability
	name string
}{
	{CapFileSystem, "fs"},
	{CapDeviceAccess, "device"},
	{CapPortIO, "portio"},
	{CapNetworking, "net"},
}

func (c ServerCapability) String() string {
	if c == CapNone {
		return "none"
	}
	var names []string
	for _, n := range capNames {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseCapabilities parses capability names as written in configuration
// files, e.g. ["device", "portio"].
func ParseCapabilities(names []string) (ServerCapability, error) {
	var c ServerCapability
	for _, name := range names {
		found := false
		for _, n := range capNames {
			if n.name == name {
				c |= n.c
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
	}
	return c, nil
}

// ServerConfig holds configuration for a SIP server
type ServerConfig struct {
	Name         string            `toml:"name"`         // Server name (e.g., "ide-driver")
	Capabilities ServerCapability  `toml:"-"`            // Required capabilities
	MountPoint   string            `toml:"mount_point"`  // Where to mount in namespace (e.g., "/dev/sd")
	Priority     int               `toml:"priority"`     // Scheduling priority
	MemoryLimit  uint64            `toml:"memory_limit"` // Maximum memory in bytes (0 = unlimited)
	Metadata     map[string]string `toml:"metadata"`     // Additional metadata
}

// IServer is the core interface that all SIP servers must implement
type IServer interface {
	// Initialize is called once during server startup
	// Returns error if initialization fails
	Initialize(ctx context.Context, config *ServerConfig) error

	// Start begins serving requests (non-blocking)
	// Should spawn goroutines as needed
	Start(ctx context.Context) error

	// Stop gracefully shuts down the server
	// Should cleanup resources and wait for pending operations
	Stop(ctx context.Context) error

	// Health returns the current health status
	// Used for monitoring and restart decisions
	Health() ServerHealth

	// GetConfig returns the server's configuration
	GetConfig() *ServerConfig
}

// IDeviceDriver extends IServer for hardware device drivers. Devices are
// polled; there is no interrupt entry point.
type IDeviceDriver interface {
	IServer

	// Probe detects and enumerates hardware devices
	// Returns list of detected device paths
	Probe(ctx context.Context) ([]string, error)

	// AttachDevice configures and enables a specific device
	AttachDevice(ctx context.Context, devicePath string) error

	// DetachDevice safely removes a device
	DetachDevice(ctx context.Context, devicePath string) error
}

// ServerHealth represents server health status
type ServerHealth struct {
	Status    HealthStatus
	Message   string
	Uptime    int64 // seconds
	Requests  uint64
	Errors    uint64
	LastError error
}

// HealthStatus enum
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthStarting
	HealthHealthy
	HealthDegraded
	HealthFailing
	HealthStopped
)

func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "Unknown"
	case HealthStarting:
		return "Starting"
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthFailing:
		return "Failing"
	case HealthStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("HealthStatus(%d)", h)
	}
}

// BaseServer provides default implementation of IServer
// Concrete servers can embed this and override specific methods
type BaseServer struct {
	config      *ServerConfig
	health      ServerHealth
	healthMutex sync.RWMutex
	started     time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBaseServer creates a new base server
func NewBaseServer(config *ServerConfig) *BaseServer {
	return &BaseServer{
		config: config,
		health: ServerHealth{
			Status: HealthUnknown,
		},
	}
}

// Initialize implements IServer
func (s *BaseServer) Initialize(ctx context.Context, config *ServerConfig) error {
	s.config = config
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.UpdateHealth(HealthStarting, "Initializing", nil)
	return nil
}

// Start implements IServer
func (s *BaseServer) Start(ctx context.Context) error {
	s.healthMutex.Lock()
	s.started = time.Now()
	s.healthMutex.Unlock()
	s.UpdateHealth(HealthHealthy, "Running", nil)
	return nil
}

// Stop implements IServer
func (s *BaseServer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.UpdateHealth(HealthStopped, "Stopped", nil)
	return nil
}

// Context is cancelled when the server stops.
func (s *BaseServer) Context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Health implements IServer
func (s *BaseServer) Health() ServerHealth {
	s.healthMutex.RLock()
	defer s.healthMutex.RUnlock()
	h := s.health
	if !s.started.IsZero() && h.Status != HealthStopped {
		h.Uptime = int64(time.Since(s.started).Seconds())
	}
	return h
}

// GetConfig implements IServer
func (s *BaseServer) GetConfig() *ServerConfig {
	return s.config
}

// UpdateHealth updates the health status (thread-safe)
func (s *BaseServer) UpdateHealth(status HealthStatus, message string, err error) {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.health.Status = status
	s.health.Message = message
	if err != nil {
		s.health.LastError = err
		s.health.Errors++
	}
}

// RecordError counts a failed request without changing the status.
func (s *BaseServer) RecordError(err error) {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.health.Requests++
	s.health.Errors++
	s.health.LastError = err
}

// IncrementRequests increments the request counter
func (s *BaseServer) IncrementRequests() {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.health.Requests++
}

// ServerFactory creates SIP servers based on configuration
type ServerFactory struct {
	registry map[string]ServerConstructor
	mu       sync.RWMutex
}

// ServerConstructor is a function that creates a new server instance
type ServerConstructor func(config *ServerConfig) (IServer, error)

// NewServerFactory creates a new server factory
func NewServerFactory() *ServerFactory {
	return &ServerFactory{
		registry: make(map[string]ServerConstructor),
	}
}

// Register adds a server constructor to the factory
func (f *ServerFactory) Register(serverType string, constructor ServerConstructor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.registry[serverType]; exists {
		return fmt.Errorf("server type %s already registered", serverType)
	}

	f.registry[serverType] = constructor
	log.Printf("SIP Factory: Registered server type '%s'", serverType)
	return nil
}

// Create instantiates a new server of the specified type
func (f *ServerFactory) Create(serverType string, config *ServerConfig) (IServer, error) {
	f.mu.RLock()
	constructor, exists := f.registry[serverType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown server type: %s", serverType)
	}

	server, err := constructor(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %s: %w", serverType, err)
	}

	log.Printf("SIP Factory: Created server '%s' of type '%s'", config.Name, serverType)
	return server, nil
}

// ListTypes returns all registered server types, sorted
func (f *ServerFactory) ListTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.registry))
	for t := range f.registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ServerManager manages the lifecycle of multiple SIP servers
type ServerManager struct {
	servers map[string]IServer
	factory *ServerFactory
	mu      sync.RWMutex
}

// NewServerManager creates a new server manager
func NewServerManager(factory *ServerFactory) *ServerManager {
	return &ServerManager{
		servers: make(map[string]IServer),
		factory: factory,
	}
}

// StartServer creates and starts a new server
func (m *ServerManager) StartServer(ctx context.Context, serverType string, config *ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[config.Name]; exists {
		return fmt.Errorf("server %s already running", config.Name)
	}

	server, err := m.factory.Create(serverType, config)
	if err != nil {
		return err
	}

	if err := server.Initialize(ctx, config); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", config.Name, err)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", config.Name, err)
	}

	m.servers[config.Name] = server
	log.Printf("ServerManager: Started server '%s'", config.Name)
	return nil
}

// StopServer stops a running server
func (m *ServerManager) StopServer(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, exists := m.servers[name]
	if !exists {
		return fmt.Errorf("server %s not found", name)
	}

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}

	delete(m.servers, name)
	log.Printf("ServerManager: Stopped server '%s'", name)
	return nil
}

// GetServer retrieves a running server
func (m *ServerManager) GetServer(name string) (IServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, exists := m.servers[name]
	return server, exists
}

// ListServers returns the names of all running servers, sorted
func (m *ServerManager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops all running servers
func (m *ServerManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, server := range m.servers {
		if err := server.Stop(ctx); err != nil {
			log.Printf("Error stopping %s: %v", name, err)
			lastErr = err
		}
	}

	m.servers = make(map[string]IServer)
	return lastErr
}

// DefaultLogger provides basic logging for SIP servers
type DefaultLogger struct {
	prefix string
	out    *log.Logger
}

// NewDefaultLogger creates a logger with prefix
func NewDefaultLogger(prefix string) *DefaultLogger {
	return &DefaultLogger{prefix: prefix, out: log.Default()}
}

// NewLoggerTo creates a logger with prefix writing to out.
func NewLoggerTo(prefix string, out *log.Logger) *DefaultLogger {
	return &DefaultLogger{prefix: prefix, out: out}
}

func (l *DefaultLogger) logf(level, format string, args ...interface{}) {
	l.out.Printf("[%s] %s: "+format, append([]interface{}{l.prefix, level}, args...)...)
}

func (l *DefaultLogger) Info(format string, args ...interface{}) { l.logf("INFO", format, args...) }
func (l *DefaultLogger) Warn(format string, args ...interface{}) { l.logf("WARN", format, args...) }
func (l *DefaultLogger) Error(format string, args ...interface{}) { l.logf("ERROR", format, args...) }

func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	if os.Getenv("SIP_DEBUG") != "" {
		l.logf("DEBUG", format, args...)
	}
}

// Printf logs at INFO level, so a DefaultLogger can be handed to packages
// that log through a Printf method.
func (l *DefaultLogger) Printf(format string, args ...interface{}) {
	l.logf("INFO", format, args...)
}
