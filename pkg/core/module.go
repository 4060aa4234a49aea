package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
)

// Module is a unit of the relay with an explicit lifecycle. Init may
// acquire resources (sockets, clients) and fail; Start must not block.
type Module interface {
	Name() string
	Init(ctx context.Context, logger *slog.Logger, registry PluginRegistry) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Plugin is a Module that reports its health to the status API.
type Plugin interface {
	Module
	Description() string
	Capabilities() []Capability
	Status() ServiceStatus
}

// ConfigProvider is implemented by plugins that expose their effective
// configuration. Secrets in the returned value must be core.Secret.
type ConfigProvider interface {
	Config() any
}

// PluginRegistry is the view of the manager handed to modules during Init.
type PluginRegistry interface {
	GetConfig() map[string]map[string]any
	GetHTTPClient() *http.Client
	GetMuxServer() *http.ServeMux
	RegisterEventType(desc EventTypeDesc) error
	Subscribe(pattern string, handler Listener)
	Publish(ctx context.Context, event InternalEvent)
	GetPluginsWithCapability(capability Capability) []Plugin
}

type ModuleManager struct {
	modules []Module
	logger  *slog.Logger
	broker  *Broker

	mu         sync.RWMutex
	config     map[string]map[string]any
	httpClient *http.Client

	mux        *http.ServeMux
	server     *http.Server
	listener   net.Listener
	serverOnce sync.Once
}

func NewModuleManager(logger *slog.Logger) *ModuleManager {
	m := &ModuleManager{
		modules:    []Module{},
		logger:     logger,
		broker:     NewBroker(logger.With("module", "broker")),
		config:     map[string]map[string]any{},
		httpClient: http.DefaultClient,
		mux:        http.NewServeMux(),
	}
	m.registerCoreRoutes()
	return m
}

func (m *ModuleManager) Register(mod Module) {
	m.modules = append(m.modules, mod)
}

func (m *ModuleManager) SetConfig(cfg map[string]map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

func (m *ModuleManager) GetConfig() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *ModuleManager) SetHTTPClient(client *http.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.httpClient = client
}

func (m *ModuleManager) GetHTTPClient() *http.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.httpClient
}

func (m *ModuleManager) GetMuxServer() *http.ServeMux {
	return m.mux
}

func (m *ModuleManager) RegisterEventType(desc EventTypeDesc) error {
	return m.broker.RegisterEventType(desc)
}

func (m *ModuleManager) Subscribe(pattern string, handler Listener) {
	m.broker.Subscribe(pattern, handler)
}

func (m *ModuleManager) Publish(ctx context.Context, event InternalEvent) {
	m.broker.Publish(ctx, event)
}

// ListPlugins returns the registered modules that implement Plugin.
func (m *ModuleManager) ListPlugins() []Plugin {
	out := make([]Plugin, 0, len(m.modules))
	for _, mod := range m.modules {
		if p, ok := mod.(Plugin); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *ModuleManager) GetPlugin(name string) (Plugin, error) {
	for _, p := range m.ListPlugins() {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("plugin %s not found", name)
}

func (m *ModuleManager) GetPluginsWithCapability(capability Capability) []Plugin {
	var out []Plugin
	for _, p := range m.ListPlugins() {
		for _, c := range p.Capabilities() {
			if c == capability {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// LoadPlugins opens every .so in dir and registers its exported Plugin symbol.
func (m *ModuleManager) LoadPlugins(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("Plugins directory not found", "dir", dir)
			return nil
		}
		return fmt.Errorf("failed to read plugins dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		m.logger.Info("Loading plugin", "path", path)

		p, err := plugin.Open(path)
		if err != nil {
			m.logger.Error("Failed to open plugin", "path", path, "error", err)
			continue
		}

		sym, err := p.Lookup("Plugin")
		if err != nil {
			m.logger.Error("Plugin symbol not found", "path", path, "error", err)
			continue
		}

		// Lookup returns a pointer to the exported variable.
		plugPtr, ok := sym.(*Plugin)
		if !ok || *plugPtr == nil {
			m.logger.Error("Plugin has wrong type", "path", path)
			continue
		}

		m.Register(*plugPtr)
		m.logger.Info("Plugin loaded successfully", "name", (*plugPtr).Name())
	}
	return nil
}

// Init initializes modules in registration order and binds the HTTP
// listener when core.http_addr is set. The first failure aborts.
func (m *ModuleManager) Init(ctx context.Context) error {
	for _, mod := range m.modules {
		if err := mod.Init(ctx, m.logger.With("module", mod.Name()), m); err != nil {
			return fmt.Errorf("init %s: %w", mod.Name(), err)
		}
	}
	return m.bindHTTPServer()
}

// Start starts modules in registration order, then begins serving HTTP.
func (m *ModuleManager) Start(ctx context.Context) error {
	for _, mod := range m.modules {
		m.logger.Info("Starting module", "module", mod.Name())
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", mod.Name(), err)
		}
	}
	m.startHTTPServer()
	return nil
}

// Stop shuts the HTTP server down first so no new webhook deliveries
// arrive, then stops modules in reverse registration order.
func (m *ModuleManager) Stop(ctx context.Context) error {
	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("HTTP server shutdown failed", "error", err)
			errs = append(errs, err)
		}
		// Shutdown only closes listeners handed to Serve.
		_ = m.listener.Close()
	}
	for i := len(m.modules) - 1; i >= 0; i-- {
		mod := m.modules[i]
		m.logger.Info("Stopping module", "module", mod.Name())
		if err := mod.Stop(ctx); err != nil {
			m.logger.Error("Error stopping module", "module", mod.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	m.broker.Wait()
	return errors.Join(errs...)
}
