package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nestbox/agentd/internal/bus"
)

// Spec names a plugin to load and how to instantiate it.
type Spec struct {
	Name     string
	Type     string // factory type key, or "wasm"
	Path     string // wasm module path, unused for factory plugins
	Settings map[string]any
}

// TypeWASM selects the WASM instantiation path.
const TypeWASM = "wasm"

// Config wires the manager's collaborators.
type Config struct {
	Logger    *slog.Logger
	Bus       *bus.Bus
	KV        KVStore
	Factories map[string]Factory
	WASM      *WASMHost
}

type record struct {
	spec     Spec
	instance Plugin
	pctx     *Context
	status   string
	loadedAt time.Time
	lastErr  string
}

// Manager owns the plugin table and the shared command table.
type Manager struct {
	logger *slog.Logger
	events *bus.Bus
	kv     KVStore
	wasm   *WASMHost

	mu        sync.Mutex
	plugins   map[string]*record
	factories map[string]Factory

	cmdMu    sync.RWMutex
	commands map[string]CommandHandler

	now func() time.Time
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	factories := make(map[string]Factory, len(cfg.Factories))
	for k, v := range cfg.Factories {
		factories[k] = v
	}
	return &Manager{
		logger:    cfg.Logger,
		events:    cfg.Bus,
		kv:        cfg.KV,
		wasm:      cfg.WASM,
		plugins:   make(map[string]*record),
		factories: factories,
		commands:  make(map[string]CommandHandler),
		now:       time.Now,
	}
}

// RegisterFactory adds a compiled-in plugin type.
func (m *Manager) RegisterFactory(typeName string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[typeName] = f
}

// Load instantiates the plugin named by spec and runs its OnLoad.
// On failure the plugin stays in the table with status error so the
// failure is inspectable; a later Load of the same name replaces it.
func (m *Manager) Load(ctx context.Context, spec Spec) (*Info, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("load plugin: name is required")
	}

	m.mu.Lock()
	if existing, ok := m.plugins[spec.Name]; ok && existing.status != StatusError {
		m.mu.Unlock()
		return nil, fmt.Errorf("plugin %s already %s", spec.Name, existing.status)
	}
	rec := &record{spec: spec, status: StatusLoading}
	m.plugins[spec.Name] = rec
	m.mu.Unlock()

	info, err := m.load(ctx, rec)
	if err != nil {
		m.failLoad(rec, err)
		return nil, err
	}
	m.events.Publish(bus.TopicPluginLoaded, bus.PluginEvent{Name: spec.Name, Status: StatusLoaded})
	m.logger.Info("plugin loaded", "plugin", spec.Name, "type", spec.Type, "version", info.Version)
	return info, nil
}

func (m *Manager) load(ctx context.Context, rec *record) (*Info, error) {
	spec := rec.spec
	instance, err := m.instantiate(ctx, spec)
	if err != nil {
		return nil, err
	}
	if instance.Name() != spec.Name {
		return nil, fmt.Errorf("plugin %s: module reports name %q", spec.Name, instance.Name())
	}
	if instance.Version() == "" {
		return nil, fmt.Errorf("plugin %s: empty version", spec.Name)
	}

	pctx := newContext(spec.Name, m, spec.Settings)
	if err := instance.OnLoad(ctx, pctx); err != nil {
		pctx.cleanup()
		return nil, fmt.Errorf("plugin %s: onLoad: %w", spec.Name, err)
	}
	if provider, ok := instance.(CommandProvider); ok {
		if err := provider.RegisterCommands(pctx); err != nil {
			// OnLoad succeeded, so give the plugin its teardown hook
			// before removing the context registrations.
			_ = instance.OnUnload(ctx)
			pctx.cleanup()
			return nil, fmt.Errorf("plugin %s: registerCommands: %w", spec.Name, err)
		}
	}

	m.mu.Lock()
	rec.instance = instance
	rec.pctx = pctx
	rec.status = StatusLoaded
	rec.loadedAt = m.now()
	rec.lastErr = ""
	info := m.infoLocked(rec)
	m.mu.Unlock()
	return info, nil
}

func (m *Manager) instantiate(ctx context.Context, spec Spec) (Plugin, error) {
	if spec.Type == TypeWASM {
		if m.wasm == nil {
			return nil, fmt.Errorf("plugin %s: wasm runtime not configured", spec.Name)
		}
		return newWASMPlugin(m.wasm, spec)
	}
	m.mu.Lock()
	factory, ok := m.factories[spec.Type]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("plugin %s: unknown plugin type %q", spec.Name, spec.Type)
	}
	instance, err := factory(spec.Settings)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: factory: %w", spec.Name, err)
	}
	if instance == nil {
		return nil, fmt.Errorf("plugin %s: factory returned nil", spec.Name)
	}
	return instance, nil
}

func (m *Manager) failLoad(rec *record, err error) {
	m.mu.Lock()
	rec.status = StatusError
	rec.lastErr = err.Error()
	m.mu.Unlock()
	m.events.Publish(bus.TopicPluginError, bus.PluginEvent{Name: rec.spec.Name, Status: StatusError, Error: err.Error()})
	m.logger.Error("plugin load failed", "plugin", rec.spec.Name, "error", err)
}

// Unload runs the plugin's OnUnload and removes it. Context teardown
// runs whether or not OnUnload succeeds, so no command, subscription,
// or event registration outlives the plugin.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s not loaded", name)
	}
	if rec.status == StatusError {
		// Never finished loading; nothing to tear down beyond the entry.
		delete(m.plugins, name)
		m.mu.Unlock()
		return nil
	}
	if rec.status != StatusLoaded {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s is %s", name, rec.status)
	}
	rec.status = StatusUnloading
	instance, pctx := rec.instance, rec.pctx
	m.mu.Unlock()

	unloadErr := instance.OnUnload(ctx)
	pctx.cleanup()
	if wp, ok := instance.(*wasmPlugin); ok {
		wp.close(ctx)
	}

	m.mu.Lock()
	delete(m.plugins, name)
	m.mu.Unlock()

	if unloadErr != nil {
		m.events.Publish(bus.TopicPluginError, bus.PluginEvent{Name: name, Status: StatusError, Error: unloadErr.Error()})
		m.logger.Error("plugin unload reported error", "plugin", name, "error", unloadErr)
		return fmt.Errorf("plugin %s: onUnload: %w", name, unloadErr)
	}
	m.events.Publish(bus.TopicPluginUnloaded, bus.PluginEvent{Name: name, Status: StatusUnloading})
	m.logger.Info("plugin unloaded", "plugin", name)
	return nil
}

// Reload unloads and reloads a plugin with the spec it was loaded with.
func (m *Manager) Reload(ctx context.Context, name string) (*Info, error) {
	m.mu.Lock()
	rec, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("plugin %s not loaded", name)
	}
	spec := rec.spec
	m.mu.Unlock()

	if err := m.Unload(ctx, name); err != nil {
		return nil, err
	}
	return m.Load(ctx, spec)
}

// Get returns the plugin's current state.
func (m *Manager) Get(name string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[name]
	if !ok {
		return nil, false
	}
	return m.infoLocked(rec), true
}

// List returns all managed plugins sorted by name.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Info, 0, len(m.plugins))
	for _, rec := range m.plugins {
		out = append(out, m.infoLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health probes a loaded plugin. Plugins without a HealthCheck are
// healthy by virtue of being loaded.
func (m *Manager) Health(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s not loaded", name)
	}
	if rec.status != StatusLoaded {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s is %s: %s", name, rec.status, rec.lastErr)
	}
	instance := rec.instance
	m.mu.Unlock()

	if hc, ok := instance.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// HandleCommand dispatches a namespaced "<plugin>.<command>" action.
// Handler panics are contained and surfaced as errors.
func (m *Manager) HandleCommand(ctx context.Context, command string, params map[string]any) (result any, err error) {
	m.cmdMu.RLock()
	handler, ok := m.commands[command]
	m.cmdMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", command)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", command, r)
			m.logger.Error("plugin command panic", "command", command, "panic", r)
		}
	}()
	return handler(ctx, params)
}

// HasCommand reports whether a plugin registered the given command.
func (m *Manager) HasCommand(command string) bool {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()
	_, ok := m.commands[command]
	return ok
}

// Close unloads every plugin and shuts down the WASM runtime.
func (m *Manager) Close(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.Unload(ctx, info.Name); err != nil {
			m.logger.Warn("unload during shutdown", "plugin", info.Name, "error", err)
		}
	}
	if m.wasm != nil {
		if err := m.wasm.Close(ctx); err != nil {
			m.logger.Warn("wasm runtime close", "error", err)
		}
	}
}

func (m *Manager) registerCommand(name string, handler CommandHandler) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if _, exists := m.commands[name]; exists {
		return fmt.Errorf("command %s already registered", name)
	}
	m.commands[name] = handler
	return nil
}

func (m *Manager) unregisterCommand(name string) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	delete(m.commands, name)
}

func (m *Manager) infoLocked(rec *record) *Info {
	info := &Info{
		Name:      rec.spec.Name,
		Type:      rec.spec.Type,
		Status:    rec.status,
		LoadedAt:  rec.loadedAt,
		LastError: rec.lastErr,
	}
	if rec.instance != nil {
		info.Version = rec.instance.Version()
	}
	if rec.pctx != nil {
		info.Commands = rec.pctx.commandNames()
	}
	return info
}
