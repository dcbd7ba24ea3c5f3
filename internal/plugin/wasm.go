package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages caps guest memory at 160 pages = 10MB.
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout is the wall-clock limit for a single command dispatch.
const DefaultInvokeTimeout = 30 * time.Second

// WASMConfig configures the shared WASM runtime.
type WASMConfig struct {
	Logger *slog.Logger
	KV     KVStore

	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses the default.
	MemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per command dispatch. 0 uses the default.
	InvokeTimeout time.Duration
}

// WASMHost owns the wazero runtime shared by all WASM plugins. Guests
// import the "host" module for logging and scoped key-value storage;
// the storage scope is the guest's own module name, so one plugin
// cannot read or write another's keys.
type WASMHost struct {
	logger        *slog.Logger
	kv            KVStore
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu sync.Mutex
	modules   map[string]api.Module
}

func NewWASMHost(ctx context.Context, cfg WASMConfig) (*WASMHost, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &WASMHost{
		logger:        cfg.Logger,
		kv:            cfg.KV,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout: invokeTimeout,
		modules:       map[string]api.Module{},
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	builder.NewFunctionBuilder().WithFunc(h.hostKVSet).Export("host.kv.set")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

// LoadModule compiles and instantiates the module at path under the
// given name, replacing any existing instance of that name.
func (h *WASMHost) LoadModule(ctx context.Context, name, path string) error {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	// Close any existing module before instantiating the replacement
	// (wazero tracks instance names).
	h.modulesMu.Lock()
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	h.modulesMu.Lock()
	h.modules[name] = module
	h.modulesMu.Unlock()
	h.logger.Info("wasm module loaded", "module", name, "path", path)
	return nil
}

// CloseModule tears down one module instance.
func (h *WASMHost) CloseModule(ctx context.Context, name string) {
	h.modulesMu.Lock()
	module, ok := h.modules[name]
	delete(h.modules, name)
	h.modulesMu.Unlock()
	if ok {
		_ = module.Close(ctx)
	}
}

// HasModule reports whether a module instance is live.
func (h *WASMHost) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// Close tears down all modules and the runtime.
func (h *WASMHost) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// Invoke dispatches a command to a module.
//
// Guest ABI: the module exports alloc(size u32) -> u32 and
// invoke(cmd_ptr, cmd_len, arg_ptr, arg_len u32) -> u64, where the
// return value packs the response pointer in the high 32 bits and its
// length in the low 32 bits. Command name and argument JSON are written
// into guest memory via alloc; the response bytes are read back out.
func (h *WASMHost) Invoke(ctx context.Context, moduleName, command string, input []byte) ([]byte, error) {
	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wasm module %s not loaded", moduleName)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	invokeFn := module.ExportedFunction("invoke")
	if invokeFn == nil {
		return nil, fmt.Errorf("wasm module %s: no invoke export", moduleName)
	}

	cmdPtr, err := h.writeGuestBytes(invokeCtx, module, []byte(command))
	if err != nil {
		return nil, fmt.Errorf("wasm module %s: write command: %w", moduleName, err)
	}
	argPtr, err := h.writeGuestBytes(invokeCtx, module, input)
	if err != nil {
		return nil, fmt.Errorf("wasm module %s: write input: %w", moduleName, err)
	}

	results, err := invokeFn.Call(invokeCtx,
		uint64(cmdPtr), uint64(len(command)),
		uint64(argPtr), uint64(len(input)))
	if err != nil {
		return nil, classifyInvokeError(moduleName, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	packed := results[0]
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed)
	if respLen == 0 {
		return nil, nil
	}
	data, ok := module.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, fmt.Errorf("wasm module %s: response out of bounds (ptr=%d len=%d)", moduleName, respPtr, respLen)
	}
	out := make([]byte, respLen)
	copy(out, data)
	return out, nil
}

func (h *WASMHost) writeGuestBytes(ctx context.Context, module api.Module, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, errors.New("no alloc export")
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write at %d out of bounds", ptr)
	}
	return ptr, nil
}

func classifyInvokeError(moduleName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("wasm module %s: invoke timed out: %w", moduleName, err)
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("wasm module %s: invoke terminated: %w", moduleName, err)
	}
	return fmt.Errorf("wasm module %s: invoke: %w", moduleName, err)
}

func readGuestString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *WASMHost) hostLog(_ context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readGuestString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readGuestString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}

	logger := h.logger.With("plugin", module.Name())
	switch strings.ToLower(level) {
	case "error":
		logger.Error("wasm guest log", "msg", msg)
	case "warn":
		logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		logger.Debug("wasm guest log", "msg", msg)
	default:
		logger.Info("wasm guest log", "msg", msg)
	}
}

func (h *WASMHost) hostKVSet(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	if h.kv == nil {
		h.logger.Error("host.kv.set: storage unavailable", "plugin", module.Name())
		return 0
	}
	key, ok := readGuestString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.kv.set: failed to read key from wasm memory")
		return 0
	}
	val, ok := readGuestString(module, valPtr, valLen)
	if !ok {
		h.logger.Error("host.kv.set: failed to read value from wasm memory")
		return 0
	}
	if err := h.kv.KVSet(ctx, module.Name(), key, val); err != nil {
		h.logger.Error("host.kv.set failed", "plugin", module.Name(), "key", key, "error", err)
		return 0
	}
	return 1
}

// wasmPlugin adapts a manifest-described WASM module to the Plugin
// capability interface. Every manifest command maps to the module's
// invoke export.
type wasmPlugin struct {
	host     *WASMHost
	manifest *Manifest
	path     string
}

func newWASMPlugin(host *WASMHost, spec Spec) (*wasmPlugin, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("plugin %s: wasm path is required", spec.Name)
	}
	manifestPath := filepath.Join(filepath.Dir(spec.Path), "plugin.json")
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", spec.Name, err)
	}
	return &wasmPlugin{host: host, manifest: manifest, path: spec.Path}, nil
}

func (p *wasmPlugin) Name() string    { return p.manifest.Name }
func (p *wasmPlugin) Version() string { return p.manifest.Version }

func (p *wasmPlugin) OnLoad(ctx context.Context, pctx *Context) error {
	if err := p.host.LoadModule(ctx, p.manifest.Name, p.path); err != nil {
		return err
	}
	for _, cmd := range p.manifest.Commands {
		command := cmd.Name
		err := pctx.RegisterCommand(command, func(ctx context.Context, params map[string]any) (any, error) {
			return p.invoke(ctx, command, params)
		})
		if err != nil {
			p.host.CloseModule(ctx, p.manifest.Name)
			return err
		}
	}
	return nil
}

func (p *wasmPlugin) OnUnload(ctx context.Context) error {
	p.host.CloseModule(ctx, p.manifest.Name)
	return nil
}

func (p *wasmPlugin) HealthCheck(_ context.Context) error {
	if !p.host.HasModule(p.manifest.Name) {
		return fmt.Errorf("wasm module %s not loaded", p.manifest.Name)
	}
	return nil
}

func (p *wasmPlugin) close(ctx context.Context) {
	p.host.CloseModule(ctx, p.manifest.Name)
}

func (p *wasmPlugin) invoke(ctx context.Context, command string, params map[string]any) (any, error) {
	input, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	out, err := p.host.Invoke(ctx, p.manifest.Name, command, input)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		// Non-JSON responses pass through as a string.
		return string(out), nil
	}
	return result, nil
}
