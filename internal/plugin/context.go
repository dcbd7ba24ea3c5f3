package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nestbox/agentd/internal/bus"
)

// CommandHandler handles one plugin-registered protocol command.
type CommandHandler func(ctx context.Context, params map[string]any) (any, error)

// KVStore is the scoped storage surface handed to plugin contexts.
// The archive store satisfies it.
type KVStore interface {
	KVSet(ctx context.Context, pluginName, key, value string) error
	KVGet(ctx context.Context, pluginName, key string) (string, bool, error)
}

// Context is the isolation boundary between a plugin and the daemon.
// All registrations are recorded so cleanup can remove every trace of
// the plugin on unload. Command names are namespaced "<plugin>.<cmd>"
// and events "plugin:<plugin>:<event>"; a plugin cannot register or
// emit outside its own namespace.
type Context struct {
	pluginName string
	manager    *Manager
	events     *bus.Bus
	kv         KVStore
	logger     *slog.Logger
	settings   map[string]any

	mu       sync.Mutex
	closed   bool
	commands []string
	subs     []*bus.Subscription
}

func newContext(name string, m *Manager, settings map[string]any) *Context {
	return &Context{
		pluginName: name,
		manager:    m,
		events:     m.events,
		kv:         m.kv,
		logger:     m.logger.With("plugin", name),
		settings:   settings,
	}
}

// Name returns the owning plugin's name.
func (c *Context) Name() string { return c.pluginName }

// Logger returns a logger tagged with the plugin name.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Setting returns a value from the plugin's config settings block.
func (c *Context) Setting(key string) (any, bool) {
	v, ok := c.settings[key]
	return v, ok
}

// RegisterCommand exposes a protocol command as "<plugin>.<name>".
func (c *Context) RegisterCommand(name string, handler CommandHandler) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("plugin %s: command name is empty", c.pluginName)
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("plugin %s: command name %q must not contain a dot", c.pluginName, name)
	}
	if handler == nil {
		return fmt.Errorf("plugin %s: command %q has nil handler", c.pluginName, name)
	}
	full := c.pluginName + "." + name

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("plugin %s: context closed", c.pluginName)
	}
	if err := c.manager.registerCommand(full, handler); err != nil {
		return err
	}
	c.commands = append(c.commands, full)
	return nil
}

// Emit publishes an event on the plugin's namespace.
func (c *Context) Emit(event string, payload any) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events.Publish(fmt.Sprintf("plugin:%s:%s", c.pluginName, event), payload)
}

// Subscribe returns a tracked subscription for the given topic prefix.
// Cleanup unsubscribes it when the plugin unloads.
func (c *Context) Subscribe(topicPrefix string) *bus.Subscription {
	sub := c.events.Subscribe(topicPrefix)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// KVSet writes a value in the plugin's storage scope.
func (c *Context) KVSet(ctx context.Context, key, value string) error {
	if c.kv == nil {
		return fmt.Errorf("plugin %s: storage unavailable", c.pluginName)
	}
	return c.kv.KVSet(ctx, c.pluginName, key, value)
}

// KVGet reads a value from the plugin's storage scope.
func (c *Context) KVGet(ctx context.Context, key string) (string, bool, error) {
	if c.kv == nil {
		return "", false, fmt.Errorf("plugin %s: storage unavailable", c.pluginName)
	}
	return c.kv.KVGet(ctx, c.pluginName, key)
}

// commandNames returns the fully namespaced commands registered so far.
func (c *Context) commandNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.commands))
	copy(out, c.commands)
	return out
}

// cleanup removes every registration this context handed out. It runs
// after OnUnload regardless of whether OnUnload succeeded.
func (c *Context) cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	commands := c.commands
	subs := c.subs
	c.commands = nil
	c.subs = nil
	c.mu.Unlock()

	for _, name := range commands {
		c.manager.unregisterCommand(name)
	}
	for _, sub := range subs {
		c.events.Unsubscribe(sub)
	}
}
