// Package plugin loads and unloads daemon extension modules at runtime.
//
// A plugin is either a compiled-in factory registered by type name, or a
// WASM module loaded from disk. Every plugin receives an isolated Context
// through which it registers namespaced protocol commands, emits and
// subscribes to namespaced events, and reads scoped key-value storage.
// Unload tears down everything the context handed out, whether or not the
// plugin's own OnUnload succeeds.
package plugin

import (
	"context"
	"time"
)

// Plugin is the capability interface every extension module implements.
type Plugin interface {
	Name() string
	Version() string
	// OnLoad initializes the plugin. The context is live until unload.
	OnLoad(ctx context.Context, pctx *Context) error
	// OnUnload releases plugin-owned resources. The manager removes all
	// context registrations afterwards regardless of the result.
	OnUnload(ctx context.Context) error
}

// HealthChecker is implemented by plugins that can report their health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CommandProvider is implemented by plugins that register protocol
// commands outside OnLoad. The manager calls it right after OnLoad.
type CommandProvider interface {
	RegisterCommands(pctx *Context) error
}

// Factory builds a compiled-in plugin instance from its settings.
type Factory func(settings map[string]any) (Plugin, error)

// Plugin lifecycle states.
const (
	StatusLoading   = "loading"
	StatusLoaded    = "loaded"
	StatusUnloading = "unloading"
	StatusError     = "error"
)

// Info is the externally visible state of a managed plugin.
type Info struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Commands  []string  `json:"commands,omitempty"`
}
