package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher auto-loads WASM plugins dropped into a directory and reloads
// them when their module or manifest changes. A plugin is a <name>.wasm
// file with a plugin.json beside it.
type Watcher struct {
	dir     string
	manager *Manager
	logger  *slog.Logger
}

func NewWatcher(dir string, manager *Manager, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, manager: manager, logger: logger}
}

// LoadDir loads every plugin already present in the directory. Load
// failures are logged per plugin and do not stop the scan.
func (w *Watcher) LoadDir(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan plugin dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".wasm" {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".wasm")
		if _, err := w.manager.Load(ctx, Spec{
			Name: name,
			Type: TypeWASM,
			Path: filepath.Join(w.dir, ent.Name()),
		}); err != nil {
			w.logger.Warn("plugin autoload failed", "plugin", name, "error", err)
		}
	}
	return nil
}

// Start watches the directory until ctx is canceled. Events are
// debounced per plugin so a copy-in-progress does not trigger a load
// of a half-written module.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		if os.IsNotExist(err) {
			_ = fsw.Close()
			w.logger.Info("plugin dir absent, watcher disabled", "dir", w.dir)
			return nil
		}
		_ = fsw.Close()
		return fmt.Errorf("watch plugin dir: %w", err)
	}

	go func() {
		defer fsw.Close()

		pending := map[string]struct{}{}
		var timer *time.Timer
		var timerC <-chan time.Time
		arm := func() {
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
				timerC = timer.C
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
			timerC = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				base := filepath.Base(ev.Name)
				var name string
				switch {
				case filepath.Ext(base) == ".wasm":
					name = strings.TrimSuffix(base, ".wasm")
				case base == "plugin.json":
					// Manifest edits reload every sibling module; flag
					// all currently known wasm plugins in this dir.
					for _, info := range w.manager.List() {
						if info.Type == TypeWASM {
							pending[info.Name] = struct{}{}
						}
					}
					arm()
					continue
				default:
					continue
				}
				pending[name] = struct{}{}
				arm()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("plugin watcher error", "error", err)
			case <-timerC:
				timerC = nil
				for name := range pending {
					delete(pending, name)
					w.reconcile(ctx, name)
				}
			}
		}
	}()
	return nil
}

// reconcile brings one plugin in line with the directory contents:
// present on disk means loaded (reloading if already loaded), absent
// means unloaded.
func (w *Watcher) reconcile(ctx context.Context, name string) {
	path := filepath.Join(w.dir, name+".wasm")
	_, statErr := os.Stat(path)
	_, loaded := w.manager.Get(name)

	switch {
	case statErr == nil && loaded:
		if _, err := w.manager.Reload(ctx, name); err != nil {
			w.logger.Warn("plugin reload failed", "plugin", name, "error", err)
		}
	case statErr == nil:
		if _, err := w.manager.Load(ctx, Spec{Name: name, Type: TypeWASM, Path: path}); err != nil {
			w.logger.Warn("plugin autoload failed", "plugin", name, "error", err)
		}
	case os.IsNotExist(statErr) && loaded:
		if err := w.manager.Unload(ctx, name); err != nil {
			w.logger.Warn("plugin unload failed", "plugin", name, "error", err)
		}
	}
}
