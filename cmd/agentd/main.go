// Command agentd is the local agent coordination daemon. It listens on
// a Unix socket (or loopback TCP), tracks agent presence, routes
// inter-agent messages, keeps durable session records across restarts,
// and hosts WASM plugins.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/nestbox/agentd/internal/agentdef"
	"github.com/nestbox/agentd/internal/archive"
	"github.com/nestbox/agentd/internal/broker"
	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/config"
	"github.com/nestbox/agentd/internal/janitor"
	"github.com/nestbox/agentd/internal/plugin"
	"github.com/nestbox/agentd/internal/registry"
	"github.com/nestbox/agentd/internal/server"
	"github.com/nestbox/agentd/internal/session"
	"github.com/nestbox/agentd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	home := flag.String("home", "", "state directory (default: $AGENTD_HOME or ~/.agentd)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *home, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, home string, quiet bool) error {
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		cfg, err = config.LoadFrom(home)
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := telemetry.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	eventBus := bus.New()

	store, err := archive.Open(cfg.ArchivePath())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	reg := registry.New(eventBus, logger)

	msgBroker, err := broker.New(cfg.MessagesDir(), reg, eventBus, logger)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	sessions := session.New(cfg.SessionsPath(), store, eventBus, logger)
	defer sessions.Close()
	if err := sessions.Initialize(); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	// Agent definitions are validated up front so a broken file shows up
	// in the startup log, not on first use.
	agents := agentdef.NewSource(cfg.AgentsDir, logger)
	if defs, err := agents.GetAll(); err != nil {
		logger.Warn("agent definitions unavailable", "dir", cfg.AgentsDir, "error", err)
	} else {
		logger.Info("agent definitions loaded", "count", len(defs))
	}

	wasmHost, err := plugin.NewWASMHost(ctx, plugin.WASMConfig{
		Logger: logger,
		KV:     store,
	})
	if err != nil {
		return fmt.Errorf("init wasm host: %w", err)
	}
	defer wasmHost.Close(context.Background())

	pluginMgr := plugin.New(plugin.Config{
		Logger: logger,
		Bus:    eventBus,
		KV:     store,
		WASM:   wasmHost,
	})
	defer pluginMgr.Close(context.Background())

	for _, pc := range cfg.Plugins {
		if pc.Disabled {
			continue
		}
		typ := pc.Type
		if typ == "" {
			typ = plugin.TypeWASM
		}
		if _, err := pluginMgr.Load(ctx, plugin.Spec{
			Name:     pc.Name,
			Type:     typ,
			Path:     pc.Path,
			Settings: pc.Settings,
		}); err != nil {
			logger.Error("configured plugin failed to load", "plugin", pc.Name, "error", err)
		}
	}

	if cfg.PluginWatch && cfg.PluginDir != "" {
		pw := plugin.NewWatcher(cfg.PluginDir, pluginMgr, logger)
		if err := pw.LoadDir(ctx); err != nil {
			logger.Warn("plugin directory scan failed", "dir", cfg.PluginDir, "error", err)
		}
		go func() {
			if err := pw.Start(ctx); err != nil {
				logger.Warn("plugin watcher stopped", "error", err)
			}
		}()
	}

	cw := config.NewWatcher(cfg.HomeDir, cfg.AgentsDir, logger)
	go func() {
		if err := cw.Start(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
	go func() {
		for ev := range cw.Events() {
			logger.Info("configuration changed, revalidating agent definitions", "path", ev.Path)
			if defs, err := agents.GetAll(); err == nil {
				logger.Info("agent definitions reloaded", "count", len(defs))
			}
		}
	}()

	jan, err := janitor.New(janitor.Config{
		Registry:         reg,
		Broker:           msgBroker,
		Sessions:         sessions,
		Logger:           logger,
		AgentTimeout:     time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
		SweepInterval:    time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		MessageRetention: time.Duration(cfg.MessageRetentionHours) * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("init janitor: %w", err)
	}
	jan.Start()
	defer jan.Stop()

	srv := server.New(server.Config{
		SocketPath:   cfg.ResolvedSocketPath(),
		TCPAddr:      cfg.TCPAddr(),
		Registry:     reg,
		Broker:       msgBroker,
		Sessions:     sessions,
		Plugins:      pluginMgr,
		Archive:      store,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Version:      Version,
		DrainTimeout: time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	if isatty.IsTerminal(os.Stdout.Fd()) && !quiet {
		fmt.Printf("agentd %s listening on %s\n", Version, srv.Addr())
	}

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-srv.ShutdownRequested():
		logger.Info("shutdown action received, shutting down")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.DrainTimeoutSeconds)*time.Second+time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("listener shutdown", "error", err)
	}
	logger.Info("stopped")
	return nil
}

// writeDefaultConfig seeds a commented config.yaml on first run.
func writeDefaultConfig(homeDir string) error {
	content := `# agentd configuration.
# All values shown are the defaults.

# listen: unix            # or "tcp:127.0.0.1:7777" where Unix sockets are unavailable
# socket_path: ` + homeDir + `/agentd.sock
log_level: info

heartbeat_timeout_seconds: 300
sweep_interval_seconds: 60
message_retention_hours: 24
drain_timeout_seconds: 5

plugin_watch: true
# plugin_dir: ` + homeDir + `/plugins
# plugins:
#   - name: calc
#     type: wasm
#     path: ` + homeDir + `/plugins/calc.wasm

# otel:
#   enabled: true
#   exporter: otlp-http
#   endpoint: localhost:4318
`
	return os.WriteFile(config.ConfigPath(homeDir), []byte(content), 0o644)
}
