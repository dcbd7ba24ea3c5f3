// Package server implements the daemon's socket listener. It accepts
// newline-delimited JSON on a Unix socket (or loopback TCP), classifies
// each line as a hook-event push or an action command, and routes it to
// the owning subsystem. Hook connections stay open across pushes; an
// action gets exactly one response line before the connection closes.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestbox/agentd/internal/archive"
	"github.com/nestbox/agentd/internal/broker"
	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/plugin"
	"github.com/nestbox/agentd/internal/protocol"
	"github.com/nestbox/agentd/internal/registry"
	"github.com/nestbox/agentd/internal/session"
	"github.com/nestbox/agentd/internal/shared"
	"github.com/nestbox/agentd/internal/telemetry"
)

const (
	// scanBufSize is the initial scanner buffer per connection.
	scanBufSize = 64 * 1024
	// scanMaxSize caps a single request line.
	scanMaxSize = 1024 * 1024

	// DefaultDrainTimeout bounds how long Shutdown waits for open
	// connections before force-closing them.
	DefaultDrainTimeout = 5 * time.Second
)

type actionHandler func(ctx context.Context, line []byte) protocol.Response

type hookHandler func(ctx context.Context, ev *protocol.HookEvent) error

// Config wires the listener's collaborators. Registry, Broker, Sessions,
// Plugins, and Archive may be nil in tests; the matching actions then
// answer with an error instead of panicking.
type Config struct {
	SocketPath string // unix socket path; ignored when TCPAddr is set
	TCPAddr    string // loopback TCP fallback, e.g. "127.0.0.1:7777"

	Registry *registry.Registry
	Broker   *broker.Broker
	Sessions *session.Registry
	Plugins  *plugin.Manager
	Archive  *archive.Store
	Bus      *bus.Bus

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer

	Version      string
	DrainTimeout time.Duration
}

// Server owns the socket listener and the request routing tables.
type Server struct {
	cfg    Config
	logger *slog.Logger

	actions map[string]actionHandler
	hooks   map[string]hookHandler

	ln        net.Listener
	startedAt time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	closeOnce sync.Once
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "server"),
		conns:      map[net.Conn]struct{}{},
		shutdownCh: make(chan struct{}),
	}
	s.actions = s.actionTable()
	s.hooks = s.hookTable()
	return s
}

// Start binds the listener and begins accepting connections. A stale
// Unix socket file left by a crashed daemon is removed before binding,
// but only if nothing answers on it.
func (s *Server) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TCPAddr != "" {
		ln, err = net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPAddr, err)
		}
	} else {
		if err := s.removeStaleSocket(); err != nil {
			return err
		}
		ln, err = net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
		}
	}
	s.ln = ln
	s.startedAt = time.Now()
	s.logger.Info("listening", "addr", s.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ShutdownRequested is closed when a client issues the shutdown action.
// The daemon main watches it alongside OS signals.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Shutdown stops accepting, waits up to the drain timeout for in-flight
// connections, force-closes the stragglers, and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.ln != nil {
			err = s.ln.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		drain := time.NewTimer(s.cfg.DrainTimeout)
		defer drain.Stop()
		select {
		case <-done:
		case <-drain.C:
			s.logger.Warn("drain timeout, closing remaining connections")
			s.closeAllConns()
			<-done
		case <-ctx.Done():
			s.closeAllConns()
			<-done
		}

		if s.cfg.TCPAddr == "" && s.cfg.SocketPath != "" {
			if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("remove socket", "error", rmErr)
			}
		}
	})
	return err
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()
}

// removeStaleSocket unlinks a leftover socket file when no daemon
// answers on it. A live listener makes Start fail instead of stealing
// the address.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.cfg.SocketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.cfg.SocketPath, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s already in use", s.cfg.SocketPath)
	}
	s.logger.Info("removing stale socket", "path", s.cfg.SocketPath)
	if err := os.Remove(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept", "error", err)
			continue
		}
		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) trackConn(c net.Conn, add bool) {
	s.connsMu.Lock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.connsMu.Unlock()
}

// handleConn reads request lines until the client disconnects or an
// action command completes. Hook pushes and malformed lines are each
// answered in place without closing the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.trackConn(conn, false)

	connID := uuid.NewString()[:8]
	ctx := shared.WithConnID(context.Background(), connID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := s.logger.With("conn_id", connID)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsActive.Add(ctx, 1)
		defer s.cfg.Metrics.ConnectionsActive.Add(ctx, -1)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, scanBufSize), scanMaxSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		kind, action, err := protocol.Classify(line)
		switch {
		case err != nil:
			s.writeResponse(conn, logger, protocol.NewErrorf("invalid request: %v", err))
		case kind == protocol.KindHookEvent:
			s.writeResponse(conn, logger, s.dispatchHook(ctx, line))
		case kind == protocol.KindAction:
			s.writeResponse(conn, logger, s.dispatchAction(ctx, action, line))
			return
		default:
			s.writeResponse(conn, logger, protocol.NewError("request is neither an action nor a hook event"))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("connection read ended", "error", err)
	}
}

func (s *Server) writeResponse(conn net.Conn, logger *slog.Logger, resp protocol.Response) {
	data, err := resp.Encode()
	if err != nil {
		logger.Error("encode response", "error", err)
		data, _ = protocol.NewError("internal encoding error").Encode()
	}
	if _, err := conn.Write(data); err != nil {
		logger.Debug("write response", "error", err)
	}
}

// dispatchAction routes one action command through its handler, with
// tracing, latency metrics, and panic containment per request.
func (s *Server) dispatchAction(ctx context.Context, action string, line []byte) (resp protocol.Response) {
	start := time.Now()
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.StartServerSpan(ctx, s.cfg.Tracer, "action."+action,
			telemetry.AttrAction.String(action))
		defer func() {
			if !resp.OK() {
				span.SetStatus(codes.Error, fmt.Sprint(resp["error"]))
			}
			span.End()
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("action handler panic", "action", action, "panic", r)
			resp = protocol.NewErrorf("internal error handling %s", action)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("action", action)))
			if !resp.OK() {
				s.cfg.Metrics.RequestErrors.Add(ctx, 1,
					metric.WithAttributes(attribute.String("action", action)))
			}
		}
	}()

	if h, ok := s.actions[action]; ok {
		return h(ctx, line)
	}

	// Dotted names belong to plugin commands ("calc.add" and friends).
	if strings.Contains(action, ".") && s.cfg.Plugins != nil {
		return s.handlePluginCommand(ctx, action, line)
	}
	return protocol.NewErrorf("unknown action %q", action)
}

// dispatchHook answers one hook-event push. Unknown event types are an
// error response, not a dropped line.
func (s *Server) dispatchHook(ctx context.Context, line []byte) protocol.Response {
	var ev protocol.HookEvent
	if err := protocol.DecodeParams(line, &ev); err != nil {
		return protocol.NewErrorf("invalid hook event: %v", err)
	}
	if ev.SessionID == "" {
		return protocol.NewError("hook event requires session_id")
	}
	h, ok := s.hooks[ev.EventType]
	if !ok {
		return protocol.NewErrorf("unknown event type %q", ev.EventType)
	}
	ctx = shared.WithSessionID(ctx, ev.SessionID)
	if err := h(ctx, &ev); err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess()
}
