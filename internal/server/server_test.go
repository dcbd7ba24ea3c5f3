package server

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nestbox/agentd/internal/archive"
	"github.com/nestbox/agentd/internal/broker"
	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/registry"
	"github.com/nestbox/agentd/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer brings up a full server on a throwaway Unix socket.
func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "agentd")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	b := bus.New()
	reg := registry.New(b, quietLogger())
	br, err := broker.New(filepath.Join(dir, "messages"), reg, b, quietLogger())
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	store, err := archive.Open(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sess := session.New(filepath.Join(dir, "sessions.json"), store, b, quietLogger())
	t.Cleanup(sess.Close)

	srv := New(Config{
		SocketPath:   filepath.Join(dir, "d.sock"),
		Registry:     reg,
		Broker:       br,
		Sessions:     sess,
		Archive:      store,
		Bus:          b,
		Logger:       quietLogger(),
		Version:      "test",
		DrainTimeout: time.Second,
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(t.Context()) })
	return srv, srv.cfg.SocketPath
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dialServer(t *testing.T, path string) *testConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *testConn) send(req map[string]any) map[string]any {
	c.t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
	return c.read()
}

func (c *testConn) read() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		c.t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return resp
}

// request runs one action on a fresh connection.
func request(t *testing.T, path string, req map[string]any) map[string]any {
	t.Helper()
	return dialServer(t, path).send(req)
}

func wantSuccess(t *testing.T, resp map[string]any) {
	t.Helper()
	if ok, _ := resp["success"].(bool); !ok {
		t.Fatalf("response failed: %v", resp["error"])
	}
}

func wantError(t *testing.T, resp map[string]any) {
	t.Helper()
	if ok, _ := resp["success"].(bool); ok {
		t.Fatalf("expected failure, got %v", resp)
	}
}

func TestPing(t *testing.T) {
	_, path := startTestServer(t)

	c := dialServer(t, path)
	resp := c.send(map[string]any{"action": "ping"})
	wantSuccess(t, resp)
	if resp["message"] != "pong" {
		t.Fatalf("message = %v, want pong", resp["message"])
	}

	// Actions close the connection after the response.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.rd.ReadByte(); err != io.EOF {
		t.Fatalf("expected EOF after action response, got %v", err)
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	_, path := startTestServer(t)

	resp := request(t, path, map[string]any{
		"action":     "register_agent",
		"session_id": "sess-1",
		"type":       "worker",
		"label":      "w1",
	})
	wantSuccess(t, resp)

	resp = request(t, path, map[string]any{
		"action":     "get_agent",
		"session_id": "sess-1",
	})
	wantSuccess(t, resp)
	agent, _ := resp["agent"].(map[string]any)
	if agent["session_id"] != "sess-1" || agent["status"] != "idle" {
		t.Fatalf("agent = %v", agent)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	_, path := startTestServer(t)

	resp := request(t, path, map[string]any{
		"action":     "get_agent",
		"session_id": "ghost",
	})
	wantError(t, resp)
}

func TestListAgentsFiltered(t *testing.T) {
	_, path := startTestServer(t)

	for _, req := range []map[string]any{
		{"action": "register_agent", "session_id": "m1", "type": "master"},
		{"action": "register_agent", "session_id": "w1", "type": "worker"},
		{"action": "register_agent", "session_id": "w2", "type": "worker"},
	} {
		wantSuccess(t, request(t, path, req))
	}

	resp := request(t, path, map[string]any{"action": "list_agents", "type": "worker"})
	wantSuccess(t, resp)
	if resp["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", resp["count"])
	}

	resp = request(t, path, map[string]any{"action": "get_all_agents"})
	wantSuccess(t, resp)
	if resp["count"] != float64(3) {
		t.Fatalf("count = %v, want 3", resp["count"])
	}
}

func TestSendAndFetchMessages(t *testing.T) {
	_, path := startTestServer(t)

	wantSuccess(t, request(t, path, map[string]any{
		"action": "register_agent", "session_id": "a", "type": "master"}))
	wantSuccess(t, request(t, path, map[string]any{
		"action": "register_agent", "session_id": "b", "type": "worker"}))

	resp := request(t, path, map[string]any{
		"action":  "send_message",
		"from":    "a",
		"to":      "b",
		"type":    "task",
		"content": "do the thing",
	})
	wantSuccess(t, resp)
	msg, _ := resp["message"].(map[string]any)
	msgID, _ := msg["id"].(string)
	if msgID == "" {
		t.Fatalf("message missing id: %v", msg)
	}

	// Fetching marks pending messages delivered.
	resp = request(t, path, map[string]any{
		"action": "get_messages", "session_id": "b"})
	wantSuccess(t, resp)
	msgs, _ := resp["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", resp["messages"])
	}
	if got := msgs[0].(map[string]any)["status"]; got != "delivered" {
		t.Fatalf("status = %v, want delivered", got)
	}

	resp = request(t, path, map[string]any{
		"action": "mark_messages_read", "session_id": "b", "message_ids": []string{msgID}})
	wantSuccess(t, resp)
	if resp["marked"] != float64(1) {
		t.Fatalf("marked = %v, want 1", resp["marked"])
	}

	resp = request(t, path, map[string]any{
		"action": "get_messages", "session_id": "b", "unread_only": true})
	wantSuccess(t, resp)
	if resp["count"] != float64(0) {
		t.Fatalf("unread count = %v, want 0", resp["count"])
	}
}

func TestQueryMessagesBadSince(t *testing.T) {
	_, path := startTestServer(t)

	resp := request(t, path, map[string]any{
		"action": "query_messages", "since": "not-a-time"})
	wantError(t, resp)
}

func TestSessionLifecycle(t *testing.T) {
	_, path := startTestServer(t)

	resp := request(t, path, map[string]any{
		"action":     "register_session",
		"session_id": "sess-9",
		"agent_name": "researcher",
		"pid":        os.Getpid(),
	})
	wantSuccess(t, resp)

	resp = request(t, path, map[string]any{"action": "list_sessions"})
	wantSuccess(t, resp)
	if resp["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", resp["count"])
	}

	resp = request(t, path, map[string]any{
		"action": "unregister_session", "session_id": "sess-9"})
	wantSuccess(t, resp)
	sess, _ := resp["session"].(map[string]any)
	if sess["status"] != "terminated" {
		t.Fatalf("status = %v, want terminated", sess["status"])
	}
}

func TestTaskCompletionRecordsReport(t *testing.T) {
	_, path := startTestServer(t)

	wantSuccess(t, request(t, path, map[string]any{
		"action": "register_agent", "session_id": "w1", "type": "worker"}))
	wantSuccess(t, request(t, path, map[string]any{
		"action":     "task_completion",
		"session_id": "w1",
		"report": map[string]any{
			"task_id":  "t-1",
			"status":   "completed",
			"result":   "done",
			"duration": 1200,
		},
	}))

	resp := request(t, path, map[string]any{
		"action": "list_task_reports", "session_id": "w1"})
	wantSuccess(t, resp)
	if resp["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", resp["count"])
	}
	reports, _ := resp["reports"].([]any)
	if got := reports[0].(map[string]any)["task_id"]; got != "t-1" {
		t.Fatalf("task_id = %v, want t-1", got)
	}
}

func TestQueryArchiveAfterSessionEnd(t *testing.T) {
	_, path := startTestServer(t)

	wantSuccess(t, request(t, path, map[string]any{
		"action":     "register_session",
		"session_id": "sess-a",
		"agent_name": "researcher",
		"pid":        os.Getpid(),
	}))
	wantSuccess(t, request(t, path, map[string]any{
		"action": "unregister_session", "session_id": "sess-a"}))

	resp := request(t, path, map[string]any{
		"action": "query_archive", "agent_name": "researcher"})
	wantSuccess(t, resp)
	if resp["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", resp["count"])
	}
	sessions, _ := resp["sessions"].([]any)
	if got := sessions[0].(map[string]any)["status"]; got != "terminated" {
		t.Fatalf("status = %v, want terminated", got)
	}
}

func TestHookEventsKeepConnectionOpen(t *testing.T) {
	_, path := startTestServer(t)

	wantSuccess(t, request(t, path, map[string]any{
		"action": "register_agent", "session_id": "w1", "type": "worker"}))

	c := dialServer(t, path)
	wantSuccess(t, c.send(map[string]any{
		"hook_name":  "agentd",
		"event_type": "task_started",
		"session_id": "w1",
	}))
	wantSuccess(t, c.send(map[string]any{
		"hook_name":  "agentd",
		"event_type": "heartbeat",
		"session_id": "w1",
	}))

	// Same connection still serves an action afterwards.
	resp := c.send(map[string]any{"action": "get_agent", "session_id": "w1"})
	wantSuccess(t, resp)
	agent, _ := resp["agent"].(map[string]any)
	if agent["status"] != "busy" {
		t.Fatalf("status = %v, want busy", agent["status"])
	}
}

func TestHookTaskCompletedSetsIdle(t *testing.T) {
	_, path := startTestServer(t)

	wantSuccess(t, request(t, path, map[string]any{
		"action": "register_agent", "session_id": "w1", "type": "worker"}))
	wantSuccess(t, request(t, path, map[string]any{
		"action": "update_agent_status", "session_id": "w1", "status": "busy"}))

	c := dialServer(t, path)
	wantSuccess(t, c.send(map[string]any{
		"hook_name":  "agentd",
		"event_type": "task_completed",
		"session_id": "w1",
		"data":       map[string]any{"task_id": "t1", "status": "completed"},
	}))

	resp := request(t, path, map[string]any{"action": "get_agent", "session_id": "w1"})
	agent, _ := resp["agent"].(map[string]any)
	if agent["status"] != "idle" {
		t.Fatalf("status = %v, want idle", agent["status"])
	}
}

func TestHookUnknownEventType(t *testing.T) {
	_, path := startTestServer(t)

	c := dialServer(t, path)
	wantError(t, c.send(map[string]any{
		"hook_name":  "agentd",
		"event_type": "solar_flare",
		"session_id": "w1",
	}))
	// The error did not close the connection.
	wantSuccess(t, c.send(map[string]any{"action": "ping"}))
}

func TestMalformedLineDoesNotCloseConnection(t *testing.T) {
	_, path := startTestServer(t)

	c := dialServer(t, path)
	if _, err := c.conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	wantError(t, c.read())
	wantSuccess(t, c.send(map[string]any{"action": "ping"}))
}

func TestUnknownAction(t *testing.T) {
	_, path := startTestServer(t)
	wantError(t, request(t, path, map[string]any{"action": "summon_demon"}))
}

func TestDaemonStatus(t *testing.T) {
	_, path := startTestServer(t)

	resp := request(t, path, map[string]any{"action": "daemon_status"})
	wantSuccess(t, resp)
	if resp["version"] != "test" {
		t.Fatalf("version = %v", resp["version"])
	}
	if _, ok := resp["agents"]; !ok {
		t.Fatalf("status missing agents: %v", resp)
	}
}

func TestShutdownAction(t *testing.T) {
	srv, path := startTestServer(t)

	wantSuccess(t, request(t, path, map[string]any{"action": "shutdown"}))
	select {
	case <-srv.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown channel never closed")
	}
}

func TestStaleSocketRemoved(t *testing.T) {
	dir, err := os.MkdirTemp("", "agentd")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "d.sock")

	// Bind and abandon a socket without unlinking it.
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("pre-bind: %v", err)
	}
	ln.Close()
	if _, err := os.Stat(sockPath); err == nil {
		// Close unlinks on some platforms; recreate the stale file.
	} else {
		if err := os.WriteFile(sockPath, nil, 0o600); err != nil {
			t.Fatalf("stale file: %v", err)
		}
	}

	srv := New(Config{SocketPath: sockPath, Logger: quietLogger()})
	if err := srv.Start(); err != nil {
		t.Fatalf("start over stale socket: %v", err)
	}
	srv.Shutdown(t.Context())
}

func TestShutdownRemovesSocket(t *testing.T) {
	srv, path := startTestServer(t)

	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket still present after shutdown: %v", err)
	}
}
