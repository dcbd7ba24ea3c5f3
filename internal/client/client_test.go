package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// fakeDaemon answers each connection with canned response lines, one
// per request line, then closes the connection.
func fakeDaemon(t *testing.T, responses ...map[string]any) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "agentd")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rd := bufio.NewReader(c)
				for _, resp := range responses {
					if _, err := rd.ReadBytes('\n'); err != nil {
						return
					}
					data, _ := json.Marshal(resp)
					c.Write(append(data, '\n'))
				}
			}(conn)
		}
	}()
	return path
}

func TestDoSuccess(t *testing.T) {
	path := fakeDaemon(t, map[string]any{"success": true, "message": "pong"})

	resp, err := New(path).Do(t.Context(), "ping", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp["message"] != "pong" {
		t.Fatalf("message = %v", resp["message"])
	}
}

func TestDoFailureBecomesError(t *testing.T) {
	path := fakeDaemon(t, map[string]any{"success": false, "error": "agent not found: x"})

	_, err := New(path).Do(t.Context(), "get_agent", map[string]any{"session_id": "x"})
	var reqErr *Error
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want *client.Error", err)
	}
	if reqErr.Action != "get_agent" || reqErr.Message != "agent not found: x" {
		t.Fatalf("error = %v", reqErr)
	}
}

func TestDoDialFailure(t *testing.T) {
	_, err := New("/nonexistent/agentd.sock").Do(t.Context(), "ping", nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDoStripsActionOverride(t *testing.T) {
	path := fakeDaemon(t, map[string]any{"success": true})

	// A params key named "action" must not clobber the real action.
	_, err := New(path).Do(t.Context(), "ping", map[string]any{"action": "shutdown"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestListAgents(t *testing.T) {
	path := fakeDaemon(t, map[string]any{
		"success": true,
		"agents":  []any{map[string]any{"session_id": "s1"}},
		"count":   1,
	})

	agents, err := New(path).ListAgents(t.Context())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %v", agents)
	}
}
