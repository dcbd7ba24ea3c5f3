package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/nestbox/agentd/internal/client"
)

func fakeDaemon(t *testing.T, resp map[string]any) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "agentctl")
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
				if _, err := bufio.NewReader(c).ReadBytes('\n'); err != nil {
					return
				}
				data, _ := json.Marshal(resp)
				c.Write(append(data, '\n'))
			}(conn)
		}
	}()
	return path
}

func TestRunCommandPing(t *testing.T) {
	path := fakeDaemon(t, map[string]any{"success": true, "message": "pong"})

	if code := runCommand(t.Context(), client.New(path), "ping", nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunCommandDaemonDown(t *testing.T) {
	c := client.New("/nonexistent/agentd.sock")
	if code := runCommand(t.Context(), c, "status", nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunCommandUnknown(t *testing.T) {
	path := fakeDaemon(t, map[string]any{"success": true})

	if code := runCommand(t.Context(), client.New(path), "frobnicate", nil); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunSendRequiresAddressing(t *testing.T) {
	path := fakeDaemon(t, map[string]any{"success": true})

	if code := runCommand(t.Context(), client.New(path), "send", []string{"-content", "hi"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestNewClientPrefersTCPFlag(t *testing.T) {
	c, err := newClient("/some.sock", "127.0.0.1:7777")
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if c == nil {
		t.Fatal("nil client")
	}
}
