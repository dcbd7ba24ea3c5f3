// Package client is a thin NDJSON client for the daemon socket. Each
// call opens a connection, writes one action line, and reads the single
// response line before the daemon closes the connection.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds a whole request round trip.
const DefaultTimeout = 10 * time.Second

// Client dials the daemon for one-shot action commands.
type Client struct {
	network string
	addr    string
	timeout time.Duration
}

// New returns a client for the daemon's Unix socket.
func New(socketPath string) *Client {
	return &Client{network: "unix", addr: socketPath, timeout: DefaultTimeout}
}

// NewTCP returns a client for the loopback TCP fallback.
func NewTCP(addr string) *Client {
	return &Client{network: "tcp", addr: addr, timeout: DefaultTimeout}
}

// WithTimeout overrides the per-request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Error is a failure response from the daemon, as opposed to a
// transport error reaching it.
type Error struct {
	Action  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Do sends one action command and returns the decoded response payload.
// A response with success=false becomes an *Error.
func (c *Client) Do(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	req := map[string]any{"action": action}
	for k, v := range params {
		if k != "action" {
			req[k] = v
		}
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial daemon at %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if ok, _ := resp["success"].(bool); !ok {
		msg, _ := resp["error"].(string)
		if msg == "" {
			msg = "request failed"
		}
		return nil, &Error{Action: action, Message: msg}
	}
	return resp, nil
}

// Ping checks the daemon answers on its socket.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, "ping", nil)
	return err
}

// Status fetches the daemon's status summary.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Do(ctx, "daemon_status", nil)
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]any, error) {
	resp, err := c.Do(ctx, "get_all_agents", nil)
	if err != nil {
		return nil, err
	}
	agents, _ := resp["agents"].([]any)
	return agents, nil
}

// SendMessage routes a message through the daemon's broker.
func (c *Client) SendMessage(ctx context.Context, from, to, msgType, content string) (map[string]any, error) {
	return c.Do(ctx, "send_message", map[string]any{
		"from":    from,
		"to":      to,
		"type":    msgType,
		"content": content,
	})
}

// Shutdown asks the daemon to exit gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, "shutdown", nil)
	return err
}
