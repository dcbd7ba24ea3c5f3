// Command agentctl talks to a running agentd over its socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nestbox/agentd/internal/client"
	"github.com/nestbox/agentd/internal/config"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command>

COMMANDS:
  ping                        Check the daemon answers
  status                      Show daemon status
  agents                      List registered agents
  sessions                    List active sessions
  plugins                     List loaded plugins
  send -from <id> -to <id> [-type task] [-content <text>]
                              Send a message through the broker
  messages -session <id> [-unread]
                              Fetch an agent's inbox
  shutdown                    Ask the daemon to exit

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	socket := flag.String("socket", "", "daemon socket path (default: from config)")
	tcp := flag.String("tcp", "", "daemon TCP address, overrides -socket")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient(*socket, *tcp)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(runCommand(ctx, c, args[0], args[1:]))
}

func newClient(socket, tcp string) (*client.Client, error) {
	if tcp != "" {
		return client.NewTCP(tcp), nil
	}
	if socket != "" {
		return client.New(socket), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if addr := cfg.TCPAddr(); addr != "" {
		return client.NewTCP(addr), nil
	}
	return client.New(cfg.ResolvedSocketPath()), nil
}

func runCommand(ctx context.Context, c *client.Client, cmd string, args []string) int {
	switch cmd {
	case "ping":
		if err := c.Ping(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println("pong")
		return 0
	case "status":
		return printResult(c.Status(ctx))
	case "agents":
		return printResult(c.Do(ctx, "get_all_agents", nil))
	case "sessions":
		return printResult(c.Do(ctx, "list_sessions", nil))
	case "plugins":
		return printResult(c.Do(ctx, "list_plugins", nil))
	case "send":
		return runSend(ctx, c, args)
	case "messages":
		return runMessages(ctx, c, args)
	case "shutdown":
		if err := c.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println("daemon shutting down")
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}

func runSend(ctx context.Context, c *client.Client, args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	from := fs.String("from", "", "sender session id")
	to := fs.String("to", "", "recipient session id or broadcast target")
	msgType := fs.String("type", "task", "message type")
	content := fs.String("content", "", "message content")
	fs.Parse(args)

	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "send requires -from and -to")
		return 2
	}
	return printResult(c.SendMessage(ctx, *from, *to, *msgType, *content))
}

func runMessages(ctx context.Context, c *client.Client, args []string) int {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	session := fs.String("session", "", "agent session id")
	unread := fs.Bool("unread", false, "only undelivered and unread messages")
	fs.Parse(args)

	if *session == "" {
		fmt.Fprintln(os.Stderr, "messages requires -session")
		return 2
	}
	return printResult(c.Do(ctx, "get_messages", map[string]any{
		"session_id":  *session,
		"unread_only": *unread,
	}))
}

func printResult(resp map[string]any, err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	delete(resp, "success")
	out, jerr := json.MarshalIndent(resp, "", "  ")
	if jerr != nil {
		fmt.Fprintln(os.Stderr, jerr)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
