package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/victorarias/relayd/internal/client"
	"github.com/victorarias/relayd/internal/config"
	"github.com/victorarias/relayd/internal/daemon"
	"github.com/victorarias/relayd/internal/dashboard"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/status"
)

const usage = `relayd: session control plane

Usage:
  relayd serve [--listen addr]
  relayd watch
  relayd create [--meta key=value]... <prompt>
  relayd list [--status status]
  relayd get <session>
  relayd stop <session>
  relayd messages <session> [--after seq] [--limit n]
  relayd permissions <session>
  relayd resolve <session> <request> allow|deny
  relayd tail <session>
  relayd status

Client commands accept --url and --token (default from config).
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "serve", "daemon":
		err = runServe(args[1:])
	case "watch":
		err = runWatch(args[1:])
	case "create", "list", "get", "stop", "messages", "permissions", "resolve", "tail", "status":
		err = runClient(args[0], args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		return 2
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) error {
	var listen string
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", config.ListenAddr(), "address to listen on")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	d := daemon.New(listen)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		d.Stop()
	}()
	return d.Start()
}

// connectionFlags are shared by every command talking to a running daemon.
type connectionFlags struct {
	url   string
	token string
}

func (c *connectionFlags) addFlags(flagSet *pflag.FlagSet) {
	defaultURL := config.APIURL()
	if defaultURL == "" {
		defaultURL = "http://" + config.ListenAddr()
	}
	flagSet.StringVar(&c.url, "url", defaultURL, "control plane base URL")
	flagSet.StringVar(&c.token, "token", config.Token(), "bearer token")
}

func (c *connectionFlags) client() *client.Client {
	return client.New(c.url, c.token)
}

func runWatch(args []string) error {
	var conn connectionFlags
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	conn.addFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	c := conn.client()
	if !c.IsRunning() {
		return fmt.Errorf("control plane not reachable at %s", conn.url)
	}
	program := tea.NewProgram(dashboard.NewModel(c), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func runClient(command string, args []string, stdout io.Writer) error {
	var (
		conn         connectionFlags
		meta         []string
		statusFilter string
		after        uint64
		limit        int
	)
	flagSet := pflag.NewFlagSet(command, pflag.ContinueOnError)
	conn.addFlags(flagSet)
	switch command {
	case "create":
		flagSet.StringArrayVar(&meta, "meta", nil, "metadata key=value, repeatable")
	case "list":
		flagSet.StringVar(&statusFilter, "status", "", "only sessions in this status")
	case "messages":
		flagSet.Uint64Var(&after, "after", 0, "only messages after this sequence")
		flagSet.IntVar(&limit, "limit", 0, "maximum number of messages")
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	c := conn.client()

	need := map[string]int{"create": 1, "list": 0, "status": 0, "get": 1, "stop": 1, "messages": 1, "permissions": 1, "resolve": 3, "tail": 1}[command]
	if len(rest) < need {
		return fmt.Errorf("%s: expected %d argument(s)", command, need)
	}

	switch command {
	case "create":
		metadata, err := parseMetadata(meta)
		if err != nil {
			return err
		}
		sess, err := c.CreateSession(strings.Join(rest, " "), metadata)
		if err != nil {
			return err
		}
		return printJSON(stdout, sess)
	case "list":
		sessions, err := c.List(protocol.Status(statusFilter))
		if err != nil {
			return err
		}
		return printJSON(stdout, sessions)
	case "get":
		sess, err := c.Get(rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, sess)
	case "stop":
		sess, err := c.Stop(rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, sess)
	case "messages":
		msgs, err := c.Messages(rest[0], after, limit)
		if err != nil {
			return err
		}
		return printJSON(stdout, msgs)
	case "permissions":
		pending, err := c.Pending(rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, pending)
	case "resolve":
		decision := protocol.Decision(rest[2])
		if !decision.IsValid() {
			return fmt.Errorf("decision must be allow or deny, got %q", rest[2])
		}
		accepted, err := c.Resolve(rest[0], rest[1], decision)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]bool{"accepted": accepted})
	case "tail":
		return tail(c, rest[0], stdout)
	case "status":
		sessions, err := c.List(protocol.StatusWaiting)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, status.Format(sessions))
		return nil
	}
	return nil
}

// tail prints every event of a session as it arrives, one JSON line each.
func tail(c *client.Client, sessionID string, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, err := c.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			line, err := ev.Encode()
			if err != nil {
				return err
			}
			stdout.Write(line)
		}
	}
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata must be key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
