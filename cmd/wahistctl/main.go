package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/session"
)

func main() {
	addrFlag := flag.String("addr", "", "daemon address (overrides config listen)")
	maxFlag := flag.Int("max", 0, "max messages per sync (0 = daemon default)")
	limitFlag := flag.Int("limit", 0, "message list limit")
	statusFlag := flag.String("status", "", "checkpoint status filter")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cli := &client{addr: resolveAddr(*addrFlag)}

	switch args[0] {
	case "health":
		cli.get("/health")
	case "status":
		cli.get("/api/sync/status")
	case "checkpoints":
		path := "/api/checkpoints"
		if *statusFlag != "" {
			path += "?status=" + url.QueryEscape(*statusFlag)
		}
		cli.get(path)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wahistctl messages <chat-jid>")
			os.Exit(1)
		}
		path := "/api/messages/" + url.PathEscape(args[1])
		if *limitFlag > 0 {
			path += fmt.Sprintf("?limit=%d", *limitFlag)
		}
		cli.get(path)
	case "merge":
		cli.post("/api/merge", nil)
	case "events":
		path := "/api/events"
		if len(args) > 1 {
			path += "?namespace=" + url.QueryEscape(args[1])
		}
		cli.stream(path)
	case "sync":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wahistctl sync <start|status|cancel|resume> <chat-jid>")
			os.Exit(1)
		}
		cmdSync(cli, args[1], args[2], *maxFlag)
	case "bulk":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wahistctl bulk <jid,jid,...>")
			os.Exit(1)
		}
		cli.post("/api/history/bulk", map[string]any{
			"chat_jids":    strings.Split(args[1], ","),
			"max_messages": *maxFlag,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func cmdSync(cli *client, subcmd, jid string, maxMessages int) {
	escaped := url.PathEscape(jid)
	switch subcmd {
	case "start":
		cli.post("/api/history/sync", map[string]any{
			"chat_jid":     jid,
			"max_messages": maxMessages,
		})
	case "status":
		cli.get("/api/history/sync/" + escaped + "/status")
	case "cancel":
		cli.post("/api/history/sync/"+escaped+"/cancel", nil)
	case "resume":
		cli.post("/api/history/sync/"+escaped+"/resume", map[string]any{
			"max_messages": maxMessages,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown sync subcommand: %s\n", subcmd)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wahistctl [--addr <host:port>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  health                     Daemon health and connection state")
	fmt.Fprintln(os.Stderr, "  status                     Account-wide sync status")
	fmt.Fprintln(os.Stderr, "  sync start <jid> [--max N]   Start a deep history sync")
	fmt.Fprintln(os.Stderr, "  sync status <jid>            Per-chat sync status")
	fmt.Fprintln(os.Stderr, "  sync cancel <jid>            Cancel a running sync")
	fmt.Fprintln(os.Stderr, "  sync resume <jid> [--max N]  Resume an interrupted sync")
	fmt.Fprintln(os.Stderr, "  bulk <jid,jid,...> [--max N] Queue a sequential bulk sync")
	fmt.Fprintln(os.Stderr, "  checkpoints [--status S]   List checkpoints")
	fmt.Fprintln(os.Stderr, "  messages <jid> [--limit N] List stored messages")
	fmt.Fprintln(os.Stderr, "  merge                      Merge the staging store")
	fmt.Fprintln(os.Stderr, "  events [namespace]         Follow daemon events (e.g. sync.)")
}

// resolveAddr prefers the flag, then the config file, then the default.
func resolveAddr(flagAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return config.Default().Listen
	}
	return cfg.Listen
}

type client struct {
	addr string
}

func (c *client) get(path string) {
	c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body map[string]any) {
	c.do(http.MethodPost, path, body)
}

func (c *client) do(method, path string, body map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	req, err := http.NewRequest(method, "http://"+c.addr+path, &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")

	httpCli := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpCli.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.addr, err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(payload)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

// stream follows a server-sent event feed until the daemon closes it or
// the user interrupts. No client timeout: the feed is open-ended.
func (c *client) stream(path string) {
	resp, err := http.Get("http://" + c.addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.addr, err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		printJSON(payload)
		os.Exit(1)
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "error: stream interrupted: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(payload []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, payload, "", "  "); err != nil {
		fmt.Println(string(payload))
		return
	}
	fmt.Println(out.String())
}
