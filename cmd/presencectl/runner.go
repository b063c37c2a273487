package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/backend"
	"tools.zach/dev/presenced/internal/config"
	"tools.zach/dev/presenced/internal/hostipc"
	"tools.zach/dev/presenced/internal/logger"
	"tools.zach/dev/presenced/internal/paths"
	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/roster"
	"tools.zach/dev/presenced/internal/store"
	"tools.zach/dev/presenced/internal/telemetry"
)

// requestTimeout bounds request/reply exchanges with the daemon.
const requestTimeout = 5 * time.Second

type runner struct {
	out    io.Writer
	errOut io.Writer
	dp     paths.DataDir
	now    func() time.Time
	// dial connects to the daemon's host socket.
	dial func(address string) (*hostipc.Client, error)
}

func newRunner(out, errOut io.Writer) *runner {
	return &runner{
		out:    out,
		errOut: errOut,
		now:    time.Now,
		dial: func(address string) (*hostipc.Client, error) {
			return hostipc.Dial(address, paths.CtlBinaryName)
		},
	}
}

// Run executes one command and returns the exit code: 0 on success, 1 on
// failure, 2 on usage errors.
func (r *runner) Run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet(paths.CtlBinaryName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dataDir := fs.String("data-dir", paths.DefaultRoot(), "data directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	r.dp = paths.DataDir{Root: *dataDir}

	rest := fs.Args()
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "query":
		return r.runQuery(ctx, rest[1:])
	case "set":
		return r.runSet(ctx, rest[1:])
	case "live":
		return r.runLive(rest[1:])
	case "idle-timeout":
		return r.runIdleTimeout(ctx, rest[1:])
	case "window":
		return r.runWindow(rest[1:])
	case "poke":
		return r.runPoke(rest[1:])
	case "quit":
		return r.runQuit(ctx, rest[1:])
	case "logs":
		return r.runLogs(rest[1:])
	case "version":
		fmt.Fprintln(r.out, version)
		return 0
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *runner) printUsage() {
	fmt.Fprintln(r.errOut, `usage: presencectl [-data-dir DIR] <command> [args]

store commands:
  status [-json] [subject...]   resolved presence (default: own subject)
  watch [pattern]               follow effective status changes

daemon commands:
  query                         daemon's current state
  set <status>                  online, idle, dnd, invisible, offline
  live on|off                   report a live session
  idle-timeout <ms|duration>    change the inactivity timeout (min 100ms)
  window <state>                hidden, minimized, restored, focused, shown
  poke [kind]                   report input (pointer, keyboard, focus, visibility)
  quit                          ask the daemon to clean up and exit

logs [-n N] [-level L]          tail the daemon log`)
}

// handleErr prints err and returns the failure exit code.
func (r *runner) handleErr(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

// ///////////////////////////////////////////////
// Store Commands
// ///////////////////////////////////////////////

func (r *runner) openStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.Load(r.dp.Root)
	if err != nil {
		return nil, nil, err
	}
	st, err := backend.Open(ctx, cfg.Store, r.dp)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// statusRow is one line of status output.
type statusRow struct {
	SubjectID string `json:"subjectId"`
	Effective string `json:"effective"`
	Stored    string `json:"stored,omitempty"`
	AutoIdle  bool   `json:"autoIdle,omitempty"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func (r *runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	cfg, st, err := r.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer st.Close()

	subjects := fs.Args()
	if len(subjects) == 0 {
		subjects = []string{cfg.Subject.ID}
	}
	reader := store.NewReader(st, cfg.Presence.StaleThreshold(), telemetry.Default())

	rows := make([]statusRow, 0, len(subjects))
	for _, id := range subjects {
		l, err := reader.Lookup(ctx, id)
		if err != nil {
			return r.handleErr(fmt.Errorf("%s: %w", id, err))
		}
		row := statusRow{SubjectID: id, Effective: string(l.Effective)}
		if l.Found {
			row.Stored = string(l.Record.Status)
			row.AutoIdle = l.Record.IsAutoIdle
			row.LastSeen = l.Record.LastSeen
			row.SessionID = l.Record.SessionID
		}
		rows = append(rows, row)
	}

	if *jsonOut {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return r.handleErr(err)
		}
		return 0
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tSTATUS\tSTORED\tLAST SEEN")
	for _, row := range rows {
		stored := row.Stored
		if stored == "" {
			stored = "-"
		} else if row.AutoIdle {
			stored += " (auto)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.SubjectID, row.Effective, stored, r.lastSeen(row.LastSeen))
	}
	tw.Flush()
	return 0
}

// lastSeen renders a lastSeen timestamp relative to now.
func (r *runner) lastSeen(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return humanize.RelTime(time.UnixMilli(ms), r.now(), "ago", "from now")
}

func (r *runner) runWatch(ctx context.Context, args []string) int {
	pattern := store.MatchAll
	switch len(args) {
	case 0:
	case 1:
		pattern = args[0]
	default:
		fmt.Fprintln(r.errOut, "usage: presencectl watch [pattern]")
		return 2
	}
	if err := store.ValidatePattern(pattern); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	cfg, st, err := r.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer st.Close()

	ro := roster.New(st, pattern, cfg.Presence.StaleThreshold(), cfg.Roster.Sweep())
	done := make(chan error, 1)
	go func() { done <- ro.Run(ctx) }()

	for c := range ro.Changes() {
		fmt.Fprintf(r.out, "%s  %s  (last seen %s)\n", r.now().Format(time.TimeOnly), c, r.lastSeen(c.Record.LastSeen))
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

// ///////////////////////////////////////////////
// Daemon Commands
// ///////////////////////////////////////////////

// connect dials the daemon at the configured socket.
func (r *runner) connect() (*hostipc.Client, error) {
	address := hostipc.DefaultAddress(r.dp.Root)
	if cfg, err := config.Load(r.dp.Root); err == nil && cfg.IPC.Socket != "" {
		address = cfg.IPC.Socket
	}
	c, err := r.dial(address)
	if err != nil {
		return nil, fmt.Errorf("connect to presenced: %w", err)
	}
	return c, nil
}

// withClient runs fn against a connected daemon client.
func (r *runner) withClient(fn func(c *hostipc.Client) error) int {
	c, err := r.connect()
	if err != nil {
		return r.handleErr(err)
	}
	defer c.Close()
	if err := fn(c); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *runner) printState(s hostipc.StatusData) {
	status := s.Status
	if s.AutoIdle {
		status += " (auto)"
	}
	live := ""
	if s.Live {
		live = ", live session"
	}
	idle := ""
	if s.IdleTimeoutMS > 0 {
		idle = ", idle after " + (time.Duration(s.IdleTimeoutMS) * time.Millisecond).String()
	}
	fmt.Fprintf(r.out, "%s: %s%s%s\n", s.SubjectID, status, live, idle)
}

func (r *runner) runQuery(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(r.errOut, "usage: presencectl query")
		return 2
	}
	return r.withClient(func(c *hostipc.Client) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		s, err := c.Query(ctx)
		if err != nil {
			return err
		}
		r.printState(s)
		return nil
	})
}

func (r *runner) runSet(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: presencectl set <status>")
		return 2
	}
	status, err := presence.ParseStatus(strings.ToLower(args[0]))
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	return r.withClient(func(c *hostipc.Client) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		s, err := c.SetStatus(ctx, status)
		if err != nil {
			return err
		}
		r.printState(s)
		return nil
	})
}

func (r *runner) runLive(args []string) int {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Fprintln(r.errOut, "usage: presencectl live on|off")
		return 2
	}
	active := args[0] == "on"
	return r.withClient(func(c *hostipc.Client) error {
		return c.SetLiveSession(active)
	})
}

func (r *runner) runIdleTimeout(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: presencectl idle-timeout <ms|duration>")
		return 2
	}
	timeout, err := parseTimeout(args[0])
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	return r.withClient(func(c *hostipc.Client) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		s, err := c.SetIdleTimeout(ctx, timeout)
		if err != nil {
			return err
		}
		r.printState(s)
		return nil
	})
}

// parseTimeout accepts plain milliseconds ("90000") or a Go duration ("90s").
func parseTimeout(arg string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: want milliseconds or a duration like 90s", arg)
	}
	return d, nil
}

func (r *runner) runWindow(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: presencectl window <state>")
		return 2
	}
	state, err := activity.ParseWindowState(strings.ToLower(args[0]))
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	return r.withClient(func(c *hostipc.Client) error {
		return c.WindowState(state)
	})
}

func (r *runner) runPoke(args []string) int {
	kind := activity.Keyboard
	if len(args) > 1 {
		fmt.Fprintln(r.errOut, "usage: presencectl poke [kind]")
		return 2
	}
	if len(args) == 1 {
		k, err := activity.ParseInputKind(strings.ToLower(args[0]))
		if err != nil {
			fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		kind = k
	}
	return r.withClient(func(c *hostipc.Client) error {
		return c.Activity(kind)
	})
}

func (r *runner) runQuit(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(r.errOut, "usage: presencectl quit")
		return 2
	}
	return r.withClient(func(c *hostipc.Client) error {
		// The daemon acknowledges once cleanup finished or timed out.
		ctx, cancel := context.WithTimeout(ctx, 2*requestTimeout)
		defer cancel()
		if err := c.BeforeQuit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "presenced cleaned up")
		return nil
	})
}

// ///////////////////////////////////////////////
// Logs
// ///////////////////////////////////////////////

func (r *runner) runLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int("n", 50, "number of lines")
	level := fs.String("level", "trace", "minimum level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	text, err := logger.ReadTail(r.dp.Log(), *n, logger.ParseLevel(*level))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r.handleErr(fmt.Errorf("no log file at %s", r.dp.Log()))
		}
		return r.handleErr(err)
	}
	if text != "" {
		fmt.Fprintln(r.out, text)
	}
	return 0
}
