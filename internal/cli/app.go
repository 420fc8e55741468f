// Package cli implements the busping client commands: arrivals lookup, bus
// reminders, the pending ledger, sessions and station sync.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"busping/internal/apiclient"
	"busping/internal/arrivals"
	"busping/internal/config"
	"busping/internal/eventbus"
	"busping/internal/orchestrator"
	"busping/internal/push"
	"busping/internal/reminders"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
)

// ErrUsage marks a command line the CLI could not parse.
var ErrUsage = errors.New("usage")

type App struct {
	cfg      *config.Config
	store    storage.Store
	api      *apiclient.Client
	arrivals *arrivals.Client
	tracker  *reminders.Tracker
	orch     *orchestrator.Orchestrator
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger
	cfgm     *config.ConfigManager

	in  io.Reader
	out io.Writer
}

type Option func(*App)

func WithClock(c clock.Clock) Option { return func(a *App) { a.clock = c } }

// WithConfigManager lets long-running commands follow config reloads.
func WithConfigManager(m *config.ConfigManager) Option { return func(a *App) { a.cfgm = m } }

// WithIO replaces stdin/stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// NewApp wires the client against store, which holds the local bucket.
func NewApp(cfg *config.Config, store storage.Store, log logx.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &App{
		cfg:   cfg,
		store: store,
		bus:   eventbus.New(),
		clock: clock.New(),
		log:   log,
		in:    os.Stdin,
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}

	timeout := config.DurationOr(cfg.Client.HTTPTimeout, config.DefaultHTTPTimeout)
	api, err := apiclient.New(cfg.Client.APIBase, apiclient.WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	a.api = api
	a.arrivals = arrivals.New(cfg.Client.ArrivalsURL, timeout, a.clock, log)
	a.tracker = reminders.New(store, a.bus, a.clock, log)
	a.orch = orchestrator.New(
		push.FileSubscriber{Path: cfg.Client.SubscriptionPath},
		api, a.tracker, consoleNotices{w: a.out}, a.clock, log,
	)
	a.orch.SetLeadTime(leadTime(cfg))
	return a, nil
}

func leadTime(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Client.LeadTime, config.DefaultLeadTime)
}

// Run executes one command. args excludes the program name.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return ErrUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "arrivals":
		return a.cmdArrivals(ctx, rest)
	case "notify":
		return a.cmdNotify(ctx, rest)
	case "pending":
		return a.cmdPending(ctx, rest)
	case "cancel":
		return a.cmdCancel(ctx, rest)
	case "clear":
		return a.cmdClear(ctx, rest)
	case "watch":
		return a.cmdWatch(ctx, rest)
	case "register":
		return a.cmdAuth(ctx, "register", rest)
	case "login":
		return a.cmdAuth(ctx, "login", rest)
	case "logout":
		return a.cmdLogout(ctx, rest)
	case "stations":
		return a.cmdStations(ctx, rest)
	case "sync":
		return a.cmdSync(ctx, rest)
	case "help", "-h", "--help":
		a.usage()
		return nil
	default:
		a.usage()
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (a *App) usage() {
	fmt.Fprint(a.out, `busping - Singapore bus arrival reminders

Usage:
  busping arrivals -stop <id> [-bus 12,14]
  busping notify   -stop <id> -bus <no> [-n 0]
  busping pending
  busping cancel   -id <reminder id>
  busping clear
  busping watch
  busping register -email <email> [-pin <pin>]
  busping login    -email <email> [-pin <pin>]
  busping logout
  busping stations [list|add|remove]
  busping sync     [pull|push]
`)
}

func (a *App) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

// consoleNotices prints orchestrator notices, one per line.
type consoleNotices struct{ w io.Writer }

func (c consoleNotices) Notice(n orchestrator.Notice) {
	fmt.Fprintf(c.w, "[%s] %s\n", n.Level, n.Text)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "due"
	}
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%dm%02ds", m, s)
}
