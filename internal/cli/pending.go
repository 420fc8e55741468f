package cli

import (
	"context"
	"fmt"
	"strings"

	"busping/internal/reminders"
	"busping/internal/runtime/supervisor"
	logx "busping/pkg/logx"
)

func (a *App) cmdPending(ctx context.Context, args []string) error {
	if err := a.flags("pending").Parse(args); err != nil {
		return err
	}
	// Drop anything already due before listing.
	if _, err := a.tracker.Sweep(ctx); err != nil {
		return err
	}
	list, err := a.tracker.List(ctx)
	if err != nil {
		return err
	}
	a.printPending(list)
	return nil
}

func (a *App) printPending(list []reminders.Reminder) {
	if len(list) == 0 {
		fmt.Fprintln(a.out, "no pending reminders")
		return
	}
	now := a.clock.Now()
	for _, r := range list {
		fmt.Fprintf(a.out, "%-24s bus %-6s in %s\n", r.ID, r.BusNo, formatRemaining(r.Target().Sub(now)))
	}
}

// cmdCancel forgets a reminder locally. A push already accepted by the
// server is still delivered.
func (a *App) cmdCancel(ctx context.Context, args []string) error {
	fs := a.flags("cancel")
	id := fs.String("id", "", "reminder id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return fmt.Errorf("%w: -id is required", ErrUsage)
	}
	if err := a.tracker.Remove(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "removed %s\n", *id)
	return nil
}

func (a *App) cmdClear(ctx context.Context, args []string) error {
	if err := a.flags("clear").Parse(args); err != nil {
		return err
	}
	if err := a.tracker.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "cleared")
	return nil
}

// cmdWatch keeps the 1s sweep running and reprints the ledger on every change
// until ctx is done.
func (a *App) cmdWatch(ctx context.Context, args []string) error {
	if err := a.flags("watch").Parse(args); err != nil {
		return err
	}
	events, unsub := a.bus.Subscribe(16)
	defer unsub()

	list, err := a.tracker.List(ctx)
	if err != nil {
		return err
	}
	a.printPending(list)

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sup.Go("reminders.sweep", a.tracker.Run)
	sup.Go0("reminders.print", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != reminders.EventChanged {
					continue
				}
				if list, ok := e.Data.([]reminders.Reminder); ok {
					fmt.Fprintln(a.out, "--")
					a.printPending(list)
				}
			}
		}
	})
	if a.cfgm != nil {
		a.followConfig(sup)
	}
	<-sup.Context().Done()
	_ = sup.Wait(context.Background())
	return sup.Err()
}

// followConfig applies client.lead_time changes while watch runs.
func (a *App) followConfig(sup *supervisor.Supervisor) {
	sub := a.cfgm.Subscribe(4)
	sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				if d := leadTime(cfg); d != a.orch.LeadTime() {
					a.orch.SetLeadTime(d)
					a.log.Info("lead time updated", logx.Duration("lead", d))
				}
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
}
