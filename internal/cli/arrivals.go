package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"busping/internal/arrivals"
	"busping/internal/orchestrator"
)

// ErrNotScheduled is returned by notify when no reminder was set.
var ErrNotScheduled = errors.New("reminder not scheduled")

func (a *App) cmdArrivals(ctx context.Context, args []string) error {
	fs := a.flags("arrivals")
	stop := fs.String("stop", "", "bus stop code")
	buses := fs.String("bus", "", "comma separated bus numbers (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*stop) != "" {
		return a.printArrivals(ctx, *stop, splitList(*buses))
	}

	// No stop given: show every configured station.
	stations, err := a.loadStations(ctx)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return fmt.Errorf("%w: -stop is required when no stations are configured", ErrUsage)
	}
	for _, st := range stations {
		fmt.Fprintf(a.out, "== %s\n", st.StationID)
		if err := a.printArrivals(ctx, st.StationID, st.BusNumbers); err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
		}
	}
	return nil
}

func (a *App) printArrivals(ctx context.Context, stop string, buses []string) error {
	list, err := a.arrivals.Fetch(ctx, stop, buses)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "no arrivals")
		return nil
	}
	for _, arr := range list {
		fmt.Fprintf(a.out, "%-6s %-8s %s\n", arr.BusNo, arr.EstimatedArrival, arr.At().Format("15:04:05"))
	}
	return nil
}

// cmdNotify fetches arrivals for one bus and sets a reminder for the n-th one.
func (a *App) cmdNotify(ctx context.Context, args []string) error {
	fs := a.flags("notify")
	stop := fs.String("stop", "", "bus stop code")
	bus := fs.String("bus", "", "bus number")
	n := fs.Int("n", 0, "which upcoming arrival (0 = next)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*stop) == "" || strings.TrimSpace(*bus) == "" {
		return fmt.Errorf("%w: -stop and -bus are required", ErrUsage)
	}

	list, err := a.arrivals.Fetch(ctx, *stop, []string{strings.TrimSpace(*bus)})
	if err != nil {
		return err
	}
	arr, ok := pick(list, *n)
	if !ok {
		return fmt.Errorf("no arrival #%d for bus %s at stop %s", *n, *bus, *stop)
	}
	return a.notify(ctx, arr)
}

func (a *App) notify(ctx context.Context, arr arrivals.Arrival) error {
	if res := a.orch.NotifyBus(ctx, arr); res != orchestrator.ResultScheduled && res != orchestrator.ResultArrived {
		return fmt.Errorf("%w: %s", ErrNotScheduled, res)
	}
	return nil
}

func pick(list []arrivals.Arrival, n int) (arrivals.Arrival, bool) {
	if n < 0 || n >= len(list) {
		return arrivals.Arrival{}, false
	}
	return list[n], true
}
