package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"busping/internal/apiclient"
	"busping/internal/storage"
)

// KeyStations holds the local station configuration.
const KeyStations = "stations"

// Station is one configured stop and the buses watched there. It is the
// settings blob synced with the server.
type Station struct {
	StationID  string   `json:"stationId"`
	BusNumbers []string `json:"busNumbers"`
}

func (a *App) loadStations(ctx context.Context) ([]Station, error) {
	b, ok, err := a.store.Get(ctx, storage.BucketLocal, KeyStations)
	if err != nil || !ok {
		return nil, err
	}
	var list []Station
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("local stations: %w", err)
	}
	return list, nil
}

func (a *App) saveStations(ctx context.Context, list []Station) error {
	if list == nil {
		list = []Station{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, storage.BucketLocal, KeyStations, b)
}

func (a *App) cmdStations(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "list":
		list, err := a.loadStations(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(a.out, "no stations configured")
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(a.out, "%-8s %s\n", s.StationID, strings.Join(s.BusNumbers, ","))
		}
		return nil
	case "add", "remove":
		fs := a.flags("stations " + sub)
		stop := fs.String("stop", "", "bus stop code")
		buses := fs.String("bus", "", "comma separated bus numbers")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if strings.TrimSpace(*stop) == "" {
			return fmt.Errorf("%w: -stop is required", ErrUsage)
		}
		list, err := a.loadStations(ctx)
		if err != nil {
			return err
		}
		if sub == "add" {
			list = addStation(list, strings.TrimSpace(*stop), splitList(*buses))
		} else {
			list = slices.DeleteFunc(list, func(s Station) bool { return s.StationID == strings.TrimSpace(*stop) })
		}
		return a.saveStations(ctx, list)
	default:
		return fmt.Errorf("%w: stations [list|add|remove]", ErrUsage)
	}
}

// addStation merges buses into an existing stop or appends a new one.
func addStation(list []Station, stop string, buses []string) []Station {
	for i := range list {
		if list[i].StationID != stop {
			continue
		}
		for _, b := range buses {
			if !slices.Contains(list[i].BusNumbers, b) {
				list[i].BusNumbers = append(list[i].BusNumbers, b)
			}
		}
		return list
	}
	if buses == nil {
		buses = []string{}
	}
	return append(list, Station{StationID: stop, BusNumbers: buses})
}

// cmdSync pulls or pushes the station list. A 401 discards the session.
func (a *App) cmdSync(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: sync [pull|push]", ErrUsage)
	}
	email, tok, err := a.session(ctx)
	if err != nil {
		return err
	}
	switch args[0] {
	case "pull":
		raw, err := a.api.FetchSettings(ctx, tok, email)
		if apiclient.IsUnauthorized(err) {
			return a.expired(ctx)
		}
		if err != nil {
			return err
		}
		if raw == nil {
			fmt.Fprintln(a.out, "no settings stored on server")
			return nil
		}
		var list []Station
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("server settings: %w", err)
		}
		if err := a.saveStations(ctx, list); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "pulled %d stations\n", len(list))
		return nil
	case "push":
		list, err := a.loadStations(ctx)
		if err != nil {
			return err
		}
		if list == nil {
			list = []Station{}
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return err
		}
		err = a.api.SaveSettings(ctx, tok, email, raw)
		if apiclient.IsUnauthorized(err) {
			return a.expired(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "pushed %d stations\n", len(list))
		return nil
	default:
		return fmt.Errorf("%w: sync [pull|push]", ErrUsage)
	}
}
