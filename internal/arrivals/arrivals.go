// Package arrivals fetches live bus arrival estimates for a stop.
package arrivals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
)

// ErrUnavailable wraps every failure to reach or read the arrivals service.
var ErrUnavailable = errors.New("bus arrivals unavailable")

const DefaultBaseURL = "https://arrivelah2.busrouter.sg/"

// Arrival is one predicted bus.
type Arrival struct {
	BusNo            string `json:"busNo"`
	ArrivalTimestamp int64  `json:"arrivalTimestamp"` // epoch ms
	EstimatedArrival string `json:"estimatedArrival"`
}

// At returns ArrivalTimestamp as a time.Time.
func (a Arrival) At() time.Time { return time.UnixMilli(a.ArrivalTimestamp) }

type slot struct {
	DurationMS *int64 `json:"duration_ms"`
}

type service struct {
	No         string `json:"no"`
	Next       *slot  `json:"next"`
	Subsequent *slot  `json:"subsequent"`
	Next2      *slot  `json:"next2"`
	Next3      *slot  `json:"next3"`
}

type response struct {
	Services []service `json:"services"`
}

type Client struct {
	base  string
	http  *http.Client
	clock clock.Clock
	log   logx.Logger
}

// New builds a client. An empty base uses DefaultBaseURL; timeout <= 0 uses 10s.
func New(base string, timeout time.Duration, clk clock.Clock, log logx.Logger) *Client {
	if strings.TrimSpace(base) == "" {
		base = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  base,
		http:  &http.Client{Timeout: timeout},
		clock: clk,
		log:   log.With(logx.String("comp", "arrivals")),
	}
}

// Fetch returns arrivals at stopID for the given bus numbers, earliest first.
// Duplicate (busNo, timestamp) pairs are dropped.
func (c *Client) Fetch(ctx context.Context, stopID string, busNumbers []string) ([]Arrival, error) {
	stopID = strings.TrimSpace(stopID)
	if stopID == "" {
		return nil, errors.New("stop id required")
	}
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("arrivals base url: %w", err)
	}
	q := u.Query()
	q.Set("id", stopID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("arrivals request failed", logx.String("stop", stopID), logx.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return collect(body, busNumbers, c.clock.Now()), nil
}

func collect(body response, busNumbers []string, now time.Time) []Arrival {
	type seenKey struct {
		bus string
		ts  int64
	}
	seen := map[seenKey]bool{}
	var out []Arrival
	for _, svc := range body.Services {
		if len(busNumbers) > 0 && !slices.Contains(busNumbers, svc.No) {
			continue
		}
		for _, s := range []*slot{svc.Next, svc.Subsequent, svc.Next2, svc.Next3} {
			if s == nil || s.DurationMS == nil || *s.DurationMS < 0 {
				continue
			}
			ms := *s.DurationMS
			a := Arrival{
				BusNo:            svc.No,
				ArrivalTimestamp: now.UnixMilli() + ms,
				EstimatedArrival: fmt.Sprintf("%d min", ms/60000),
			}
			k := seenKey{a.BusNo, a.ArrivalTimestamp}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b Arrival) int {
		switch {
		case a.ArrivalTimestamp < b.ArrivalTimestamp:
			return -1
		case a.ArrivalTimestamp > b.ArrivalTimestamp:
			return 1
		}
		return 0
	})
	return out
}
