package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"busping/internal/errs"
	"busping/internal/storage"
	logx "busping/pkg/logx"
)

var errClaimed = errors.New("dedup key already claimed")

type claimRecord struct {
	Until int64 `json:"until"` // unix milli
}

// claim reports whether key was free and is now held for the dedup window.
// With persistence on, the store decides; the memory map is only a cache.
func (s *Scheduler) claim(ctx context.Context, key string) (bool, error) {
	cfg, _ := s.config()
	now := s.clock.Now()
	until := now.Add(cfg.DedupWindow)

	s.dmu.Lock()
	if u, ok := s.dedup[key]; ok && now.Before(u) {
		s.dmu.Unlock()
		return false, nil
	}
	if !cfg.PersistDedup || s.store == nil {
		s.rememberLocked(key, until, cfg.DedupMaxEntries)
		s.dmu.Unlock()
		return true, nil
	}
	s.dmu.Unlock()

	err := s.store.Update(ctx, storage.BucketDedup, key, func(cur []byte, ok bool) ([]byte, error) {
		if ok {
			var rec claimRecord
			if json.Unmarshal(cur, &rec) == nil && now.Before(time.UnixMilli(rec.Until)) {
				return nil, errClaimed
			}
		}
		return json.Marshal(claimRecord{Until: until.UnixMilli()})
	})
	if errors.Is(err, errClaimed) {
		s.remember(key, until, cfg.DedupMaxEntries)
		return false, nil
	}
	if err != nil {
		s.log.Error("dedup claim failed", logx.Err(err))
		return false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	s.remember(key, until, cfg.DedupMaxEntries)
	return true, nil
}

// release drops a claim for a job that was never sent.
func (s *Scheduler) release(key string) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()

	cfg, _ := s.config()
	if cfg.PersistDedup && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.Delete(ctx, storage.BucketDedup, key); err != nil {
			s.log.Warn("dedup release failed", logx.Err(err))
		}
	}
}

func (s *Scheduler) remember(key string, until time.Time, max int) {
	s.dmu.Lock()
	s.rememberLocked(key, until, max)
	s.dmu.Unlock()
}

func (s *Scheduler) rememberLocked(key string, until time.Time, max int) {
	s.dedup[key] = until

	now := s.clock.Now()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Bound memory: evict the entries expiring soonest.
	for max > 0 && len(s.dedup) > max {
		var minKey string
		var minUntil time.Time
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minUntil) {
				minKey, minUntil = k, u
			}
		}
		delete(s.dedup, minKey)
	}
}
