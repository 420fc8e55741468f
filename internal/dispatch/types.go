package dispatch

import (
	"encoding/json"
	"time"

	"busping/internal/push"
)

// MaxDelay is the longest the scheduler will wait before sending.
const MaxDelay = 60 * time.Second

// Config controls throttling, dedup and history.
type Config struct {
	RatePerSec      int
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
}

// Request is one deferred push.
type Request struct {
	// ID is optional. When set, duplicates within the dedup window are dropped.
	ID           string
	Subscription push.Subscription
	// Payload is sent verbatim (JSON). Empty sends a push without a body.
	Payload json.RawMessage
	Delay   time.Duration
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// Outcome reports what happened to a request.
type Outcome struct {
	Status     Status        `json:"status"`
	Delay      time.Duration `json:"delay"`
	SentAt     time.Time     `json:"sent_at,omitzero"`
	StatusCode int           `json:"status_code,omitempty"`
}

// Job is an accepted request waiting to be delivered.
type Job struct {
	key        string
	sub        push.Subscription
	payload    []byte
	Delay      time.Duration
	AcceptedAt time.Time
	// Duplicate is set when another request already claimed this ID.
	Duplicate bool
}

// Event types published on the bus.
const (
	EventAccepted = "dispatch.accepted"
	EventWaiting  = "dispatch.waiting"
	EventDeduped  = "dispatch.deduped"
	EventSent     = "dispatch.sent"
	EventFailed   = "dispatch.failed"
)

// DispatchEvent is the bus payload. It never carries the subscription.
type DispatchEvent struct {
	Key        string        `json:"key,omitempty"`
	Delay      time.Duration `json:"delay"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type HistoryItem struct {
	At         time.Time     `json:"at"`
	Status     Status        `json:"status"`
	Delay      time.Duration `json:"delay"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Stats are cumulative counters since start.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Deduped  uint64 `json:"deduped"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Waiting  int64  `json:"waiting"`
}
