// Package dispatch performs deferred Web Push delivery: accept a subscription,
// a payload and a delay, wait, then send exactly once.
//
// # Delay
//
// Delays are clamped into [0, MaxDelay]. MaxDelay mirrors the execution ceiling
// of the serverless platform the HTTP endpoint was first deployed on; a reminder
// further out than that is sent early (at MaxDelay).
//
// # At-most-once
//
// A request carrying an ID claims a dedup key before waiting. A second request
// with the same ID and endpoint inside the dedup window is reported as a
// duplicate and never sent. Claims are kept in memory and, when enabled, in the
// blob store so replicas and restarts share them.
//
// # Events
//
// The scheduler publishes dispatch.accepted, dispatch.waiting, dispatch.deduped,
// dispatch.sent and dispatch.failed on the event bus, and keeps a small history
// for /api/status.
package dispatch
