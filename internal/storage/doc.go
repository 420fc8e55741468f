// Package storage is busping's blob store: opaque byte values addressed by
// (bucket, key).
//
// Buckets in use:
//   - user-passcodes: credential records (server)
//   - user-settings: settings blobs (server)
//   - dispatch-dedup: at-most-once claims for push dispatch (server)
//   - local: client state (pending reminders, session token, stations)
//
// Every driver implements Update as an atomic read-modify-write so concurrent
// mutations of the same key never lose writes.
package storage
