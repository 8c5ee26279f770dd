// Package client tracks long-running fauxnetd operations from the caller's side.
//
// A Tracker owns one active operation per job family ("topology-load",
// "site-scrape", ...). Starting persists the returned id in a Store before
// observation begins, so a later process can Resume it. Observation runs over the
// event stream or by polling, and falls back to polling with backoff when the
// connection drops.
//
// Outcome callbacks are guarded by a Latch keyed by operation id: however many
// paths see the terminal record, OnCompleted or OnError fires once. A dropped
// connection is reported through OnConnectionLost and never as a job failure, and
// the persisted id is only cleared once the operation is known to be over.
package client
