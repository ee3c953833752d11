// Package dispatch runs the update cycle: ingest events from every source,
// select what is due, deliver each event to each registered channel and
// record the delivery so a later cycle never sends the same pair again.
//
// Only one cycle runs at a time; a concurrent request is rejected with
// ErrCycleInProgress rather than queued.
package dispatch
