// Package notifier delivers event announcements to chat channels.
//
// Send is synchronous: the caller learns the transport message id or a
// delivery error before it records anything, which is what makes the
// dispatch ledger trustworthy. Outbound traffic is paced with a shared
// token bucket and every send is bounded by its own timeout.
//
// Successful and failed sends are published on the event bus and kept in a
// short in-memory history for diagnostics.
package notifier
