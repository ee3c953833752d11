// Package storage is the event store: scraped events, registered channels and
// the delivery ledger that guarantees each event reaches each channel at most once.
//
// Open runs the schema migrator before handing out a Store; a Store whose
// schema is not current refuses every operation.
package storage
