package storage

import (
	"errors"
	"time"
)

var (
	// ErrStorage wraps every failure reported by the database driver.
	ErrStorage = errors.New("storage error")
	// ErrAlreadyRecorded is returned by RecordDelivery when the (event, channel) pair exists.
	ErrAlreadyRecorded = errors.New("delivery already recorded")
	// ErrSchemaNotReady is returned by every Store operation until migrations completed.
	ErrSchemaNotReady = errors.New("storage schema not ready")
	ErrClosed         = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN (pgx)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event is a scraped notification candidate.
type Event struct {
	ID       string
	OccursAt time.Time
	Message  string
	Source   string
}

// DeliveryRecord proves that one event was sent to one channel.
type DeliveryRecord struct {
	EventID            string
	ChannelID          string
	TransportMessageID string
	SentAt             time.Time
}

// UpsertResult reports how a batch was absorbed.
type UpsertResult struct {
	Inserted int
	Skipped  int
}

type Stats struct {
	Events         int
	UpcomingEvents int
	Channels       int
	Deliveries     int
	SchemaVersion  int
}
