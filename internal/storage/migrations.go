package storage

// schemaSteps is the ordered upgrade path. Append only; never edit a released step.
var schemaSteps = []step{
	{
		// Integer-id layout. IF NOT EXISTS only adopts tables already in this
		// exact shape (occurs_at in unix ms); other layouts fail in step 2.
		Version: 1,
		Name:    "legacy_schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id        INTEGER PRIMARY KEY,
				occurs_at BIGINT NOT NULL,
				message   TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS channels (
				id BIGINT PRIMARY KEY
			)`,
			`CREATE TABLE IF NOT EXISTS sent_events (
				event_id   INTEGER NOT NULL,
				channel_id BIGINT NOT NULL,
				message_id BIGINT NOT NULL,
				PRIMARY KEY (event_id, channel_id)
			)`,
		},
	},
	{
		// Source-namespaced string ids ("rgub123") and @username channels.
		Version: 2,
		Name:    "string_identifiers",
		Statements: []string{
			`CREATE TABLE events_v2 (
				id        TEXT PRIMARY KEY,
				occurs_at BIGINT NOT NULL,
				message   TEXT NOT NULL
			)`,
			`INSERT INTO events_v2 (id, occurs_at, message)
				SELECT CAST(id AS TEXT), occurs_at, message FROM events`,
			`DROP TABLE events`,
			`ALTER TABLE events_v2 RENAME TO events`,

			`CREATE TABLE channels_v2 (
				id TEXT PRIMARY KEY
			)`,
			`INSERT INTO channels_v2 (id) SELECT CAST(id AS TEXT) FROM channels`,
			`DROP TABLE channels`,
			`ALTER TABLE channels_v2 RENAME TO channels`,

			`CREATE TABLE sent_events_v2 (
				event_id   TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				PRIMARY KEY (event_id, channel_id)
			)`,
			`INSERT INTO sent_events_v2 (event_id, channel_id, message_id)
				SELECT CAST(event_id AS TEXT), CAST(channel_id AS TEXT), CAST(message_id AS TEXT) FROM sent_events`,
			`DROP TABLE sent_events`,
			`ALTER TABLE sent_events_v2 RENAME TO sent_events`,
		},
	},
	{
		Version: 3,
		Name:    "event_source_and_audit",
		Statements: []string{
			`ALTER TABLE events ADD COLUMN source TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE events ADD COLUMN created_at BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE sent_events ADD COLUMN sent_at BIGINT NOT NULL DEFAULT 0`,
			`CREATE INDEX IF NOT EXISTS idx_events_occurs_at ON events (occurs_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sent_events_channel ON sent_events (channel_id)`,
		},
	},
}

// SchemaVersion is the version this build migrates to.
func SchemaVersion() int { return schemaSteps[len(schemaSteps)-1].Version }
