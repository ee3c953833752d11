package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "eventbot/pkg/logx"
)

// Store owns the database handle. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	ready  atomic.Bool
	closed atomic.Bool

	now func() time.Time
}

func newStore(db *sql.DB, d dialect, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, d: d, log: log, now: time.Now}
}

func (s *Store) migrate(ctx context.Context) error {
	m := newMigrator(s.db, s.d, schemaSteps, s.log)
	if _, err := m.Run(ctx); err != nil {
		return err
	}
	v, err := m.Current(ctx)
	if err != nil {
		return &MigrationError{Err: fmt.Errorf("verify schema version: %w", err)}
	}
	if v != m.Target() {
		return &MigrationError{Version: v, Err: fmt.Errorf("schema at %d after migration, want %d", v, m.Target())}
	}
	s.ready.Store(true)
	return nil
}

// Driver returns the dialect name ("sqlite" or "postgres").
func (s *Store) Driver() string { return s.d.name }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	if !s.ready.Load() {
		return ErrSchemaNotReady
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// UpsertEvents inserts every event whose id is not yet stored, in one transaction.
// Existing rows are never modified.
func (s *Store) UpsertEvents(ctx context.Context, events []Event) (UpsertResult, error) {
	var res UpsertResult
	if err := s.check(); err != nil {
		return res, err
	}
	if len(events) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, wrap("begin upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(
		`INSERT INTO events (id, occurs_at, message, source, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return res, wrap("prepare upsert", err)
	}
	defer stmt.Close()

	created := s.now().UnixMilli()
	for _, e := range events {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			res.Skipped++
			continue
		}
		r, err := stmt.ExecContext(ctx, id, e.OccursAt.UnixMilli(), e.Message, e.Source, created)
		if err != nil {
			return UpsertResult{}, wrap("insert event "+id, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return UpsertResult{}, wrap("insert event "+id, err)
		}
		if n > 0 {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, wrap("commit upsert", err)
	}
	return res, nil
}

// FindDueEvents returns events in [start, end] that at least one registered channel
// has not received yet, earliest first.
func (s *Store) FindDueEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT e.id, e.occurs_at, e.message, e.source
		 FROM events e
		 WHERE e.occurs_at BETWEEN ? AND ?
		   AND EXISTS (
		     SELECT 1 FROM channels c
		     WHERE NOT EXISTS (
		       SELECT 1 FROM sent_events se
		       WHERE se.event_id = e.id AND se.channel_id = c.id))
		 ORDER BY e.occurs_at ASC, e.id ASC`),
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, wrap("find due events", err)
	}
	return scanEvents(rows, "find due events")
}

// UpcomingEvents lists events at or after from, earliest first. limit <= 0 means no limit.
func (s *Store) UpcomingEvents(ctx context.Context, from time.Time, limit int) ([]Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := `SELECT id, occurs_at, message, source FROM events WHERE occurs_at >= ? ORDER BY occurs_at ASC, id ASC`
	args := []any{from.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, wrap("upcoming events", err)
	}
	return scanEvents(rows, "upcoming events")
}

func (s *Store) GetEvent(ctx context.Context, id string) (Event, bool, error) {
	if err := s.check(); err != nil {
		return Event{}, false, err
	}
	var (
		e  Event
		ms int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, occurs_at, message, source FROM events WHERE id = ?`), id).
		Scan(&e.ID, &ms, &e.Message, &e.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, wrap("get event", err)
	}
	e.OccursAt = time.UnixMilli(ms).UTC()
	return e, true, nil
}

func scanEvents(rows *sql.Rows, op string) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &ms, &e.Message, &e.Source); err != nil {
			return nil, wrap(op, err)
		}
		e.OccursAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

func (s *Store) HasDelivery(ctx context.Context, eventID, channelID string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*) FROM sent_events WHERE event_id = ? AND channel_id = ?`),
		eventID, channelID).Scan(&n)
	if err != nil {
		return false, wrap("has delivery", err)
	}
	return n > 0, nil
}

// RecordDelivery stores proof of a successful send. The unique pair key makes a
// second insert for the same pair fail with ErrAlreadyRecorded, even under a race.
func (s *Store) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	r, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO sent_events (event_id, channel_id, message_id, sent_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (event_id, channel_id) DO NOTHING`),
		rec.EventID, rec.ChannelID, rec.TransportMessageID, sentAt.UnixMilli())
	if err != nil {
		return wrap("record delivery", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return wrap("record delivery", err)
	}
	if n == 0 {
		return ErrAlreadyRecorded
	}
	return nil
}

// ListDeliveries returns the ledger entries of one event ordered by channel.
func (s *Store) ListDeliveries(ctx context.Context, eventID string) ([]DeliveryRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT event_id, channel_id, message_id, sent_at FROM sent_events WHERE event_id = ? ORDER BY channel_id`),
		eventID)
	if err != nil {
		return nil, wrap("list deliveries", err)
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		var (
			r  DeliveryRecord
			ms int64
		)
		if err := rows.Scan(&r.EventID, &r.ChannelID, &r.TransportMessageID, &ms); err != nil {
			return nil, wrap("list deliveries", err)
		}
		if ms > 0 {
			r.SentAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list deliveries", err)
	}
	return out, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM channels ORDER BY id`)
	if err != nil {
		return nil, wrap("list channels", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list channels", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list channels", err)
	}
	return out, nil
}

// AddChannel registers id. Adding an existing channel is a no-op (added=false).
func (s *Store) AddChannel(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	r, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO channels (id) VALUES (?) ON CONFLICT (id) DO NOTHING`), id)
	if err != nil {
		return false, wrap("add channel", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, wrap("add channel", err)
	}
	return n > 0, nil
}

// RemoveChannel unregisters id. The delivery ledger is kept.
func (s *Store) RemoveChannel(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	r, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM channels WHERE id = ?`), id)
	if err != nil {
		return false, wrap("remove channel", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, wrap("remove channel", err)
	}
	return n > 0, nil
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	v, err := newMigrator(s.db, s.d, schemaSteps, s.log).Current(ctx)
	if err != nil {
		return 0, wrap("schema version", err)
	}
	return v, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.check(); err != nil {
		return st, err
	}
	counts := []struct {
		q    string
		args []any
		dst  *int
	}{
		{q: `SELECT COUNT(*) FROM events`, dst: &st.Events},
		{q: `SELECT COUNT(*) FROM events WHERE occurs_at >= ?`, args: []any{s.now().UnixMilli()}, dst: &st.UpcomingEvents},
		{q: `SELECT COUNT(*) FROM channels`, dst: &st.Channels},
		{q: `SELECT COUNT(*) FROM sent_events`, dst: &st.Deliveries},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.d.rebind(c.q), c.args...).Scan(c.dst); err != nil {
			return Stats{}, wrap("stats", err)
		}
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.SchemaVersion = v
	return st, nil
}
