package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	logx "eventbot/pkg/logx"
)

// ErrSchemaAhead means the database was migrated by a newer build.
var ErrSchemaAhead = errors.New("schema version is newer than this build supports")

// MigrationError is fatal: the store must not be used with a stale or partial schema.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("migration to version %d: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// step is one numbered, order-dependent set of structural changes.
type step struct {
	Version    int
	Name       string
	Statements []string
}

// Migrator brings the physical schema up to the newest step.
// The applied version lives in schema_info under key "version".
type Migrator struct {
	db    *sql.DB
	d     dialect
	steps []step
	log   logx.Logger
}

func newMigrator(db *sql.DB, d dialect, steps []step, log logx.Logger) *Migrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Migrator{db: db, d: d, steps: steps, log: log}
}

// Target is the version the running code requires.
func (m *Migrator) Target() int {
	if len(m.steps) == 0 {
		return 0
	}
	return m.steps[len(m.steps)-1].Version
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_info (
		key   TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`)
	return err
}

// Current returns the persisted version; a missing record means 0.
func (m *Migrator) Current(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var v int64
	err := m.db.QueryRowContext(ctx, m.d.rebind(`SELECT value FROM schema_info WHERE key = ?`), "version").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Run applies every step above the persisted version, each in its own transaction
// together with the version bump. It returns the number of steps applied.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return 0, &MigrationError{Err: fmt.Errorf("read schema version: %w", err)}
	}
	target := m.Target()
	if cur > target {
		return 0, &MigrationError{Version: cur, Err: fmt.Errorf("%w: have %d, want %d", ErrSchemaAhead, cur, target)}
	}

	applied := 0
	for _, st := range m.steps {
		if st.Version <= cur {
			continue
		}
		if err := m.apply(ctx, st); err != nil {
			return applied, &MigrationError{Version: st.Version, Name: st.Name, Err: err}
		}
		applied++
		m.log.Info("schema migrated", logx.Int("version", st.Version), logx.String("name", st.Name))
	}
	if applied == 0 {
		m.log.Debug("schema up to date", logx.Int("version", cur))
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, st step) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, stmt := range st.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, m.d.rebind(
		`INSERT INTO schema_info (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		"version", st.Version,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
