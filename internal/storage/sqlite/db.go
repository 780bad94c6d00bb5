// Package sqlite persists the occupancy count and the alert history in a
// SQLite database. The schema is managed with golang-migrate from migrations
// embedded in the binary.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/clalos/occupancy-estimator/internal/alert"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// occupancyID is the primary key of the single occupancy row.
	occupancyID = 1
	// alertTimeLayout is fixed-width so created_at sorts lexically.
	alertTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// DB wraps a SQLite handle.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single connection.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp runs all pending migrations. It is a no-op when the schema is current.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty flag.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: db.logger}
	return m, nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
	}
}

func (l *migrateLogger) Verbose() bool { return false }

// Init creates the occupancy row with a zero count unless it already exists.
func (db *DB) Init(ctx context.Context) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO occupancy (id, count) VALUES (?, 0)`, occupancyID)
	if err != nil {
		return fmt.Errorf("init occupancy: %w", err)
	}
	return nil
}

// Set stores count in the occupancy row.
func (db *DB) Set(ctx context.Context, count int) error {
	res, err := db.ExecContext(ctx,
		`UPDATE occupancy SET count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, count, occupancyID)
	if err != nil {
		return fmt.Errorf("update occupancy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update occupancy: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update occupancy: row %d missing, Init not called", occupancyID)
	}
	return nil
}

// Get returns the stored count.
func (db *DB) Get(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count FROM occupancy WHERE id = ?`, occupancyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read occupancy: %w", err)
	}
	return count, nil
}

// Notify records ev in the alert history. It lets the database act as one of
// the dispatcher's notifiers.
func (db *DB) Notify(ctx context.Context, ev alert.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (event_id, kind, occupancy, max_occupancy, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Kind, ev.Occupancy, ev.MaxOccupancy, ev.Timestamp.UTC().Format(alertTimeLayout))
	if err != nil {
		return fmt.Errorf("record alert %s: %w", ev.ID, err)
	}
	return nil
}

// Alerts returns up to limit alerts, newest first.
func (db *DB) Alerts(ctx context.Context, limit int) ([]alert.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, kind, occupancy, max_occupancy, created_at FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var events []alert.Event
	for rows.Next() {
		var (
			ev        alert.Event
			id, stamp string
		)
		if err := rows.Scan(&id, &ev.Kind, &ev.Occupancy, &ev.MaxOccupancy, &stamp); err != nil {
			return nil, err
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse alert id %q: %w", id, err)
		}
		if ev.Timestamp, err = time.Parse(alertTimeLayout, stamp); err != nil {
			return nil, fmt.Errorf("parse alert timestamp %q: %w", stamp, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
