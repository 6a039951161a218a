package store

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists the installation-task history and package-activation
// ledger (spec.md DOMAIN STACK addition; not named by the original
// distillation, which keeps this state in memory only).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling WAL mode: %w", err)
	}

	if err := runMigrations(path); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "modernc-sqlite://"+path)
	if err != nil {
		return fmt.Errorf("store: constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: applying migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordTaskStarted inserts a new installation_tasks row.
func (s *Store) RecordTaskStarted(taskID, packageID string, removal bool, state string) error {
	_, err := s.db.Exec(
		`INSERT INTO installation_tasks (id, package_id, removal, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, packageID, removal, state, time.Now().UTC(),
	)
	return err
}

// RecordTaskState updates a task's current state.
func (s *Store) RecordTaskState(taskID, state string) error {
	_, err := s.db.Exec(`UPDATE installation_tasks SET state = ? WHERE id = ?`, state, taskID)
	return err
}

// RecordTaskFinished marks a task terminal, with an optional error message.
func (s *Store) RecordTaskFinished(taskID, state, taskErr string) error {
	_, err := s.db.Exec(
		`UPDATE installation_tasks SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		state, nullableString(taskErr), time.Now().UTC(), taskID,
	)
	return err
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordPackageActivated upserts a package_activations row.
func (s *Store) RecordPackageActivated(packageID string, builtIn bool) error {
	_, err := s.db.Exec(
		`INSERT INTO package_activations (package_id, built_in, activated_at) VALUES (?, ?, ?)
		 ON CONFLICT(package_id) DO UPDATE SET built_in = excluded.built_in, activated_at = excluded.activated_at, removed_at = NULL`,
		packageID, builtIn, time.Now().UTC(),
	)
	return err
}

// RecordPackageRemoved marks a package_activations row removed.
func (s *Store) RecordPackageRemoved(packageID string) error {
	_, err := s.db.Exec(`UPDATE package_activations SET removed_at = ? WHERE package_id = ?`, time.Now().UTC(), packageID)
	return err
}

// TaskHistoryEntry is one row of installation-task history.
type TaskHistoryEntry struct {
	ID         string
	PackageID  string
	Removal    bool
	State      string
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// TaskHistory returns every recorded task, most recent first.
func (s *Store) TaskHistory() ([]TaskHistoryEntry, error) {
	rows, err := s.db.Query(`SELECT id, package_id, removal, state, error, created_at, finished_at FROM installation_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		var errVal sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PackageID, &e.Removal, &e.State, &errVal, &e.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}
		e.Error = errVal.String
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
