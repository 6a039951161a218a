// Package store persists installation-task history and the
// package-activation ledger (spec.md DOMAIN STACK: golang-migrate +
// modernc.org/sqlite).
//
// golang-migrate ships first-party drivers for mattn/go-sqlite3 and a few
// others, but none for the pure-Go modernc.org/sqlite the teacher already
// depends on (boxer.go uses it directly via database/sql). This file is
// the hand-written database/driver.Driver adapter golang-migrate needs to
// run its migrations against a *sql.DB opened with the "sqlite" driver
// name, following the same lock-table/version-table shape as
// golang-migrate's own sqlite3 driver.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

const migrateVersionTable = "schema_migrations"

func init() {
	database.Register("modernc-sqlite", &sqliteDriver{})
}

// sqliteDriver adapts modernc.org/sqlite to golang-migrate's
// database.Driver interface.
type sqliteDriver struct {
	mu sync.Mutex
	db *sql.DB
}

// Open implements database.Driver. url must carry the "modernc-sqlite://"
// scheme; the rest is passed straight to sql.Open("sqlite", ...).
func (d *sqliteDriver) Open(url string) (database.Driver, error) {
	path, err := pathFromURL(url)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	drv := &sqliteDriver{db: db}
	if err := drv.ensureVersionTable(); err != nil {
		db.Close()
		return nil, err
	}
	return drv, nil
}

func pathFromURL(url string) (string, error) {
	const prefix = "modernc-sqlite://"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return "", fmt.Errorf("store: expected %q scheme, got %q", prefix, url)
	}
	return url[len(prefix):], nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER NOT NULL PRIMARY KEY,
			dirty   BOOLEAN NOT NULL
		)`, migrateVersionTable))
	return err
}

func (d *sqliteDriver) Close() error { return d.db.Close() }

// Lock/Unlock are no-ops: modernc.org/sqlite serializes writers at the
// database/sql connection-pool level and migrations here run from a
// single daemon process, so no cross-process advisory lock is needed.
func (d *sqliteDriver) Lock() error   { return nil }
func (d *sqliteDriver) Unlock() error { return nil }

func (d *sqliteDriver) Run(migration io.Reader) error {
	raw, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(string(raw)); err != nil {
		return fmt.Errorf("store: applying migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", migrateVersionTable)); err != nil {
		tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(fmt.Sprintf("INSERT INTO %s (version, dirty) VALUES (?, ?)", migrateVersionTable), version, dirty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (version int, dirty bool, err error) {
	row := d.db.QueryRow(fmt.Sprintf("SELECT version, dirty FROM %s LIMIT 1", migrateVersionTable))
	err = row.Scan(&version, &dirty)
	if err == sql.ErrNoRows {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	for _, t := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, t)); err != nil {
			return err
		}
	}
	return nil
}
