// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database provides the sqlite backing for the sync engine's
// durable state: the change log, conflict records and notification
// history. The engine requires only what any relational store offers,
// namely transactions and an auto-incrementing counter; sqlite keeps
// the deployment single-binary.
package database

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

// Open returns a database handle for the sqlite file at the given
// path. Foreign keys are enforced and a busy timeout is set so that
// concurrent writers queue rather than fail immediately.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000&_journal=WAL", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening database at %q", path)
	}
	return db, nil
}

// OpenInMemory returns a handle to a named in-memory database. The
// shared cache keeps the database alive for as long as one connection
// in the pool remains open, and lets multiple connections see the same
// data, which mirrors the concurrency profile of the file-backed
// store.
func OpenInMemory(name string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1&_busy_timeout=5000", name)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening in-memory database")
	}
	return db, nil
}
