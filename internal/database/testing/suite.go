// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides a suite backed by an in-memory sqlite
// database with the sync engine schema applied.
package testing

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/juju/clock"
	jujutesting "github.com/juju/testing"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/driftline/driftline/core/database"
	"github.com/driftline/driftline/domain/schema"
	"github.com/driftline/driftline/internal/database"
	driftlinetesting "github.com/driftline/driftline/testing"
)

// SqliteSuite is used to provide a transaction runner to state tests,
// pre-populated with the sync engine schema.
type SqliteSuite struct {
	jujutesting.IsolationSuite

	db     *sql.DB
	runner coredatabase.TxnRunner
}

// SetUpTest opens a fresh uniquely named in-memory database and
// applies the schema.
func (s *SqliteSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := database.OpenInMemory(uuid.New().String())
	c.Assert(err, gc.IsNil)
	s.db = db
	s.AddCleanup(func(c *gc.C) {
		c.Assert(s.db.Close(), gc.IsNil)
	})

	s.runner = database.NewTxnRunner(db, clock.WallClock, driftlinetesting.NewCheckLogger(c))
	err = schema.SyncDDL().Ensure(context.Background(), s.runner)
	c.Assert(err, gc.IsNil)
}

// DB returns the raw database handle.
func (s *SqliteSuite) DB() *sql.DB {
	return s.db
}

// TxnRunner returns the suite's transaction runner.
func (s *SqliteSuite) TxnRunner() coredatabase.TxnRunner {
	return s.runner
}

// TxnRunnerFactory returns a factory yielding the suite's runner.
func (s *SqliteSuite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return coredatabase.NewTxnRunnerFactoryForRunner(s.runner)
}
