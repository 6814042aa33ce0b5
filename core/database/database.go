// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// TxnRunner defines an interface for running transactions against the
// sync engine's database.
type TxnRunner interface {
	// Txn executes the input function against the database, using
	// the sqlair package. The sqlair package provides a mapping library
	// for SQL queries and statements.
	// Retry semantics are applied automatically based on transient
	// failures. This is the function that almost all downstream
	// database consumers should use.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn executes the input function against the database, within
	// a transaction that depends on the input context.
	// Retry semantics are applied automatically based on transient
	// failures.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}

// TxnRunnerFactory aliases a function that returns a database
// transaction runner.
type TxnRunnerFactory = func() (TxnRunner, error)

// NewTxnRunnerFactoryForRunner returns a TxnRunnerFactory for the
// input runner. This is useful for testing and for wiring components
// that already hold a runner.
func NewTxnRunnerFactoryForRunner(runner TxnRunner) TxnRunnerFactory {
	return func() (TxnRunner, error) {
		if runner == nil {
			return nil, errors.New("nil txn runner")
		}
		return runner, nil
	}
}
