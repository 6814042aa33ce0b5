// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/driftline/driftline/core/logger"
)

const (
	maxRetries = 10
	retryDelay = 10 * time.Millisecond
)

// TxnRunner runs transactions against a sqlite database, retrying the
// whole function on transient lock contention. It satisfies
// core/database.TxnRunner.
type TxnRunner struct {
	db     *sqlair.DB
	clock  clock.Clock
	logger logger.Logger
}

// NewTxnRunner returns a runner for the input database handle.
func NewTxnRunner(db *sql.DB, clock clock.Clock, logger logger.Logger) *TxnRunner {
	return &TxnRunner{
		db:     sqlair.NewDB(db),
		clock:  clock,
		logger: logger,
	}
}

// Txn executes the input function within a sqlair transaction. The
// transaction is committed if the function returns nil, rolled back
// otherwise. Transient sqlite lock errors retry the whole function.
func (r *TxnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(r.retry(ctx, func() error {
		tx, err := r.db.Begin(ctx, nil)
		if err != nil {
			return errors.Annotate(err, "beginning transaction")
		}
		if err := fn(ctx, tx); err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				r.logger.Warningf("failed to rollback transaction: %v", rErr)
			}
			return errors.Trace(err)
		}
		return errors.Annotate(tx.Commit(), "committing transaction")
	}))
}

// StdTxn executes the input function within a standard library
// transaction, with the same retry semantics as Txn.
func (r *TxnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(r.retry(ctx, func() error {
		tx, err := r.db.PlainDB().BeginTx(ctx, nil)
		if err != nil {
			return errors.Annotate(err, "beginning transaction")
		}
		if err := fn(ctx, tx); err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				r.logger.Warningf("failed to rollback transaction: %v", rErr)
			}
			return errors.Trace(err)
		}
		return errors.Annotate(tx.Commit(), "committing transaction")
	}))
}

func (r *TxnRunner) retry(ctx context.Context, fn func() error) error {
	return retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Tracef("retrying transaction (attempt %d): %v", attempt, err)
		},
		Attempts:    maxRetries,
		Delay:       retryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
}
