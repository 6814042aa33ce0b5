// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package domain

import (
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/driftline/driftline/core/database"
)

// StateBase defines the base struct for all domain state types. It
// holds the transaction runner factory and a cache of prepared sqlair
// statements.
type StateBase struct {
	mu    sync.Mutex
	getDB coredatabase.TxnRunnerFactory
	db    coredatabase.TxnRunner

	stmts map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase.
func NewStateBase(getDB coredatabase.TxnRunnerFactory) *StateBase {
	return &StateBase{
		getDB: getDB,
		stmts: make(map[string]*sqlair.Statement),
	}
}

// DB returns the transaction runner, resolving it from the factory on
// first use.
func (st *StateBase) DB() (coredatabase.TxnRunner, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.getDB == nil {
		return nil, errors.New("nil getDB")
	}
	if st.db == nil {
		var err error
		if st.db, err = st.getDB(); err != nil {
			return nil, errors.Annotate(err, "invoking getDB")
		}
	}
	return st.db, nil
}

// Prepare prepares a sqlair statement for the input query and type
// samples, caching it against the query text. Statement preparation is
// not cheap, and state methods are called per request, so the cache
// matters.
func (st *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if stmt, ok := st.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing statement")
	}
	st.stmts[query] = stmt
	return stmt, nil
}
