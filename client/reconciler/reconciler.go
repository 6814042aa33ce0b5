// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler is the consuming side of the sync engine: it
// applies an optimistic local mutation immediately, snapshots prior
// state first, and rolls back atomically if the authoritative write
// fails or is superseded by a detected conflict.
package reconciler

import (
	"context"
	"encoding/json"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	corechangelog "github.com/driftline/driftline/core/changelog"
	"github.com/driftline/driftline/core/logger"
	"github.com/driftline/driftline/domain/changelog"
)

// ErrConflictDetected is the cause carried by a ReconciliationError
// when the authoritative write committed but was flagged as
// conflicting; the optimistic state has been rolled back pending
// resolution.
const ErrConflictDetected = errors.ConstError("conflict detected")

// ReconciliationError reports that the authoritative mutation failed
// after an optimistic patch was already applied. It is raised only
// after the rollback has completed.
type ReconciliationError struct {
	cause    error
	conflict *corechangelog.Conflict
}

// Error implements the error interface.
func (e *ReconciliationError) Error() string {
	return "reconciliation failed: " + e.cause.Error()
}

// Unwrap exposes the underlying cause.
func (e *ReconciliationError) Unwrap() error {
	return e.cause
}

// Conflict returns the conflict record when the cause was
// ErrConflictDetected, else nil.
func (e *ReconciliationError) Conflict() *corechangelog.Conflict {
	return e.conflict
}

// DocumentPatch is one optimistic change to the local store.
type DocumentPatch struct {
	Collection string
	ID         string
	Document   json.RawMessage
	Remove     bool
}

// Mutation pairs the authoritative append arguments with the
// optimistic patches reflecting it locally. The args' OriginClient and
// ObservedVersion are filled in by the reconciler.
type Mutation struct {
	Args    changelog.AppendArgs
	Patches []DocumentPatch
}

// Mutator issues the authoritative mutation; in production it is the
// change log service's append path.
type Mutator func(ctx context.Context, args changelog.AppendArgs) (corechangelog.Entry, *corechangelog.Conflict, error)

// Config holds the dependencies of a Reconciler.
type Config struct {
	Store    *Store
	Mutator  Mutator
	ClientID string
	Logger   logger.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if c.Mutator == nil {
		return errors.NotValidf("missing Mutator")
	}
	if c.ClientID == "" {
		return errors.NotValidf("missing ClientID")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Reconciler runs the optimistic mutation pipeline and tracks the
// client's pull checkpoint.
type Reconciler struct {
	cfg Config

	// checkpoint is only touched from the client's cooperative loop;
	// it is read when filling ObservedVersion and advanced by
	// ApplyPull.
	checkpoint int64
}

// NewReconciler returns a new Reconciler with a zero checkpoint.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Reconciler{cfg: cfg}, nil
}

// Checkpoint returns the highest version this client has consumed.
func (r *Reconciler) Checkpoint() int64 {
	return r.checkpoint
}

// Mutate applies the optimistic patches immediately, then issues the
// authoritative mutation. On success the optimistic state stands; it
// already matches, or is superseded by, server state on the next pull.
// On failure, or on a reported conflict, every touched collection is
// restored from the pre-mutation snapshot atomically before the error
// is surfaced.
func (r *Reconciler) Mutate(ctx context.Context, m Mutation) (corechangelog.Entry, error) {
	touched := set.NewStrings()
	for _, patch := range m.Patches {
		touched.Add(patch.Collection)
	}

	snapshot, err := r.cfg.Store.begin(touched.SortedValues())
	if err != nil {
		return corechangelog.Entry{}, errors.Trace(err)
	}
	r.cfg.Store.apply(m.Patches)

	args := m.Args
	args.OriginClient = r.cfg.ClientID
	args.ObservedVersion = r.checkpoint

	entry, conflict, err := r.cfg.Mutator(ctx, args)
	if err != nil {
		r.cfg.Store.rollback(snapshot)
		r.cfg.Logger.Debugf("mutation of %s %q failed, rolled back: %v", args.Entity, args.EntityID, err)
		return corechangelog.Entry{}, &ReconciliationError{cause: err}
	}
	if conflict != nil {
		r.cfg.Store.rollback(snapshot)
		r.cfg.Logger.Infof("mutation of %s %q conflicted with version %d, rolled back",
			args.Entity, args.EntityID, conflict.RemoteVersion)
		return entry, &ReconciliationError{cause: ErrConflictDetected, conflict: conflict}
	}

	r.cfg.Store.commit(snapshot)
	return entry, nil
}

// ApplyPull applies one pulled page to the local store and advances
// the checkpoint to the page's last version. Entries arrive ordered by
// version, so replay is idempotent: re-applying a page converges on
// the same state.
func (r *Reconciler) ApplyPull(page changelog.Page) {
	for _, entry := range page.Events {
		switch entry.Operation {
		case corechangelog.Delete:
			r.cfg.Store.Remove(entry.Entity, entry.EntityID)
		default:
			r.cfg.Store.Set(entry.Entity, entry.EntityID, entry.Payload)
		}
	}
	if page.LastVersion > r.checkpoint {
		r.checkpoint = page.LastVersion
	}
}
