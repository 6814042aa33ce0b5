// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	corechangelog "github.com/driftline/driftline/core/changelog"
	coredatabase "github.com/driftline/driftline/core/database"
	"github.com/driftline/driftline/domain"
	changelogerrors "github.com/driftline/driftline/domain/changelog/errors"
)

var resolutionIDs = map[corechangelog.Resolution]int{
	corechangelog.ResolutionPending: 0,
	corechangelog.ResolutionLocal:   1,
	corechangelog.ResolutionRemote:  2,
	corechangelog.ResolutionMerged:  3,
}

// State implements the change log persistence: the version sequencer,
// the conflict detector and the pull queries.
type State struct {
	*domain.StateBase
}

// NewState returns a new State instance.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Append commits the input entry to the change log, assigning its
// version, and records a conflict if another client committed a write
// to the same entity that the producing client had not observed.
// The conflict probe, the append and the conflict record are one
// transaction; two concurrent appends to the same entity cannot both
// observe a clean slot. The input entry's Version field is ignored.
//
// The entry is committed whether or not a conflict is detected; the
// losing write's data is preserved in the conflict record, never
// discarded.
func (s *State) Append(ctx context.Context, entry corechangelog.Entry, observedVersion int64) (corechangelog.Entry, *corechangelog.Conflict, error) {
	db, err := s.DB()
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Trace(err)
	}

	probe := appendScope{
		Entity:          entry.Entity,
		EntityID:        entry.EntityID,
		ObservedVersion: observedVersion,
		OriginClient:    entry.OriginClient,
	}
	probeStmt, err := s.Prepare(`
SELECT (cl.version, cl.payload) AS (&conflictWinner.*)
FROM   change_log AS cl
WHERE  cl.entity = $appendScope.entity
AND    cl.entity_id = $appendScope.entity_id
AND    cl.version > $appendScope.observed_version
AND    cl.origin_client != $appendScope.origin_client
ORDER BY cl.version DESC
LIMIT  1`, probe, conflictWinner{})
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Annotate(err, "preparing conflict probe statement")
	}

	insert := insertChangeLog{
		ID:           entry.ID,
		Entity:       entry.Entity,
		EntityID:     entry.EntityID,
		OperationID:  int(entry.Operation),
		Payload:      string(entry.Payload),
		OriginClient: entry.OriginClient,
		CommittedAt:  entry.CommittedAt,
	}
	insertStmt, err := s.Prepare(`
INSERT INTO change_log (id, entity, entity_id, operation_id, payload, origin_client, committed_at)
VALUES ($insertChangeLog.*)`, insert)
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Annotate(err, "preparing insert statement")
	}

	readBackStmt, err := s.Prepare(`
SELECT (version, id, entity, entity_id, operation_id, payload, origin_client, committed_at) AS (&changeLogRow.*)
FROM   change_log
WHERE  id = $insertChangeLog.id`, insert, changeLogRow{})
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Annotate(err, "preparing read back statement")
	}

	conflictStmt, err := s.Prepare(`
INSERT INTO change_conflict (entry_id, entity, entity_id, local_version, remote_version, local_payload, remote_payload, detected_at)
VALUES ($insertConflict.*)`, insertConflict{})
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Annotate(err, "preparing insert conflict statement")
	}

	var (
		committed changeLogRow
		conflict  *corechangelog.Conflict
	)
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		// Probe for a committed write to the same entity that the
		// producing client had not observed. Whoever commits first
		// wins the clean slot; the later committer sees the winner
		// here and records the conflict.
		var winner conflictWinner
		haveWinner := true
		if err := tx.Query(ctx, probeStmt, probe).Get(&winner); err != nil {
			if !errors.Is(err, sqlair.ErrNoRows) {
				return errors.Annotate(err, "probing for conflicting writes")
			}
			haveWinner = false
		}

		if err := tx.Query(ctx, insertStmt, insert).Run(); err != nil {
			return errors.Annotate(err, "inserting log entry")
		}
		if err := tx.Query(ctx, readBackStmt, insert).Get(&committed); err != nil {
			return errors.Annotate(err, "reading back committed entry")
		}

		if !haveWinner {
			return nil
		}

		record := insertConflict{
			EntryID:       committed.ID,
			Entity:        committed.Entity,
			EntityID:      committed.EntityID,
			LocalVersion:  committed.Version,
			RemoteVersion: winner.Version,
			LocalPayload:  committed.Payload,
			RemotePayload: winner.Payload,
			DetectedAt:    committed.CommittedAt,
		}
		if err := tx.Query(ctx, conflictStmt, record).Run(); err != nil {
			return errors.Annotate(err, "recording conflict")
		}
		conflict = &corechangelog.Conflict{
			EntryID:       record.EntryID,
			Entity:        record.Entity,
			EntityID:      record.EntityID,
			LocalVersion:  record.LocalVersion,
			RemoteVersion: record.RemoteVersion,
			LocalPayload:  entry.Payload,
			RemotePayload: []byte(record.RemotePayload),
			Resolution:    corechangelog.ResolutionPending,
			DetectedAt:    record.DetectedAt,
		}
		return nil
	})
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Annotatef(err, "appending %s %q", entry.Entity, entry.EntityID)
	}
	return committed.toEntry(), conflict, nil
}

// Pull returns up to max log entries with a version greater than
// since, excluding entries produced by the requesting client, ordered
// ascending by version. It is a pure read.
func (s *State) Pull(ctx context.Context, since int64, requestingClient string, max int) ([]corechangelog.Entry, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	scope := pullScope{
		Since:        since,
		OriginClient: requestingClient,
		Max:          max,
	}
	stmt, err := s.Prepare(`
SELECT (version, id, entity, entity_id, operation_id, payload, origin_client, committed_at) AS (&changeLogRow.*)
FROM   change_log
WHERE  version > $pullScope.since
AND    origin_client != $pullScope.origin_client
ORDER BY version
LIMIT  $pullScope.max`, scope, changeLogRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing pull statement")
	}

	var rows []changeLogRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, scope).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotatef(err, "pulling entries after version %d", since)
	}

	entries := make([]corechangelog.Entry, len(rows))
	for i, row := range rows {
		entries[i] = row.toEntry()
	}
	return entries, nil
}

// EntriesAfter returns up to limit entries with a version greater than
// the input version, from all origins, ordered ascending by version.
func (s *State) EntriesAfter(ctx context.Context, version int64, limit int) ([]corechangelog.Entry, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	scope := pullScope{Since: version, Max: limit}
	stmt, err := s.Prepare(`
SELECT (version, id, entity, entity_id, operation_id, payload, origin_client, committed_at) AS (&changeLogRow.*)
FROM   change_log
WHERE  version > $pullScope.since
ORDER BY version
LIMIT  $pullScope.max`, scope, changeLogRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing entries statement")
	}

	var rows []changeLogRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, scope).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading entries after version %d", version)
	}

	entries := make([]corechangelog.Entry, len(rows))
	for i, row := range rows {
		entries[i] = row.toEntry()
	}
	return entries, nil
}

// HighestVersion returns the log's current maximum version, or zero
// for an empty log.
func (s *State) HighestVersion(ctx context.Context) (int64, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	stmt, err := s.Prepare(`
SELECT COALESCE(MAX(version), 0) AS &maxVersion.version
FROM   change_log`, maxVersion{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing max version statement")
	}

	var result maxVersion
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt).Get(&result))
	})
	if err != nil {
		return 0, errors.Annotate(err, "reading highest version")
	}
	return result.Version, nil
}

// PendingConflicts returns up to limit unresolved conflict records,
// ordered by commit order of the triggering entry, so any client can
// surface conflicts regardless of which client triggered them.
func (s *State) PendingConflicts(ctx context.Context, limit int) ([]corechangelog.Conflict, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	scope := pullScope{Max: limit}
	stmt, err := s.Prepare(`
SELECT (cc.entry_id, cc.entity, cc.entity_id, cc.local_version, cc.remote_version,
        cc.local_payload, cc.remote_payload, cr.resolution, cc.detected_at) AS (&conflictRow.*)
FROM   change_conflict AS cc
JOIN   conflict_resolution AS cr ON cr.id = cc.resolution_id
WHERE  cc.resolution_id = 0
ORDER BY cc.local_version
LIMIT  $pullScope.max`, scope, conflictRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing pending conflicts statement")
	}

	var rows []conflictRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, scope).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotate(err, "reading pending conflicts")
	}

	conflicts := make([]corechangelog.Conflict, len(rows))
	for i, row := range rows {
		conflicts[i] = row.toConflict()
	}
	return conflicts, nil
}

// ResolveConflict moves the conflict for the input entry id from
// pending to the input terminal resolution. A conflict is resolved at
// most once; the record itself is never deleted.
func (s *State) ResolveConflict(ctx context.Context, entryID string, resolution corechangelog.Resolution) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	scope := resolveScope{
		EntryID:      entryID,
		ResolutionID: resolutionIDs[resolution],
	}
	currentStmt, err := s.Prepare(`
SELECT resolution_id AS &resolveScope.resolution_id
FROM   change_conflict
WHERE  entry_id = $resolveScope.entry_id`, scope)
	if err != nil {
		return errors.Annotate(err, "preparing current resolution statement")
	}
	updateStmt, err := s.Prepare(`
UPDATE change_conflict
SET    resolution_id = $resolveScope.resolution_id
WHERE  entry_id = $resolveScope.entry_id
AND    resolution_id = 0`, scope)
	if err != nil {
		return errors.Annotate(err, "preparing resolve statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		current := resolveScope{EntryID: entryID}
		err := tx.Query(ctx, currentStmt, current).Get(&current)
		if errors.Is(err, sqlair.ErrNoRows) {
			return changelogerrors.ConflictNotFound
		} else if err != nil {
			return errors.Annotate(err, "reading current resolution")
		}
		if current.ResolutionID != resolutionIDs[corechangelog.ResolutionPending] {
			return changelogerrors.ConflictAlreadyResolved
		}
		return errors.Annotate(tx.Query(ctx, updateStmt, scope).Run(), "updating resolution")
	})
	if err != nil {
		return errors.Annotatef(err, "resolving conflict for entry %q", entryID)
	}
	return nil
}
