// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"encoding/json"
	"time"

	corechangelog "github.com/driftline/driftline/core/changelog"
)

// changeLogRow is a full row from the change_log table.
type changeLogRow struct {
	Version      int64     `db:"version"`
	ID           string    `db:"id"`
	Entity       string    `db:"entity"`
	EntityID     string    `db:"entity_id"`
	OperationID  int       `db:"operation_id"`
	Payload      string    `db:"payload"`
	OriginClient string    `db:"origin_client"`
	CommittedAt  time.Time `db:"committed_at"`
}

func (r changeLogRow) toEntry() corechangelog.Entry {
	return corechangelog.Entry{
		ID:           r.ID,
		Entity:       r.Entity,
		EntityID:     r.EntityID,
		Operation:    corechangelog.Operation(r.OperationID),
		Payload:      json.RawMessage(r.Payload),
		Version:      r.Version,
		OriginClient: r.OriginClient,
		CommittedAt:  r.CommittedAt,
	}
}

// insertChangeLog carries the columns written on append. The version
// column is deliberately absent; the database assigns it at commit.
type insertChangeLog struct {
	ID           string    `db:"id"`
	Entity       string    `db:"entity"`
	EntityID     string    `db:"entity_id"`
	OperationID  int       `db:"operation_id"`
	Payload      string    `db:"payload"`
	OriginClient string    `db:"origin_client"`
	CommittedAt  time.Time `db:"committed_at"`
}

// appendScope carries the inputs to the conflict probe.
type appendScope struct {
	Entity          string `db:"entity"`
	EntityID        string `db:"entity_id"`
	ObservedVersion int64  `db:"observed_version"`
	OriginClient    string `db:"origin_client"`
}

// conflictWinner is the already committed write that the current
// writer had not observed.
type conflictWinner struct {
	Version int64  `db:"version"`
	Payload string `db:"payload"`
}

// insertConflict carries the columns of a new conflict record. The
// resolution column defaults to pending.
type insertConflict struct {
	EntryID       string    `db:"entry_id"`
	Entity        string    `db:"entity"`
	EntityID      string    `db:"entity_id"`
	LocalVersion  int64     `db:"local_version"`
	RemoteVersion int64     `db:"remote_version"`
	LocalPayload  string    `db:"local_payload"`
	RemotePayload string    `db:"remote_payload"`
	DetectedAt    time.Time `db:"detected_at"`
}

// conflictRow is a full conflict record joined with its resolution
// name.
type conflictRow struct {
	EntryID       string    `db:"entry_id"`
	Entity        string    `db:"entity"`
	EntityID      string    `db:"entity_id"`
	LocalVersion  int64     `db:"local_version"`
	RemoteVersion int64     `db:"remote_version"`
	LocalPayload  string    `db:"local_payload"`
	RemotePayload string    `db:"remote_payload"`
	Resolution    string    `db:"resolution"`
	DetectedAt    time.Time `db:"detected_at"`
}

func (r conflictRow) toConflict() corechangelog.Conflict {
	return corechangelog.Conflict{
		EntryID:       r.EntryID,
		Entity:        r.Entity,
		EntityID:      r.EntityID,
		LocalVersion:  r.LocalVersion,
		RemoteVersion: r.RemoteVersion,
		LocalPayload:  json.RawMessage(r.LocalPayload),
		RemotePayload: json.RawMessage(r.RemotePayload),
		Resolution:    corechangelog.Resolution(r.Resolution),
		DetectedAt:    r.DetectedAt,
	}
}

// pullScope carries the inputs to a pull query.
type pullScope struct {
	Since        int64  `db:"since"`
	OriginClient string `db:"origin_client"`
	Max          int    `db:"max"`
}

// resolveScope carries the inputs to a conflict resolution update.
type resolveScope struct {
	EntryID      string `db:"entry_id"`
	ResolutionID int    `db:"resolution_id"`
}

// maxVersion receives the log's current highest version.
type maxVersion struct {
	Version int64 `db:"version"`
}
