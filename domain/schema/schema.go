// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema holds the DDL for the sync engine's database.
package schema

import (
	"github.com/driftline/driftline/internal/database/schema"
)

// SyncDDL returns the full schema for the sync engine database.
func SyncDDL() *schema.Schema {
	return schema.New(
		changeLogSchema(),
		changeConflictSchema(),
		notificationHistorySchema(),
	)
}

func changeLogSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE change_log_operation (
    id        INT PRIMARY KEY,
    operation TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_change_log_operation_operation
ON change_log_operation (operation);

-- The operation values are bitmasks, so that multiple operations can
-- be expressed when filtering the log.
INSERT INTO change_log_operation VALUES
    (1, 'create'),
    (2, 'update'),
    (4, 'delete');

-- The change log is append only. The AUTOINCREMENT version column is
-- the ordering authority for the whole log: sqlite guarantees it is
-- strictly increasing, never reused, and only consumed by committed
-- transactions.
CREATE TABLE change_log (
    version             INTEGER PRIMARY KEY AUTOINCREMENT,
    id                  TEXT NOT NULL UNIQUE,
    entity              TEXT NOT NULL,
    entity_id           TEXT NOT NULL,
    operation_id        INT NOT NULL,
    payload             TEXT NOT NULL,
    origin_client       TEXT NOT NULL,
    committed_at        DATETIME NOT NULL,
    CONSTRAINT          fk_change_log_operation
            FOREIGN KEY (operation_id)
            REFERENCES  change_log_operation(id)
);

CREATE INDEX idx_change_log_entity
ON change_log (entity, entity_id, version);

CREATE INDEX idx_change_log_origin
ON change_log (origin_client, version);`)
}

func changeConflictSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE conflict_resolution (
    id         INT PRIMARY KEY,
    resolution TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_conflict_resolution_resolution
ON conflict_resolution (resolution);

INSERT INTO conflict_resolution VALUES
    (0, 'pending'),
    (1, 'resolved-local'),
    (2, 'resolved-remote'),
    (3, 'resolved-merged');

-- Conflict records are created in the same transaction as the log
-- entry that triggered detection. Rows are never deleted; only the
-- resolution column ever changes, exactly once, pending to terminal.
CREATE TABLE change_conflict (
    entry_id            TEXT PRIMARY KEY,
    entity              TEXT NOT NULL,
    entity_id           TEXT NOT NULL,
    local_version       INT NOT NULL,
    remote_version      INT NOT NULL,
    local_payload       TEXT NOT NULL,
    remote_payload      TEXT NOT NULL,
    resolution_id       INT NOT NULL DEFAULT 0,
    detected_at         DATETIME NOT NULL,
    CONSTRAINT          fk_change_conflict_entry
            FOREIGN KEY (entry_id)
            REFERENCES  change_log(id),
    CONSTRAINT          fk_change_conflict_resolution
            FOREIGN KEY (resolution_id)
            REFERENCES  conflict_resolution(id)
);

CREATE INDEX idx_change_conflict_resolution
ON change_conflict (resolution_id, detected_at);`)
}

func notificationHistorySchema() schema.Patch {
	return schema.MakePatch(`
-- Durable record of notifications per entity, append only. This is
-- unbounded by the in-memory bus's history cap; the bus is a delivery
-- accelerator, this table is the record.
CREATE TABLE notification_history (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id           TEXT NOT NULL,
    channel             TEXT NOT NULL,
    message             TEXT NOT NULL,
    created_at          DATETIME NOT NULL
);

CREATE INDEX idx_notification_history_entity
ON notification_history (entity_id, id);`)
}
