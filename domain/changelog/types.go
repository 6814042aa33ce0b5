// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changelog provides the domain types for the versioned change
// log at the centre of the sync engine.
package changelog

import (
	"encoding/json"

	corechangelog "github.com/driftline/driftline/core/changelog"
)

// AppendArgs are the caller-supplied inputs for appending a mutation
// to the change log.
type AppendArgs struct {
	// Entity is the logical entity kind being mutated.
	Entity string

	// EntityID identifies the entity within its kind.
	EntityID string

	// Operation is the mutation kind.
	Operation corechangelog.Operation

	// Payload is the mutation's data.
	Payload json.RawMessage

	// OriginClient identifies the producing client.
	OriginClient string

	// ObservedVersion is the highest version of this entity the writer
	// had consumed before producing the mutation. It is the input to
	// conflict detection.
	ObservedVersion int64
}

// Page is one bounded, ordered batch of the change log, as served to a
// pulling client.
type Page struct {
	// Events are log entries ordered ascending by version, excluding
	// entries produced by the requesting client.
	Events []corechangelog.Entry

	// Conflicts are all pending conflict records, capped, regardless
	// of which client triggered them.
	Conflicts []corechangelog.Conflict

	// LastVersion is the requesting client's next checkpoint: the
	// version of the last event in the page, or the requested since
	// version when the page is empty.
	LastVersion int64
}
