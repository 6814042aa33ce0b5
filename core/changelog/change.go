// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changelog

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Operation represents the type of mutation recorded in the log.
// The operations are bit flags so that they can be combined when
// filtering the log.
type Operation int

const (
	// Create represents a new entity.
	Create Operation = 1 << iota
	// Update represents a change to an existing entity.
	Update
	// Delete represents the removal of an entity.
	Delete
	// All represents any operation.
	All = Create | Update | Delete
)

// String is the lower-case wire and database representation of the
// operation.
func (o Operation) String() string {
	switch o {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// IsValid reports whether the operation is one of the three concrete
// mutation kinds. Combined masks are valid for filtering, not for
// committing.
func (o Operation) IsValid() bool {
	switch o {
	case Create, Update, Delete:
		return true
	}
	return false
}

// ParseOperation converts the wire representation back to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "create":
		return Create, nil
	case "update":
		return Update, nil
	case "delete":
		return Delete, nil
	}
	return 0, errors.NotValidf("operation %q", s)
}

// Entry is one immutable, versioned mutation record in the change log.
// Entries are never mutated or deleted after commit; corrections are
// new entries.
type Entry struct {
	// ID is globally unique, assigned at creation, never reused.
	ID string

	// Entity is the logical entity kind the mutation applies to,
	// for example "deployment" or "project".
	Entity string

	// EntityID identifies the logical entity within its kind.
	EntityID string

	// Operation is the mutation kind.
	Operation Operation

	// Payload is the mutation's data. It is opaque to the sync engine
	// beyond being well formed JSON.
	Payload json.RawMessage

	// Version is a strictly increasing integer, unique per log,
	// assigned at commit time. It defines the total order of the log.
	Version int64

	// OriginClient identifies the client that produced the entry. It
	// is used to avoid echoing a client's own writes back to it.
	OriginClient string

	// CommittedAt is informational only. Ordering authority rests with
	// Version, never with time.
	CommittedAt time.Time
}
