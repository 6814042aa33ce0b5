// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changelog

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Resolution is the lifecycle state of a recorded conflict.
type Resolution string

const (
	// ResolutionPending indicates the conflict awaits an explicit
	// resolution action.
	ResolutionPending Resolution = "pending"
	// ResolutionLocal indicates the triggering entry's payload was kept.
	ResolutionLocal Resolution = "resolved-local"
	// ResolutionRemote indicates the earlier committed payload was kept.
	ResolutionRemote Resolution = "resolved-remote"
	// ResolutionMerged indicates a manual merge of the two payloads.
	ResolutionMerged Resolution = "resolved-merged"
)

// IsValid reports whether the resolution is a known value.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionPending, ResolutionLocal, ResolutionRemote, ResolutionMerged:
		return true
	}
	return false
}

// IsTerminal reports whether the resolution closes the conflict.
func (r Resolution) IsTerminal() bool {
	return r.IsValid() && r != ResolutionPending
}

// ParseResolution converts the wire representation to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if !r.IsValid() {
		return "", errors.NotValidf("resolution %q", s)
	}
	return r, nil
}

// Conflict records two mutations to the same entity where the later
// committer had not observed the earlier one. Conflict records are
// never deleted; they form a permanent audit trail.
type Conflict struct {
	// EntryID is the log entry whose commit triggered detection.
	EntryID string

	// Entity and EntityID name the entity in contention.
	Entity   string
	EntityID string

	// LocalVersion is the version assigned to the triggering entry;
	// RemoteVersion is the already committed version its writer had
	// not observed.
	LocalVersion  int64
	RemoteVersion int64

	// LocalPayload and RemotePayload are the two competing states.
	// Neither is ever discarded.
	LocalPayload  json.RawMessage
	RemotePayload json.RawMessage

	// Resolution is pending until an explicit resolution action.
	Resolution Resolution

	// DetectedAt is informational.
	DetectedAt time.Time
}
