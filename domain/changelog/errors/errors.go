// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import "github.com/juju/errors"

const (
	// ConflictNotFound is raised when no conflict record exists for
	// the supplied entry id.
	ConflictNotFound = errors.ConstError("conflict not found")

	// ConflictAlreadyResolved is raised when attempting to resolve a
	// conflict that has already reached a terminal resolution.
	// Resolutions are applied exactly once.
	ConflictAlreadyResolved = errors.ConstError("conflict already resolved")
)
