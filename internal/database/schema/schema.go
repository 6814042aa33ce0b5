// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	coredatabase "github.com/driftline/driftline/core/database"
)

// Patch is a single DDL step applied when ensuring a schema.
type Patch struct {
	stmt string
}

// MakePatch returns a patch for the given statement.
func MakePatch(statement string) Patch {
	return Patch{stmt: statement}
}

// Schema is an ordered collection of patches. Patches are applied in
// the order they were added, all within one transaction.
type Schema struct {
	patches []Patch
}

// New returns a schema for the given patches.
func New(patches ...Patch) *Schema {
	return &Schema{patches: patches}
}

// Add appends patches to the schema.
func (s *Schema) Add(patches ...Patch) {
	s.patches = append(s.patches, patches...)
}

// Len returns the number of patches in the schema.
func (s *Schema) Len() int {
	return len(s.patches)
}

// Ensure applies every patch against the database in a single
// transaction. It is not idempotent; callers apply it to a fresh
// database.
func (s *Schema) Ensure(ctx context.Context, runner coredatabase.TxnRunner) error {
	err := runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, patch := range s.patches {
			if _, err := tx.ExecContext(ctx, patch.stmt); err != nil {
				return errors.Annotate(err, "applying patch")
			}
		}
		return nil
	})
	return errors.Annotate(err, "ensuring schema")
}
