// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides shared helpers for the engine's test
// suites.
package testing

import (
	jujutesting "github.com/juju/testing"
)

// BaseSuite isolates tests from the host environment and restores any
// patched globals on teardown.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
