// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"github.com/driftline/driftline/core/logger"
)

// CheckLog is an interface that can be used to log messages to a
// *testing.T or *check.C.
type CheckLog interface {
	Logf(string, ...any)
}

// CheckLogger funnels engine log output into the test log.
type CheckLogger struct {
	Log CheckLog
}

// NewCheckLogger returns a CheckLogger that logs to the given
// CheckLog.
func NewCheckLogger(log CheckLog) CheckLogger {
	return CheckLogger{Log: log}
}

func (c CheckLogger) Criticalf(msg string, args ...any) { c.Log.Logf("CRITICAL: "+msg, args...) }
func (c CheckLogger) Errorf(msg string, args ...any)    { c.Log.Logf("ERROR: "+msg, args...) }
func (c CheckLogger) Warningf(msg string, args ...any)  { c.Log.Logf("WARNING: "+msg, args...) }
func (c CheckLogger) Infof(msg string, args ...any)     { c.Log.Logf("INFO: "+msg, args...) }
func (c CheckLogger) Debugf(msg string, args ...any)    { c.Log.Logf("DEBUG: "+msg, args...) }
func (c CheckLogger) Tracef(msg string, args ...any)    { c.Log.Logf("TRACE: "+msg, args...) }

func (c CheckLogger) IsTraceEnabled() bool { return true }

// Child implements logger.Logger.
func (c CheckLogger) Child(string) logger.Logger { return c }
