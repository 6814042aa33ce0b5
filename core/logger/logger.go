// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"github.com/juju/loggo/v2"
)

// Logger is the logging interface consumed throughout the sync engine.
// Components receive a Logger rather than reaching for a global, so
// tests can substitute their own.
type Logger interface {
	// Criticalf logs a message at critical level.
	Criticalf(msg string, args ...any)
	// Errorf logs a message at error level.
	Errorf(msg string, args ...any)
	// Warningf logs a message at warning level.
	Warningf(msg string, args ...any)
	// Infof logs a message at info level.
	Infof(msg string, args ...any)
	// Debugf logs a message at debug level.
	Debugf(msg string, args ...any)
	// Tracef logs a message at trace level.
	Tracef(msg string, args ...any)

	// IsTraceEnabled returns true if trace messages would be emitted.
	IsTraceEnabled() bool

	// Child returns a logger with the given subname.
	Child(name string) Logger
}

type loggoLogger struct {
	loggo.Logger
}

// GetLogger returns a Logger backed by loggo for the given module name.
func GetLogger(name string) Logger {
	return loggoLogger{loggo.GetLogger(name)}
}

// Child implements Logger.
func (l loggoLogger) Child(name string) Logger {
	return loggoLogger{l.Logger.Child(name)}
}
