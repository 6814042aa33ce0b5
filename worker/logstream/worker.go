// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logstream tails the change log and publishes new entries on
// the notification bus. The append path already publishes at commit
// time; this worker backstops that push with a polling sweep, so that
// entries committed by other processes, or published while no channel
// existed, still reach live subscribers. The bus's duplicate
// suppression absorbs the overlap between the two paths.
package logstream

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	corechangelog "github.com/driftline/driftline/core/changelog"
	"github.com/driftline/driftline/core/logger"
	"github.com/driftline/driftline/internal/notifybus"
)

const (
	// defaultBatchSize bounds each sweep of the log.
	defaultBatchSize = 100
)

// LogReader describes the change log reads the worker requires.
type LogReader interface {
	// HighestVersion returns the log's current maximum version.
	HighestVersion(ctx context.Context) (int64, error)

	// EntriesAfter returns entries with a version greater than the
	// input version, from all origins, ordered ascending.
	EntriesAfter(ctx context.Context, version int64, limit int) ([]corechangelog.Entry, error)
}

// Publisher is the notification bus surface the worker publishes on.
type Publisher interface {
	Publish(channel string, msg notifybus.Message)
}

// WorkerConfig encapsulates the configuration options for the
// logstream worker.
type WorkerConfig struct {
	Log          LogReader
	Hub          Publisher
	Clock        clock.Clock
	Logger       logger.Logger
	PollInterval time.Duration
}

// Validate ensures that the config values are valid.
func (c WorkerConfig) Validate() error {
	if c.Log == nil {
		return errors.NotValidf("missing Log")
	}
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("non-positive PollInterval")
	}
	return nil
}

// Worker tails the change log above a watermark and fans new entries
// out through the bus.
type Worker struct {
	catacomb catacomb.Catacomb
	cfg      WorkerConfig
}

// NewWorker starts and returns a new logstream worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &Worker{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	// Entries committed before the worker started are the durable
	// log's business, not the live stream's; start at the current tip.
	watermark, err := w.cfg.Log.HighestVersion(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	timer := w.cfg.Clock.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			watermark, err = w.sweep(ctx, watermark)
			if err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

// sweep publishes every entry above the watermark and returns the new
// watermark.
func (w *Worker) sweep(ctx context.Context, watermark int64) (int64, error) {
	for {
		entries, err := w.cfg.Log.EntriesAfter(ctx, watermark, defaultBatchSize)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if len(entries) == 0 {
			return watermark, nil
		}
		for _, entry := range entries {
			w.cfg.Hub.Publish(entry.Entity, notifybus.Message{
				EntityID: entry.EntityID,
				Kind:     fmt.Sprintf("%s.%s", entry.Entity, entry.Operation),
				Body:     entry.Payload,
			})
		}
		watermark = entries[len(entries)-1].Version
		if w.cfg.Logger.IsTraceEnabled() {
			w.cfg.Logger.Tracef("published %d entries, watermark now %d", len(entries), watermark)
		}
		if len(entries) < defaultBatchSize {
			return watermark, nil
		}
	}
}
