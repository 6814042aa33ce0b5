// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	corechangelog "github.com/driftline/driftline/core/changelog"
	"github.com/driftline/driftline/core/logger"
	"github.com/driftline/driftline/domain/changelog"
	"github.com/driftline/driftline/internal/notifybus"
)

const (
	// DefaultMaxBatch bounds the number of log entries served per
	// pull. It gives the client a natural pagination checkpoint: the
	// next sinceVersion is the last entry's version in the batch.
	DefaultMaxBatch = 100

	// DefaultMaxConflicts bounds the number of pending conflicts
	// served per pull.
	DefaultMaxConflicts = 100
)

// State describes the change log persistence required by the service.
type State interface {
	// Append commits the entry, assigning its version, and records a
	// conflict when the producing client had not observed the latest
	// committed write to the same entity.
	Append(ctx context.Context, entry corechangelog.Entry, observedVersion int64) (corechangelog.Entry, *corechangelog.Conflict, error)

	// Pull returns entries after since, excluding the requesting
	// client's own, ordered ascending by version.
	Pull(ctx context.Context, since int64, requestingClient string, max int) ([]corechangelog.Entry, error)

	// PendingConflicts returns unresolved conflicts, capped.
	PendingConflicts(ctx context.Context, limit int) ([]corechangelog.Conflict, error)

	// ResolveConflict moves a pending conflict to a terminal
	// resolution.
	ResolveConflict(ctx context.Context, entryID string, resolution corechangelog.Resolution) error
}

// Publisher is the notification bus surface the service publishes
// committed mutations on.
type Publisher interface {
	Publish(channel string, msg notifybus.Message)
}

// Service provides the change log operations: append with conflict
// detection, and the pull protocol.
type Service struct {
	st        State
	publisher Publisher
	clock     clock.Clock
	logger    logger.Logger
}

// NewService returns a new change log service. The publisher may be
// nil, in which case committed mutations are not announced on the bus.
func NewService(st State, publisher Publisher, clock clock.Clock, logger logger.Logger) *Service {
	return &Service{
		st:        st,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Append validates and commits the input mutation as a new log entry.
// A detected conflict is not a failure: the entry still commits, the
// conflict record is returned alongside it, and the caller surfaces it
// for resolution. Storage failures consume no version and are returned
// unwrapped of any conflict.
func (s *Service) Append(ctx context.Context, args changelog.AppendArgs) (corechangelog.Entry, *corechangelog.Conflict, error) {
	if err := validateAppendArgs(args); err != nil {
		return corechangelog.Entry{}, nil, errors.Trace(err)
	}

	entry := corechangelog.Entry{
		ID:           uuid.New().String(),
		Entity:       args.Entity,
		EntityID:     args.EntityID,
		Operation:    args.Operation,
		Payload:      args.Payload,
		OriginClient: args.OriginClient,
		CommittedAt:  s.clock.Now().UTC(),
	}

	committed, conflict, err := s.st.Append(ctx, entry, args.ObservedVersion)
	if err != nil {
		return corechangelog.Entry{}, nil, errors.Trace(err)
	}
	if conflict != nil {
		s.logger.Infof("conflict on %s %q: version %d committed unseen by writer of version %d",
			conflict.Entity, conflict.EntityID, conflict.RemoteVersion, conflict.LocalVersion)
	}

	if s.publisher != nil {
		s.publisher.Publish(committed.Entity, notifybus.Message{
			EntityID: committed.EntityID,
			Kind:     fmt.Sprintf("%s.%s", committed.Entity, committed.Operation),
			Body:     committed.Payload,
		})
	}
	return committed, conflict, nil
}

// Pull serves a bounded, ordered batch of log entries newer than the
// client's checkpoint, excluding the client's own writes, plus all
// pending conflicts. A stale checkpoint (negative sinceVersion, or one
// ahead of the log) degrades to an empty page rather than an error;
// the caller detects and recovers from checkpoint corruption out of
// band.
func (s *Service) Pull(ctx context.Context, since int64, requestingClient string, maxBatch int) (changelog.Page, error) {
	if requestingClient == "" {
		return changelog.Page{}, errors.NotValidf("empty requesting client")
	}
	if maxBatch <= 0 || maxBatch > DefaultMaxBatch {
		maxBatch = DefaultMaxBatch
	}

	page := changelog.Page{LastVersion: since}
	if since < 0 {
		s.logger.Debugf("stale checkpoint %d from client %q", since, requestingClient)
		return page, nil
	}

	events, err := s.st.Pull(ctx, since, requestingClient, maxBatch)
	if err != nil {
		return changelog.Page{}, errors.Trace(err)
	}
	conflicts, err := s.st.PendingConflicts(ctx, DefaultMaxConflicts)
	if err != nil {
		return changelog.Page{}, errors.Trace(err)
	}

	page.Events = events
	page.Conflicts = conflicts
	if len(events) > 0 {
		page.LastVersion = events[len(events)-1].Version
	}
	return page, nil
}

// ResolveConflict applies a terminal resolution to a pending conflict.
func (s *Service) ResolveConflict(ctx context.Context, entryID string, resolution corechangelog.Resolution) error {
	if entryID == "" {
		return errors.NotValidf("empty entry id")
	}
	if !resolution.IsTerminal() {
		return errors.NotValidf("resolution %q", resolution)
	}
	return errors.Trace(s.st.ResolveConflict(ctx, entryID, resolution))
}

func validateAppendArgs(args changelog.AppendArgs) error {
	if args.Entity == "" {
		return errors.NotValidf("empty entity")
	}
	if args.EntityID == "" {
		return errors.NotValidf("empty entity id")
	}
	if args.OriginClient == "" {
		return errors.NotValidf("empty origin client")
	}
	if !args.Operation.IsValid() {
		return errors.NotValidf("operation %d", args.Operation)
	}
	if len(args.Payload) == 0 || !json.Valid(args.Payload) {
		return errors.NotValidf("payload")
	}
	if args.ObservedVersion < 0 {
		return errors.NotValidf("negative observed version")
	}
	return nil
}
