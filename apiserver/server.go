// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the sync engine over HTTP: the pull
// protocol, conflict resolution, durable notification history and the
// live notification stream. The append path is deliberately not
// exposed as an endpoint; write operations invoke it internally.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/driftline/driftline/apiserver/params"
	corechangelog "github.com/driftline/driftline/core/changelog"
	"github.com/driftline/driftline/core/logger"
	corenotification "github.com/driftline/driftline/core/notification"
	"github.com/driftline/driftline/domain/changelog"
	changelogerrors "github.com/driftline/driftline/domain/changelog/errors"
	"github.com/driftline/driftline/internal/notifybus"
)

// SyncService describes the change log operations the server serves.
type SyncService interface {
	// Pull serves one bounded page of the change log.
	Pull(ctx context.Context, since int64, requestingClient string, maxBatch int) (changelog.Page, error)

	// ResolveConflict applies a terminal resolution to a pending
	// conflict.
	ResolveConflict(ctx context.Context, entryID string, resolution corechangelog.Resolution) error
}

// NotificationService describes the durable notification history.
type NotificationService interface {
	// History returns the recorded notifications for an entity.
	History(ctx context.Context, entityID string) ([]corenotification.Notification, error)
}

// Bus describes the notification bus surface used by the live stream.
type Bus interface {
	// Subscribe registers a handler on a channel, returning its
	// disposer.
	Subscribe(channel string, handler func(notifybus.Message) error) func()
}

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	Sync          SyncService
	Notifications NotificationService
	Bus           Bus
	Logger        logger.Logger
}

// Validate ensures that the config values are valid.
func (c ServerConfig) Validate() error {
	if c.Sync == nil {
		return errors.NotValidf("missing Sync")
	}
	if c.Notifications == nil {
		return errors.NotValidf("missing Notifications")
	}
	if c.Bus == nil {
		return errors.NotValidf("missing Bus")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Server routes the sync engine's HTTP API.
type Server struct {
	cfg    ServerConfig
	router *mux.Router
}

// NewServer returns a new Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	s := &Server{cfg: cfg}
	r := mux.NewRouter()
	r.HandleFunc("/sync/pull", s.handlePull).Methods("GET")
	r.HandleFunc("/sync/conflicts/{entryId}/resolution", s.handleResolveConflict).Methods("POST")
	r.HandleFunc("/sync/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/notifications/{entityId}", s.handleHistory).Methods("GET")
	s.router = r
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.cfg.Logger.Errorf("writing response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	apiErr := params.Error{
		Message: err.Error(),
		Code:    params.CodeServerError,
	}
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotValid(err):
		status = http.StatusBadRequest
		apiErr.Code = params.CodeNotValid
	case errors.Is(err, changelogerrors.ConflictNotFound):
		status = http.StatusNotFound
		apiErr.Code = params.CodeNotFound
	case errors.Is(err, changelogerrors.ConflictAlreadyResolved):
		status = http.StatusConflict
		apiErr.Code = params.CodeAlreadyResolved
	default:
		s.cfg.Logger.Errorf("request failed: %v", err)
	}
	s.sendJSON(w, status, apiErr)
}

func entryToParams(entry corechangelog.Entry) params.LogEntry {
	return params.LogEntry{
		ID:           entry.ID,
		Entity:       entry.Entity,
		EntityID:     entry.EntityID,
		Operation:    entry.Operation.String(),
		Payload:      entry.Payload,
		Version:      entry.Version,
		OriginClient: entry.OriginClient,
		CommittedAt:  entry.CommittedAt,
	}
}

func conflictToParams(conflict corechangelog.Conflict) params.ConflictRecord {
	return params.ConflictRecord{
		EntryID:       conflict.EntryID,
		Entity:        conflict.Entity,
		EntityID:      conflict.EntityID,
		LocalVersion:  conflict.LocalVersion,
		RemoteVersion: conflict.RemoteVersion,
		LocalPayload:  conflict.LocalPayload,
		RemotePayload: conflict.RemotePayload,
		Resolution:    string(conflict.Resolution),
		DetectedAt:    conflict.DetectedAt,
	}
}

func notificationToParams(n corenotification.Notification) params.Notification {
	return params.Notification{
		ID:        n.ID,
		EntityID:  n.EntityID,
		Channel:   n.Channel,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
}
