// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/driftline/driftline/apiserver/params"
	corechangelog "github.com/driftline/driftline/core/changelog"
)

// handlePull serves GET /sync/pull?since=&client=.
func (s *Server) handlePull(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	client := query.Get("client")
	if client == "" {
		s.sendError(w, errors.NotValidf("missing client"))
		return
	}
	since := int64(0)
	if raw := query.Get("since"); raw != "" {
		var err error
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			s.sendError(w, errors.NotValidf("since %q", raw))
			return
		}
	}

	page, err := s.cfg.Sync.Pull(req.Context(), since, client, 0)
	if err != nil {
		s.sendError(w, err)
		return
	}

	response := params.PullResponse{
		Events:      make([]params.LogEntry, len(page.Events)),
		Conflicts:   make([]params.ConflictRecord, len(page.Conflicts)),
		LastVersion: page.LastVersion,
	}
	for i, event := range page.Events {
		response.Events[i] = entryToParams(event)
	}
	for i, conflict := range page.Conflicts {
		response.Conflicts[i] = conflictToParams(conflict)
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleResolveConflict serves
// POST /sync/conflicts/{entryId}/resolution.
func (s *Server) handleResolveConflict(w http.ResponseWriter, req *http.Request) {
	entryID := mux.Vars(req)["entryId"]

	var request params.ResolveConflictRequest
	if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
		s.sendError(w, errors.NotValidf("request body"))
		return
	}
	resolution, err := corechangelog.ParseResolution(request.Resolution)
	if err != nil {
		s.sendError(w, err)
		return
	}

	if err := s.cfg.Sync.ResolveConflict(req.Context(), entryID, resolution); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory serves GET /notifications/{entityId}.
func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	entityID := mux.Vars(req)["entityId"]

	notifications, err := s.cfg.Notifications.History(req.Context(), entityID)
	if err != nil {
		s.sendError(w, err)
		return
	}

	result := params.NotificationHistoryResult{
		Notifications: make([]params.Notification, len(notifications)),
	}
	for i, n := range notifications {
		result.Notifications[i] = notificationToParams(n)
	}
	s.sendJSON(w, http.StatusOK, result)
}
