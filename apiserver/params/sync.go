// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire types for the sync engine's API.
package params

import (
	"encoding/json"
	"time"
)

// LogEntry is the wire form of one change log entry.
type LogEntry struct {
	ID           string          `json:"id"`
	Entity       string          `json:"entity"`
	EntityID     string          `json:"entity-id"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload"`
	Version      int64           `json:"version"`
	OriginClient string          `json:"origin-client"`
	CommittedAt  time.Time       `json:"committed-at"`
}

// ConflictRecord is the wire form of one conflict record.
type ConflictRecord struct {
	EntryID       string          `json:"entry-id"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entity-id"`
	LocalVersion  int64           `json:"local-version"`
	RemoteVersion int64           `json:"remote-version"`
	LocalPayload  json.RawMessage `json:"local-payload"`
	RemotePayload json.RawMessage `json:"remote-payload"`
	Resolution    string          `json:"resolution"`
	DetectedAt    time.Time       `json:"detected-at"`
}

// PullResponse is one bounded page of the change log. The caller
// paginates by repeating the request with LastVersion as its next
// checkpoint.
type PullResponse struct {
	Events      []LogEntry       `json:"events"`
	Conflicts   []ConflictRecord `json:"conflicts"`
	LastVersion int64            `json:"last-version"`
}

// ResolveConflictRequest applies a terminal resolution to a pending
// conflict.
type ResolveConflictRequest struct {
	Resolution string `json:"resolution"`
}

// Notification is the wire form of one durably recorded notification.
type Notification struct {
	ID        int64           `json:"id"`
	EntityID  string          `json:"entity-id"`
	Channel   string          `json:"channel"`
	Message   json.RawMessage `json:"message"`
	CreatedAt time.Time       `json:"created-at"`
}

// NotificationHistoryResult holds the durable notification history for
// one entity.
type NotificationHistoryResult struct {
	Notifications []Notification `json:"notifications"`
}

// StreamMessage is one frame pushed on the live notification stream.
// The stream never replays history; callers query notification history
// separately for anything before connection time.
type StreamMessage struct {
	Channel  string          `json:"channel"`
	EntityID string          `json:"entity-id"`
	Kind     string          `json:"kind"`
	Body     json.RawMessage `json:"body"`
}

// Error is the wire form of a request failure.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Error codes understood by clients.
const (
	CodeNotValid        = "not valid"
	CodeNotFound        = "not found"
	CodeAlreadyResolved = "already resolved"
	CodeServerError     = "server error"
)
