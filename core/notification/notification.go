// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notification

import (
	"encoding/json"
	"time"
)

// Notification is one durably recorded notification. Unlike the
// in-memory bus history, which is bounded and exists only for
// duplicate suppression, these records are append-only and unbounded.
type Notification struct {
	// ID orders the history; it is assigned by the store.
	ID int64

	// EntityID identifies the origin entity.
	EntityID string

	// Channel is the bus channel the notification was published on.
	Channel string

	// Message is the notification content.
	Message json.RawMessage

	// CreatedAt is when the notification was recorded.
	CreatedAt time.Time
}
