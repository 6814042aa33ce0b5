// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"encoding/json"
	"time"

	corenotification "github.com/driftline/driftline/core/notification"
)

// notificationRow is a full row from the notification_history table.
type notificationRow struct {
	ID        int64     `db:"id"`
	EntityID  string    `db:"entity_id"`
	Channel   string    `db:"channel"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

func (r notificationRow) toNotification() corenotification.Notification {
	return corenotification.Notification{
		ID:        r.ID,
		EntityID:  r.EntityID,
		Channel:   r.Channel,
		Message:   json.RawMessage(r.Message),
		CreatedAt: r.CreatedAt,
	}
}

// insertNotification carries the columns written on record. The id is
// assigned by the database.
type insertNotification struct {
	EntityID  string    `db:"entity_id"`
	Channel   string    `db:"channel"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

// entityScope selects history for one entity.
type entityScope struct {
	EntityID string `db:"entity_id"`
}
