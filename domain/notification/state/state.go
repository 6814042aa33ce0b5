// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/driftline/driftline/core/database"
	corenotification "github.com/driftline/driftline/core/notification"
	"github.com/driftline/driftline/domain"
)

// State implements the durable notification history.
type State struct {
	*domain.StateBase
}

// NewState returns a new State instance.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Record appends a notification to the durable history.
func (s *State) Record(ctx context.Context, notification corenotification.Notification) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := insertNotification{
		EntityID:  notification.EntityID,
		Channel:   notification.Channel,
		Message:   string(notification.Message),
		CreatedAt: notification.CreatedAt,
	}
	stmt, err := s.Prepare(`
INSERT INTO notification_history (entity_id, channel, message, created_at)
VALUES ($insertNotification.*)`, row)
	if err != nil {
		return errors.Annotate(err, "preparing insert notification statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Annotatef(err, "recording notification for entity %q", notification.EntityID)
}

// History returns every recorded notification for the input entity,
// ordered by insertion.
func (s *State) History(ctx context.Context, entityID string) ([]corenotification.Notification, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	scope := entityScope{EntityID: entityID}
	stmt, err := s.Prepare(`
SELECT (id, entity_id, channel, message, created_at) AS (&notificationRow.*)
FROM   notification_history
WHERE  entity_id = $entityScope.entity_id
ORDER BY id`, scope, notificationRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing history statement")
	}

	var rows []notificationRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, scope).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading history for entity %q", entityID)
	}

	notifications := make([]corenotification.Notification, len(rows))
	for i, row := range rows {
		notifications[i] = row.toNotification()
	}
	return notifications, nil
}
