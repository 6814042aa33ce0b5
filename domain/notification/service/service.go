// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"

	corenotification "github.com/driftline/driftline/core/notification"
	"github.com/driftline/driftline/internal/notifybus"
)

// State describes the notification persistence required by the
// service.
type State interface {
	// Record appends a notification to the durable history.
	Record(ctx context.Context, notification corenotification.Notification) error

	// History returns the recorded notifications for an entity in
	// insertion order.
	History(ctx context.Context, entityID string) ([]corenotification.Notification, error)
}

// Subscriber is the bus surface the history writer attaches to.
type Subscriber interface {
	Subscribe(channel string, handler func(notifybus.Message) error) func()
}

// Service provides durable notification history, including the
// persistent history writer that records bus traffic.
type Service struct {
	st    State
	clock clock.Clock
}

// NewService returns a new notification service.
func NewService(st State, clock clock.Clock) *Service {
	return &Service{
		st:    st,
		clock: clock,
	}
}

// Record persists one notification.
func (s *Service) Record(ctx context.Context, entityID, channel string, message []byte) error {
	if entityID == "" {
		return errors.NotValidf("empty entity id")
	}
	if channel == "" {
		return errors.NotValidf("empty channel")
	}
	return errors.Trace(s.st.Record(ctx, corenotification.Notification{
		EntityID:  entityID,
		Channel:   channel,
		Message:   message,
		CreatedAt: s.clock.Now().UTC(),
	}))
}

// History returns the durable notification history for an entity,
// unbounded by the in-memory bus's history cap.
func (s *Service) History(ctx context.Context, entityID string) ([]corenotification.Notification, error) {
	if entityID == "" {
		return nil, errors.NotValidf("empty entity id")
	}
	notifications, err := s.st.History(ctx, entityID)
	return notifications, errors.Trace(err)
}

// AttachTo subscribes the persistent history writer to the given bus
// channels, recording every delivered message. It returns a disposer
// covering all the subscriptions. Record failures are returned to the
// bus, which logs and contains them; a bad write never blocks delivery
// to other subscribers.
func (s *Service) AttachTo(ctx context.Context, bus Subscriber, channels ...string) func() {
	unsubs := make([]func(), 0, len(channels))
	for _, channel := range channels {
		channel := channel
		unsubs = append(unsubs, bus.Subscribe(channel, func(msg notifybus.Message) error {
			return s.Record(ctx, msg.EntityID, channel, msg.Body)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
