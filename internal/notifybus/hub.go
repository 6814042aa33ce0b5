// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notifybus provides the in-process notification bus: named
// channels fanning messages out to subscribers, with content based
// duplicate suppression over a bounded per-channel history.
//
// The bus is best effort and in-memory only. It is not the durable
// record; that is the change log and the notification history table.
// Channel state is rebuilt from nothing on restart.
package notifybus

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/driftline/driftline/core/logger"
)

const (
	// DefaultDedupWindow is the span within which a message with an
	// identical content key is suppressed. It defends against
	// duplicate delivery from retried upstream operations, not against
	// legitimate repeated events with different content.
	DefaultDedupWindow = 5 * time.Second

	// DefaultHistorySize caps the per-channel history used to answer
	// the dedup question. The oldest key is evicted on overflow, at
	// which point its duplicates are no longer suppressed.
	DefaultHistorySize = 100
)

// HubConfig holds the dependencies and tunables for a Hub.
type HubConfig struct {
	Clock  clock.Clock
	Logger logger.Logger

	// DedupWindow and HistorySize default to the package constants
	// when zero.
	DedupWindow time.Duration
	HistorySize int
}

// Validate ensures the config values are valid.
func (c HubConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.DedupWindow < 0 {
		return errors.NotValidf("negative DedupWindow")
	}
	if c.HistorySize < 0 {
		return errors.NotValidf("negative HistorySize")
	}
	return nil
}

// Hub is the channel registry. Channels are created on first
// subscribe and released when their last subscriber is removed, so no
// empty channels accumulate over the process lifetime.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel

	clock       clock.Clock
	logger      logger.Logger
	dedupWindow time.Duration
	historySize int

	nextHandle uint64
}

// NewHub returns a new Hub.
func NewHub(config HubConfig) (*Hub, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.DedupWindow == 0 {
		config.DedupWindow = DefaultDedupWindow
	}
	if config.HistorySize == 0 {
		config.HistorySize = DefaultHistorySize
	}
	return &Hub{
		channels:    make(map[string]*channel),
		clock:       config.Clock,
		logger:      config.Logger,
		dedupWindow: config.DedupWindow,
		historySize: config.HistorySize,
	}, nil
}

// Publish delivers the message to every current subscriber of the
// named channel, unless a message with the same content key was
// published on it within the dedup window, in which case the publish
// is dropped silently. Publishing to a channel with no subscribers is
// a no-op. Subscriber failures never propagate to the publisher.
func (h *Hub) Publish(name string, msg Message) {
	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return
	}
	ch.publish(msg, h.clock.Now())
}

// Subscribe registers the handler on the named channel and returns its
// disposer. The disposer removes exactly this subscriber and is safe
// to call more than once. Handler errors and panics are logged and
// contained; they never affect delivery to the remaining subscribers.
func (h *Hub) Subscribe(name string, handler func(Message) error) func() {
	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		ch = newChannel(name, h)
		h.channels[name] = ch
	}
	h.nextHandle++
	handle := h.nextHandle
	// Attach while still holding the registry lock. A concurrent
	// unsubscribe of the channel's last subscriber must either see this
	// subscriber already attached, or complete its release before the
	// lookup above; it must never release the channel in between,
	// stranding this subscriber on an entry no publish can find.
	ch.subscribe(handle, handler)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.unsubscribe(name, ch, handle)
		})
	}
}

func (h *Hub) unsubscribe(name string, ch *channel, handle uint64) {
	empty := ch.remove(handle)
	if !empty {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// A fresh subscriber may have raced in between the emptiness check
	// and taking the registry lock; only release a channel that is
	// still empty and still ours.
	if current, ok := h.channels[name]; ok && current == ch && ch.isEmpty() {
		delete(h.channels, name)
	}
}

// historyEntry records one published key for duplicate suppression.
type historyEntry struct {
	key string
	at  time.Time
}

// channel is one named fan-out group. Fan-out is delegated to a
// pubsub hub; the channel itself owns the subscriber arena, keyed by
// generated handles, and the bounded dedup history. Each channel has
// its own lock, so channels never contend with each other.
type channel struct {
	name string
	hub  *Hub

	mu      sync.Mutex
	inner   *pubsub.SimpleHub
	subs    map[uint64]func()
	history *deque.Deque
	keys    map[string]time.Time
}

func newChannel(name string, hub *Hub) *channel {
	return &channel{
		name: name,
		hub:  hub,
		inner: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: hub.logger,
		}),
		subs:    make(map[uint64]func()),
		history: deque.New(),
		keys:    make(map[string]time.Time),
	}
}

func (c *channel) subscribe(handle uint64, handler func(Message) error) {
	callback := func(topic string, data interface{}) {
		msg, ok := data.(Message)
		if !ok {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.hub.logger.Errorf("subscriber panic on channel %q: %v", c.name, r)
			}
		}()
		if err := handler(msg); err != nil {
			c.hub.logger.Errorf("subscriber error on channel %q: %v", c.name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[handle] = c.inner.Subscribe(c.name, callback)
}

// remove unregisters the handle and reports whether the channel is now
// empty.
func (c *channel) remove(handle uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	unsub, ok := c.subs[handle]
	if !ok {
		return len(c.subs) == 0
	}
	unsub()
	delete(c.subs, handle)
	return len(c.subs) == 0
}

func (c *channel) isEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) == 0
}

func (c *channel) publish(msg Message, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := msg.Key()
	if at, ok := c.keys[key]; ok && now.Sub(at) < c.hub.dedupWindow {
		if c.hub.logger.IsTraceEnabled() {
			c.hub.logger.Tracef("suppressing duplicate %q on channel %q", key, c.name)
		}
		return
	}

	c.history.PushBack(historyEntry{key: key, at: now})
	c.keys[key] = now
	for c.history.Len() > c.hub.historySize {
		evicted, _ := c.history.PopFront()
		entry := evicted.(historyEntry)
		// Only forget the key if it was not re-published since the
		// evicted entry was recorded.
		if at, ok := c.keys[entry.key]; ok && at.Equal(entry.at) {
			delete(c.keys, entry.key)
		}
	}

	_ = c.inner.Publish(c.name, msg)
}
