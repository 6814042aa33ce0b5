// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notifybus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/driftline/driftline/testing"
)

type hubSuite struct {
	testing.BaseSuite

	clock *testclock.Clock
}

var _ = gc.Suite(&hubSuite{})

func (s *hubSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

func (s *hubSuite) hub(c *gc.C, config HubConfig) *Hub {
	if config.Clock == nil {
		config.Clock = s.clock
	}
	if config.Logger == nil {
		config.Logger = testing.NewCheckLogger(c)
	}
	hub, err := NewHub(config)
	c.Assert(err, jc.ErrorIsNil)
	return hub
}

// collect subscribes a message-collecting handler and returns the
// delivery channel alongside the disposer.
func (s *hubSuite) collect(hub *Hub, channel string) (chan Message, func()) {
	delivered := make(chan Message, 16)
	unsub := hub.Subscribe(channel, func(msg Message) error {
		delivered <- msg
		return nil
	})
	return delivered, unsub
}

func waitFor(c *gc.C, delivered chan Message) Message {
	select {
	case msg := <-delivered:
		return msg
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for delivery")
	}
	return Message{}
}

func assertNoDelivery(c *gc.C, delivered chan Message) {
	select {
	case msg := <-delivered:
		c.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(testing.ShortWait):
	}
}

func (s *hubSuite) TestConfigValidation(c *gc.C) {
	_, err := NewHub(HubConfig{Logger: testing.NewCheckLogger(c)})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = NewHub(HubConfig{Clock: s.clock})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = NewHub(HubConfig{Clock: s.clock, Logger: testing.NewCheckLogger(c), DedupWindow: -time.Second})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = NewHub(HubConfig{Clock: s.clock, Logger: testing.NewCheckLogger(c), HistorySize: -1})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *hubSuite) TestPublishDelivers(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	delivered, unsub := s.collect(hub, "deployment")
	defer unsub()

	hub.Publish("deployment", Message{
		EntityID: "d-1",
		Kind:     "deployment.update",
		Body:     json.RawMessage(`{"state":"up"}`),
	})

	msg := waitFor(c, delivered)
	c.Check(msg.EntityID, gc.Equals, "d-1")
	c.Check(msg.Kind, gc.Equals, "deployment.update")
}

func (s *hubSuite) TestPublishWithoutSubscribersIsNoop(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	hub.Publish("deployment", Message{EntityID: "d-1"})
}

func (s *hubSuite) TestChannelsAreIndependent(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	deployments, unsub := s.collect(hub, "deployment")
	defer unsub()
	projects, unsub2 := s.collect(hub, "project")
	defer unsub2()

	hub.Publish("deployment", Message{EntityID: "d-1"})

	c.Check(waitFor(c, deployments).EntityID, gc.Equals, "d-1")
	assertNoDelivery(c, projects)
}

func (s *hubSuite) TestDuplicateSuppressedWithinWindow(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	delivered, unsub := s.collect(hub, "deployment")
	defer unsub()

	msg := Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)}
	hub.Publish("deployment", msg)
	waitFor(c, delivered)

	s.clock.Advance(DefaultDedupWindow - time.Millisecond)
	hub.Publish("deployment", msg)
	assertNoDelivery(c, delivered)
}

func (s *hubSuite) TestDuplicateDeliveredAfterWindow(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	delivered, unsub := s.collect(hub, "deployment")
	defer unsub()

	msg := Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)}
	hub.Publish("deployment", msg)
	waitFor(c, delivered)

	s.clock.Advance(DefaultDedupWindow)
	hub.Publish("deployment", msg)
	waitFor(c, delivered)
}

func (s *hubSuite) TestDistinctContentNotSuppressed(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	delivered, unsub := s.collect(hub, "deployment")
	defer unsub()

	hub.Publish("deployment", Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)})
	hub.Publish("deployment", Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":2}`)})

	waitFor(c, delivered)
	waitFor(c, delivered)
}

func (s *hubSuite) TestHistoryEvictionReopensKey(c *gc.C) {
	hub := s.hub(c, HubConfig{HistorySize: 2})
	delivered, unsub := s.collect(hub, "deployment")
	defer unsub()

	first := Message{EntityID: "d-1", Kind: "deployment.update"}
	hub.Publish("deployment", first)
	waitFor(c, delivered)

	// Push the first key out of the bounded history.
	for i := 0; i < 2; i++ {
		hub.Publish("deployment", Message{EntityID: fmt.Sprintf("d-%d", i+2), Kind: "deployment.update"})
		waitFor(c, delivered)
	}

	// Still inside the window, but the key has been evicted, so the
	// duplicate is delivered again.
	hub.Publish("deployment", first)
	waitFor(c, delivered)
}

func (s *hubSuite) TestSubscriberErrorDoesNotAffectOthers(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	unsub := hub.Subscribe("deployment", func(Message) error {
		return errors.New("boom")
	})
	defer unsub()
	delivered, unsub2 := s.collect(hub, "deployment")
	defer unsub2()

	hub.Publish("deployment", Message{EntityID: "d-1"})
	waitFor(c, delivered)
}

func (s *hubSuite) TestSubscriberPanicDoesNotAffectOthers(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	unsub := hub.Subscribe("deployment", func(Message) error {
		panic("boom")
	})
	defer unsub()
	delivered, unsub2 := s.collect(hub, "deployment")
	defer unsub2()

	hub.Publish("deployment", Message{EntityID: "d-1"})
	waitFor(c, delivered)
}

func (s *hubSuite) TestUnsubscribeStopsDelivery(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	delivered, unsub := s.collect(hub, "deployment")

	unsub()
	hub.Publish("deployment", Message{EntityID: "d-1"})
	assertNoDelivery(c, delivered)
}

func (s *hubSuite) TestDisposerIsIdempotent(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	first, unsub := s.collect(hub, "deployment")
	second, unsub2 := s.collect(hub, "deployment")
	defer unsub2()

	unsub()
	unsub()

	hub.Publish("deployment", Message{EntityID: "d-1"})
	waitFor(c, second)
	assertNoDelivery(c, first)
}

func (s *hubSuite) TestChannelReleasedWhenLastSubscriberLeaves(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	_, unsub := s.collect(hub, "deployment")
	_, unsub2 := s.collect(hub, "deployment")

	unsub()
	hub.mu.Lock()
	_, ok := hub.channels["deployment"]
	hub.mu.Unlock()
	c.Check(ok, jc.IsTrue)

	unsub2()
	hub.mu.Lock()
	_, ok = hub.channels["deployment"]
	hub.mu.Unlock()
	c.Check(ok, jc.IsFalse)
}

func (s *hubSuite) TestSubscribeRacingLastUnsubscribeStaysRegistered(c *gc.C) {
	hub := s.hub(c, HubConfig{})

	// Churn the last-unsubscribe window: whichever way the release and
	// the fresh subscription interleave, the survivor must end up on a
	// channel the registry still knows about, or publishes to it are
	// silently lost.
	for i := 0; i < 100; i++ {
		_, unsubOld := s.collect(hub, "deployment")

		done := make(chan struct{})
		go func() {
			unsubOld()
			close(done)
		}()
		delivered, unsubNew := s.collect(hub, "deployment")
		<-done

		hub.mu.Lock()
		ch, ok := hub.channels["deployment"]
		hub.mu.Unlock()
		c.Assert(ok, jc.IsTrue)
		c.Assert(ch.isEmpty(), jc.IsFalse)

		hub.Publish("deployment", Message{EntityID: fmt.Sprintf("d-%d", i)})
		waitFor(c, delivered)
		unsubNew()
	}
}

func (s *hubSuite) TestReleasedChannelForgetsHistory(c *gc.C) {
	hub := s.hub(c, HubConfig{})
	delivered, unsub := s.collect(hub, "deployment")

	msg := Message{EntityID: "d-1", Kind: "deployment.update"}
	hub.Publish("deployment", msg)
	waitFor(c, delivered)
	unsub()

	// A fresh channel carries no dedup state from its predecessor.
	delivered2, unsub2 := s.collect(hub, "deployment")
	defer unsub2()
	hub.Publish("deployment", msg)
	waitFor(c, delivered2)
}

type messageSuite struct{}

var _ = gc.Suite(&messageSuite{})

func (s *messageSuite) TestKeyStable(c *gc.C) {
	a := Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)}
	b := Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)}
	c.Check(a.Key(), gc.Equals, b.Key())
}

func (s *messageSuite) TestKeyVariesByField(c *gc.C) {
	base := Message{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)}
	for _, other := range []Message{
		{EntityID: "d-2", Kind: "deployment.update", Body: json.RawMessage(`{"n":1}`)},
		{EntityID: "d-1", Kind: "deployment.delete", Body: json.RawMessage(`{"n":1}`)},
		{EntityID: "d-1", Kind: "deployment.update", Body: json.RawMessage(`{"n":2}`)},
	} {
		c.Check(other.Key(), gc.Not(gc.Equals), base.Key())
	}
}

func (s *messageSuite) TestKeyFieldBoundaries(c *gc.C) {
	// The separator keeps field contents from bleeding into each other.
	a := Message{EntityID: "ab", Kind: "c"}
	b := Message{EntityID: "a", Kind: "bc"}
	c.Check(a.Key(), gc.Not(gc.Equals), b.Key())
}
