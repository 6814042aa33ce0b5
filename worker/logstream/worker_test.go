// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	corechangelog "github.com/driftline/driftline/core/changelog"
	"github.com/driftline/driftline/internal/notifybus"
	"github.com/driftline/driftline/testing"
)

type workerSuite struct {
	testing.BaseSuite

	clock *testclock.Clock
	log   *fakeLog
	hub   *recordingHub
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s.log = &fakeLog{}
	s.hub = &recordingHub{published: make(chan publishedMsg, 16)}
}

func (s *workerSuite) config(c *gc.C) WorkerConfig {
	return WorkerConfig{
		Log:          s.log,
		Hub:          s.hub,
		Clock:        s.clock,
		Logger:       testing.NewCheckLogger(c),
		PollInterval: time.Second,
	}
}

func (s *workerSuite) TestValidate(c *gc.C) {
	cfg := s.config(c)
	c.Check(cfg.Validate(), jc.ErrorIsNil)

	for i, broken := range []func(*WorkerConfig){
		func(cfg *WorkerConfig) { cfg.Log = nil },
		func(cfg *WorkerConfig) { cfg.Hub = nil },
		func(cfg *WorkerConfig) { cfg.Clock = nil },
		func(cfg *WorkerConfig) { cfg.Logger = nil },
		func(cfg *WorkerConfig) { cfg.PollInterval = 0 },
	} {
		cfg := s.config(c)
		broken(&cfg)
		c.Check(cfg.Validate(), jc.Satisfies, errors.IsNotValid, gc.Commentf("case %d", i))

		_, err := NewWorker(cfg)
		c.Check(err, jc.Satisfies, errors.IsNotValid, gc.Commentf("case %d", i))
	}
}

func (s *workerSuite) TestCleanKill(c *gc.C) {
	w, err := NewWorker(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)
}

func (s *workerSuite) TestStartsAtLogTip(c *gc.C) {
	s.log.setEntries(
		entry(1, "deployment", "d-1"),
		entry(2, "deployment", "d-2"),
	)

	w, err := NewWorker(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// The first sweep sees nothing above the starting watermark.
	s.advanceClock(c, time.Second)
	s.assertNothingPublished(c)
}

func (s *workerSuite) TestPublishesNewEntries(c *gc.C) {
	w, err := NewWorker(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	s.waitTimerArmed(c)

	s.log.setEntries(entry(1, "deployment", "d-1"))
	s.advanceClock(c, time.Second)

	msg := s.waitPublished(c)
	c.Check(msg.channel, gc.Equals, "deployment")
	c.Check(msg.msg.EntityID, gc.Equals, "d-1")
	c.Check(msg.msg.Kind, gc.Equals, "deployment.update")
	c.Check(string(msg.msg.Body), gc.Equals, `{"v":1}`)
}

func (s *workerSuite) TestWatermarkAdvances(c *gc.C) {
	w, err := NewWorker(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	s.waitTimerArmed(c)

	s.log.setEntries(entry(1, "deployment", "d-1"))
	s.advanceClock(c, time.Second)
	s.waitPublished(c)

	// The same entry is not published twice; only the new one is.
	s.log.setEntries(
		entry(1, "deployment", "d-1"),
		entry(2, "project", "p-1"),
	)
	s.advanceClock(c, time.Second)

	msg := s.waitPublished(c)
	c.Check(msg.channel, gc.Equals, "project")
	s.assertNothingPublished(c)
}

func (s *workerSuite) TestDiesOnReadError(c *gc.C) {
	w, err := NewWorker(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)
	s.waitTimerArmed(c)

	s.log.setErr(errors.New("boom"))
	s.advanceClock(c, time.Second)

	err = workertest.CheckKilled(c, w)
	c.Check(err, gc.ErrorMatches, "boom")
}

// waitTimerArmed blocks until the worker has read its starting
// watermark and armed the poll timer, so later fake log changes are
// only visible to subsequent sweeps.
func (s *workerSuite) waitTimerArmed(c *gc.C) {
	err := s.clock.WaitAdvance(0, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

// advanceClock waits for the worker to arm its timer, then moves time
// past the poll interval.
func (s *workerSuite) advanceClock(c *gc.C, d time.Duration) {
	err := s.clock.WaitAdvance(d, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *workerSuite) waitPublished(c *gc.C) publishedMsg {
	select {
	case msg := <-s.hub.published:
		return msg
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for publish")
	}
	return publishedMsg{}
}

func (s *workerSuite) assertNothingPublished(c *gc.C) {
	select {
	case msg := <-s.hub.published:
		c.Fatalf("unexpected publish: %+v", msg)
	case <-time.After(testing.ShortWait):
	}
}

func entry(version int64, entity, entityID string) corechangelog.Entry {
	return corechangelog.Entry{
		ID:        entityID + "-entry",
		Entity:    entity,
		EntityID:  entityID,
		Operation: corechangelog.Update,
		Payload:   json.RawMessage(`{"v":1}`),
		Version:   version,
	}
}

type fakeLog struct {
	mu      sync.Mutex
	entries []corechangelog.Entry
	err     error
}

func (f *fakeLog) setEntries(entries ...corechangelog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

func (f *fakeLog) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLog) HighestVersion(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var max int64
	for _, e := range f.entries {
		if e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

func (f *fakeLog) EntriesAfter(_ context.Context, version int64, limit int) ([]corechangelog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var result []corechangelog.Entry
	for _, e := range f.entries {
		if e.Version > version && len(result) < limit {
			result = append(result, e)
		}
	}
	return result, nil
}

type publishedMsg struct {
	channel string
	msg     notifybus.Message
}

type recordingHub struct {
	published chan publishedMsg
}

func (h *recordingHub) Publish(channel string, msg notifybus.Message) {
	h.published <- publishedMsg{channel: channel, msg: msg}
}
