// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/driftline/driftline/apiserver/params"
	"github.com/driftline/driftline/internal/notifybus"
	"github.com/driftline/driftline/testing"
)

type streamSuite struct {
	apiSuite
}

var _ = gc.Suite(&streamSuite{})

func (s *streamSuite) dial(c *gc.C, channels string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/sync/stream?channels=" + channels
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	c.Assert(err, jc.ErrorIsNil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	s.AddCleanup(func(c *gc.C) {
		conn.Close()
	})
	return conn
}

// waitSubscriptions blocks until the stream handler has registered n
// bus subscriptions. The handler subscribes from the server goroutine
// after the upgrade, so the dial returning does not imply it is done.
func (s *streamSuite) waitSubscriptions(c *gc.C, n int) []subscription {
	timeout := time.After(testing.LongWait)
	for {
		if subs := s.bus.subscriptions(); len(subs) >= n {
			return subs
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d subscriptions", n)
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *streamSuite) TestStreamRequiresChannels(c *gc.C) {
	resp := s.get(c, "/sync/stream")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(s.decodeError(c, resp).Code, gc.Equals, params.CodeNotValid)
}

func (s *streamSuite) TestStreamRejectsBlankChannelList(c *gc.C) {
	resp := s.get(c, "/sync/stream?channels=,%20,")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(s.decodeError(c, resp).Code, gc.Equals, params.CodeNotValid)
}

func (s *streamSuite) TestStreamDropsEmptyChannelNames(c *gc.C) {
	conn := s.dial(c, "deployment,,%20")
	defer conn.Close()

	subs := s.waitSubscriptions(c, 1)
	c.Assert(subs, gc.HasLen, 1)
	c.Check(subs[0].channel, gc.Equals, "deployment")
}

func (s *streamSuite) TestStreamSubscribesToChannels(c *gc.C) {
	conn := s.dial(c, "deployment,project")
	defer conn.Close()

	subs := s.waitSubscriptions(c, 2)
	c.Check(subs[0].channel, gc.Equals, "deployment")
	c.Check(subs[1].channel, gc.Equals, "project")
}

func (s *streamSuite) TestStreamDeliversFrames(c *gc.C) {
	conn := s.dial(c, "deployment")
	defer conn.Close()

	subs := s.waitSubscriptions(c, 1)
	err := subs[0].handler(notifybus.Message{
		EntityID: "d-1",
		Kind:     "deployment.update",
		Body:     json.RawMessage(`{"state":"up"}`),
	})
	c.Assert(err, jc.ErrorIsNil)

	conn.SetReadDeadline(time.Now().Add(testing.LongWait))
	var frame params.StreamMessage
	c.Assert(conn.ReadJSON(&frame), jc.ErrorIsNil)
	c.Check(frame.Channel, gc.Equals, "deployment")
	c.Check(frame.EntityID, gc.Equals, "d-1")
	c.Check(frame.Kind, gc.Equals, "deployment.update")
	c.Check(string(frame.Body), gc.Equals, `{"state":"up"}`)
}

func (s *streamSuite) TestStreamUnsubscribesOnClose(c *gc.C) {
	conn := s.dial(c, "deployment")
	s.waitSubscriptions(c, 1)

	c.Assert(conn.Close(), jc.ErrorIsNil)

	timeout := time.After(testing.LongWait)
	for s.bus.unsubscribedCount() < 1 {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for unsubscribe")
		case <-time.After(time.Millisecond):
		}
	}
}
