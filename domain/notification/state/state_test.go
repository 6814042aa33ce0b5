// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corenotification "github.com/driftline/driftline/core/notification"
	dbtesting "github.com/driftline/driftline/internal/database/testing"
)

type stateSuite struct {
	dbtesting.SqliteSuite

	state *State
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.SqliteSuite.SetUpTest(c)
	s.state = NewState(s.TxnRunnerFactory())
}

func (s *stateSuite) record(c *gc.C, entityID, channel, message string) {
	err := s.state.Record(context.Background(), corenotification.Notification{
		EntityID:  entityID,
		Channel:   channel,
		Message:   json.RawMessage(message),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *stateSuite) TestHistoryEmpty(c *gc.C) {
	history, err := s.state.History(context.Background(), "d-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(history, gc.HasLen, 0)
}

func (s *stateSuite) TestRecordAndHistory(c *gc.C) {
	s.record(c, "d-1", "deployment", `{"state":"up"}`)
	s.record(c, "d-1", "deployment", `{"state":"down"}`)
	s.record(c, "d-2", "deployment", `{"state":"up"}`)

	history, err := s.state.History(context.Background(), "d-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(history, gc.HasLen, 2)

	// Insertion order, ids assigned by the store.
	c.Check(history[0].ID, gc.Equals, int64(1))
	c.Check(history[1].ID, gc.Equals, int64(2))
	c.Check(history[0].EntityID, gc.Equals, "d-1")
	c.Check(history[0].Channel, gc.Equals, "deployment")
	c.Check(string(history[0].Message), gc.Equals, `{"state":"up"}`)
	c.Check(string(history[1].Message), gc.Equals, `{"state":"down"}`)
}
