// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/driftline/driftline/apiserver/params"
	"github.com/driftline/driftline/internal/notifybus"
)

const (
	// pongDelay is how long the server waits for a pong before
	// deciding the client has gone away.
	pongDelay = 90 * time.Second

	// pingPeriod must be shorter than pongDelay so a healthy client
	// always has a ping to answer.
	pingPeriod = 30 * time.Second

	// writeTimeout bounds each frame write.
	writeTimeout = 10 * time.Second

	// sendBufferSize is the per-connection backlog of undelivered
	// frames. A consumer that cannot keep up loses frames, not the
	// connection; the durable history is the record.
	sendBufferSize = 64
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// parseChannels splits the comma separated channel list, dropping
// empty names so a stray comma never subscribes the connection to the
// channel named "".
func parseChannels(raw string) []string {
	var channels []string
	for _, channel := range strings.Split(raw, ",") {
		if channel = strings.TrimSpace(channel); channel != "" {
			channels = append(channels, channel)
		}
	}
	return channels
}

// handleStream serves GET /sync/stream?channels=a,b. The connection is
// subscribed to the named bus channels and receives matching messages
// as they are published. There is no replay of history on (re)connect.
func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	channels := parseChannels(req.URL.Query().Get("channels"))
	if len(channels) == 0 {
		s.sendError(w, errors.NotValidf("missing channels"))
		return
	}

	socket, err := streamUpgrader.Upgrade(w, req, nil)
	if err != nil {
		s.cfg.Logger.Errorf("upgrading stream connection: %v", err)
		return
	}
	defer socket.Close()

	send := make(chan params.StreamMessage, sendBufferSize)
	closed := make(chan struct{})

	unsubs := make([]func(), 0, len(channels))
	for _, channel := range channels {
		channel := channel
		unsubs = append(unsubs, s.cfg.Bus.Subscribe(channel, func(msg notifybus.Message) error {
			frame := params.StreamMessage{
				Channel:  channel,
				EntityID: msg.EntityID,
				Kind:     msg.Kind,
				Body:     msg.Body,
			}
			select {
			case send <- frame:
			case <-closed:
			default:
				s.cfg.Logger.Warningf("stream consumer lagging, dropping frame on %q", channel)
			}
			return nil
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// The read pump notices the client going away; see the ping/pong
	// configuration below.
	go func() {
		defer close(closed)
		socket.SetReadDeadline(time.Now().Add(pongDelay))
		socket.SetPongHandler(func(string) error {
			socket.SetReadDeadline(time.Now().Add(pongDelay))
			return nil
		})
		for {
			if _, _, err := socket.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case frame := <-send:
			socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := socket.WriteJSON(frame); err != nil {
				s.cfg.Logger.Debugf("stream write failed: %v", err)
				return
			}
		case <-ticker.C:
			socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
