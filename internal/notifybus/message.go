// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notifybus

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Message is one notification published on a channel. The zero body is
// valid; EntityID and Kind are the stable identifying fields.
type Message struct {
	// EntityID identifies the entity the notification is about.
	EntityID string

	// Kind classifies the notification, for example
	// "deployment.update".
	Kind string

	// Body is the notification content.
	Body json.RawMessage
}

// Key returns the message's content key, computed from its stable
// identifying fields. Two messages with the same key are duplicates
// for the purposes of suppression; legitimate rapid repeated events
// with materially different content hash differently.
func (m Message) Key() string {
	h := fnv.New64a()
	h.Write([]byte(m.EntityID))
	h.Write([]byte{0})
	h.Write([]byte(m.Kind))
	h.Write([]byte{0})
	h.Write(m.Body)
	return fmt.Sprintf("%016x", h.Sum64())
}
