// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"encoding/json"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// ErrMutationInFlight is raised when a mutation touches a collection
// that another mutation is already operating on. Mutations are
// non-reentrant per collection; the caller retries after the in-flight
// one settles.
const ErrMutationInFlight = errors.ConstError("mutation already in flight")

// Snapshot is a deep copy of a set of collections, captured before an
// optimistic patch and used to roll the store back if the
// authoritative mutation fails.
type Snapshot struct {
	collections map[string]map[string]json.RawMessage
}

// Store is the client's local cache: named collections of documents
// keyed by document id. All access is serialized by one lock, so a
// restore is never observably interleaved with a concurrent read.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	inFlight    set.Strings
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string]json.RawMessage),
		inFlight:    set.NewStrings(),
	}
}

// Get returns the document with the given id, if present.
func (s *Store) Get(collection, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), doc...), true
}

// Documents returns a copy of the named collection.
func (s *Store) Documents(collection string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCollection(s.collections[collection])
}

// Set upserts a document outside any mutation, for example when
// applying pulled entries.
func (s *Store) Set(collection, id string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(collection, id, doc)
}

// Remove deletes a document outside any mutation.
func (s *Store) Remove(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
}

// begin marks the input collections as having a mutation in flight and
// captures their snapshot, as one atomic step.
func (s *Store) begin(collections []string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range collections {
		if s.inFlight.Contains(name) {
			return Snapshot{}, errors.Annotatef(ErrMutationInFlight, "collection %q", name)
		}
	}

	snapshot := Snapshot{collections: make(map[string]map[string]json.RawMessage, len(collections))}
	for _, name := range collections {
		s.inFlight.Add(name)
		snapshot.collections[name] = copyCollection(s.collections[name])
	}
	return snapshot, nil
}

// apply applies the optimistic patches. The collections involved must
// have been claimed by begin.
func (s *Store) apply(patches []DocumentPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, patch := range patches {
		if patch.Remove {
			delete(s.collections[patch.Collection], patch.ID)
			continue
		}
		s.set(patch.Collection, patch.ID, patch.Document)
	}
}

// commit releases the in-flight claim, leaving the optimistic state in
// place.
func (s *Store) commit(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range snapshot.collections {
		s.inFlight.Remove(name)
	}
}

// rollback atomically restores every snapshotted collection and
// releases the in-flight claim. All collections are restored or none;
// readers never observe a partial restore.
func (s *Store) rollback(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, docs := range snapshot.collections {
		if docs == nil {
			delete(s.collections, name)
		} else {
			s.collections[name] = docs
		}
		s.inFlight.Remove(name)
	}
}

func (s *Store) set(collection, id string, doc json.RawMessage) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]json.RawMessage)
		s.collections[collection] = docs
	}
	docs[id] = append(json.RawMessage(nil), doc...)
}

func copyCollection(docs map[string]json.RawMessage) map[string]json.RawMessage {
	if docs == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(docs))
	for id, doc := range docs {
		out[id] = append(json.RawMessage(nil), doc...)
	}
	return out
}
