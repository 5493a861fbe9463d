// Package store provides the durable keyed backends for events and session
// bundles: in-memory for tests and embedding, SQLite for single-node
// deployments, Postgres for shared ones. All backends enforce the same
// contract: at most one event occupies a given (stream_id, prev_hash) slot.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/session"
)

// MemoryStore keeps streams and bundles in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*ledger.Event
	byID    map[string]map[string]*ledger.Event // stream_id -> event_id -> event
	bundles map[string][]*session.Bundle
}

var (
	_ ledger.Store        = (*MemoryStore)(nil)
	_ session.BundleStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]*ledger.Event),
		byID:    make(map[string]map[string]*ledger.Event),
		bundles: make(map[string][]*session.Bundle),
	}
}

func (s *MemoryStore) AppendCAS(_ context.Context, e *ledger.Event, expectedTip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := ledger.GenesisHash
	events := s.streams[e.StreamID]
	if len(events) > 0 {
		tip = events[len(events)-1].EventHash
	}
	if tip != expectedTip {
		return &ledger.StreamConflictError{StreamID: e.StreamID, ExpectedTip: expectedTip, ActualTip: tip}
	}

	s.streams[e.StreamID] = append(events, e)
	if s.byID[e.StreamID] == nil {
		s.byID[e.StreamID] = make(map[string]*ledger.Event)
	}
	s.byID[e.StreamID][e.EventID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, streamID, eventID string) (*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[streamID][eventID]
	if !ok {
		return nil, fmt.Errorf("stream %s event %s: %w", streamID, eventID, ledger.ErrNotFound)
	}
	return e, nil
}

func (s *MemoryStore) GetBySeq(_ context.Context, streamID string, seq uint64) (*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.streams[streamID]
	if seq == 0 || seq > uint64(len(events)) {
		return nil, fmt.Errorf("stream %s seq %d: %w", streamID, seq, ledger.ErrNotFound)
	}
	return events[seq-1], nil
}

func (s *MemoryStore) Range(_ context.Context, streamID string, fromSeq, toSeq uint64) ([]*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.streams[streamID]
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 || toSeq > uint64(len(events)) {
		toSeq = uint64(len(events))
	}
	if fromSeq > toSeq {
		return nil, nil
	}
	out := make([]*ledger.Event, 0, toSeq-fromSeq+1)
	out = append(out, events[fromSeq-1:toSeq]...)
	return out, nil
}

func (s *MemoryStore) Tip(_ context.Context, streamID string) (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.streams[streamID]
	if len(events) == 0 {
		return ledger.GenesisHash, 0, nil
	}
	last := events[len(events)-1]
	return last.EventHash, last.Seq, nil
}

func (s *MemoryStore) Streams(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.streams))
	for id := range s.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) PutBundle(_ context.Context, b *session.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bundles[b.StreamID] {
		if existing.SessionIndex == b.SessionIndex {
			return &session.SessionConflictError{StreamID: b.StreamID, SessionIndex: b.SessionIndex}
		}
	}
	s.bundles[b.StreamID] = append(s.bundles[b.StreamID], b)
	return nil
}

func (s *MemoryStore) GetBundle(_ context.Context, streamID string, sessionIndex uint64) (*session.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bundles[streamID] {
		if b.SessionIndex == sessionIndex {
			return b, nil
		}
	}
	return nil, fmt.Errorf("stream %s session %d: %w", streamID, sessionIndex, ledger.ErrNotFound)
}

func (s *MemoryStore) Bundles(_ context.Context, streamID string) ([]*session.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]*session.Bundle(nil), s.bundles[streamID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SessionIndex < out[j].SessionIndex })
	return out, nil
}

// Tamper overwrites the payload of a stored event in place. Test hook for
// simulating storage corruption; the chain validators must detect the edit.
func (s *MemoryStore) Tamper(streamID string, seq uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.streams[streamID]
	if seq == 0 || seq > uint64(len(events)) {
		return ledger.ErrNotFound
	}
	events[seq-1].Payload = payload
	return nil
}
