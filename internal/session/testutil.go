package session

import (
	"time"

	"github.com/google/uuid"
)

// NewStateForTest builds a standalone State outside of a Registry, for
// use by other packages' tests (ingest, finalize) that need a session
// to operate against without standing up a full registry.
func NewStateForTest(params Params) *State {
	return newState(uuid.NewString(), params, time.Now())
}

// SetIDForTest overrides a State's ID, for tests asserting that two
// sessions with the same ID produce the same deterministic mock result.
func SetIDForTest(s *State, id string) {
	s.ID = id
}

// SetCountersForTest sets the ingest counters directly, bypassing the
// guardrail, for finalizer tests that need specific counter values
// without constructing a valid chunk sequence to reach them.
func SetCountersForTest(s *State, framesReceived, bytesReceived, chunksReceived int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.FramesReceived = framesReceived
	s.counters.BytesReceived = bytesReceived
	s.counters.ChunksReceived = chunksReceived
}
