package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// SnapshotStore holds the most recently completed snapshot plus bookkeeping
// about collection attempts. The collector is the only writer; any number of
// scrape handlers read it concurrently. Publication swaps a single pointer,
// so readers never observe a half-built snapshot and never contend with a
// collection in progress.
type SnapshotStore struct {
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	attempts    uint64
	failures    uint64
	lastOutcome Outcome
	lastAttempt time.Time
	lastError   string
}

// NewSnapshotStore returns an empty store. Current returns nil until the
// first Publish.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Publish atomically replaces the current snapshot and records the attempt.
func (s *SnapshotStore) Publish(snap *Snapshot) {
	s.current.Store(snap)

	s.mu.Lock()
	s.attempts++
	s.lastOutcome = snap.Outcome
	s.lastAttempt = snap.CapturedAt
	s.lastError = ""
	s.mu.Unlock()
}

// RecordFailure notes a collection cycle that produced no snapshot. The
// previously published snapshot, if any, keeps serving and its age keeps
// growing.
func (s *SnapshotStore) RecordFailure(at time.Time, err error) {
	s.mu.Lock()
	s.attempts++
	s.failures++
	s.lastOutcome = OutcomeTotalFailure
	s.lastAttempt = at
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
}

// Current returns the most recently published snapshot, or nil if no
// collection cycle has completed yet.
func (s *SnapshotStore) Current() *Snapshot {
	return s.current.Load()
}

// Status describes the last collection attempt, successful or not.
type Status struct {
	Attempts    uint64
	Failures    uint64
	LastOutcome Outcome
	LastAttempt time.Time
	LastError   string
}

// Status returns a copy of the attempt bookkeeping.
func (s *SnapshotStore) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Attempts:    s.attempts,
		Failures:    s.failures,
		LastOutcome: s.lastOutcome,
		LastAttempt: s.lastAttempt,
		LastError:   s.lastError,
	}
}
