// Package timeline keeps an in-memory, append-only log of Tick Driver
// activity for incident capture and debugging.
package timeline

import (
	"sync"
	"time"
)

// TickEvent records one stage of a rollout's progress through the Tick
// Driver, keyed by RolloutID.
type TickEvent struct {
	RolloutID string            `json:"rollout_id"`
	Stage     string            `json:"stage"` // CREATED, STEP_STARTED, STEP_VERIFYING, STEP_COMPLETED, GATE_FAILED, FAILED, COMPLETED
	Timestamp time.Time         `json:"timestamp"`
	StepIndex int               `json:"step_index"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Store struct {
	events []TickEvent
	mu     sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		events: make([]TickEvent, 0),
	}
}

func (s *Store) Record(e TickEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
}

func (s *Store) GetEventsByRollout(rolloutID string) []TickEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []TickEvent
	for _, e := range s.events {
		if e.RolloutID == rolloutID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of every recorded event (debug/incident snapshot).
func (s *Store) GetAllEvents() []TickEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]TickEvent, len(s.events))
	copy(c, s.events)
	return c
}
