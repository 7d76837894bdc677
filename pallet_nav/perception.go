package pallet_nav

import (
	"context"
	"sync"
	"time"
)

// Perception delivers the latest detection frame per topic.
//
// Latest consumes: a frame is returned at most once, after which the topic
// reports absent until a new frame arrives. Ready peeks without consuming.
type Perception interface {
	Latest(topic string) ([]Detection, bool)
	Ready(topic string) bool
}

type topicSlot struct {
	dets  []Detection
	fresh bool
	seq   uint64
}

// LatestStore is the latest-value slot shared between transport goroutines
// and the decision loop. Each Put replaces a topic's payload wholesale.
type LatestStore struct {
	mu     sync.Mutex
	topics map[string]*topicSlot
}

// NewLatestStore constructs an empty store.
func NewLatestStore() *LatestStore {
	return &LatestStore{topics: map[string]*topicSlot{}}
}

// Put stores a frame for topic and advances its sequence counter.
func (s *LatestStore) Put(topic string, dets []Detection) {
	if dets == nil {
		dets = []Detection{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.topics[topic]
	if !ok {
		slot = &topicSlot{}
		s.topics[topic] = slot
	}
	slot.dets = dets
	slot.fresh = true
	slot.seq++
}

// Latest returns the unconsumed frame for topic, if any, and marks it consumed.
func (s *LatestStore) Latest(topic string) ([]Detection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.topics[topic]
	if !ok || !slot.fresh {
		return nil, false
	}
	slot.fresh = false
	dets := slot.dets
	slot.dets = nil
	return dets, true
}

// Ready reports whether an unconsumed frame is waiting on topic.
func (s *LatestStore) Ready(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.topics[topic]
	return ok && slot.fresh
}

// Seq returns how many frames have been delivered on topic.
func (s *LatestStore) Seq(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.topics[topic]; ok {
		return slot.seq
	}
	return 0
}

// WaitReady polls p until topic holds a fresh frame or timeout elapses on
// clock. It reports whether a frame became ready.
func WaitReady(ctx context.Context, p Perception, clock Clock, topic string, timeout, poll time.Duration) bool {
	if p.Ready(topic) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	start := clock.Now()
	for clock.Since(start) < timeout {
		if ctx.Err() != nil {
			return false
		}
		clock.Sleep(poll)
		if p.Ready(topic) {
			return true
		}
	}
	return false
}
