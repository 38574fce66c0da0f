package timing

import (
	"container/heap"
	"fmt"
	"log"
)

// A Snapshot is the persisted form of the scheduler. Event types are stored
// by name so that a snapshot stays valid across process restarts.
type Snapshot struct {
	Clock        VirtualClock    `json:"clock"`
	Downcount    Cycles          `json:"downcount"`
	NextSequence uint64          `json:"next_sequence"`
	Events       []SnapshotEvent `json:"events"`
}

// SnapshotEvent is one pending event in a Snapshot.
type SnapshotEvent struct {
	Time     Cycles `json:"time"`
	Sequence uint64 `json:"sequence"`
	Payload  uint64 `json:"payload"`
	TypeName string `json:"type"`
}

// SaveState captures the scheduler. Requests from other goroutines that are
// still in the submission queue are drained first so they are part of the
// snapshot.
func (s *Scheduler) SaveState() *Snapshot {
	s.mustBeOwner("SaveState")
	s.mustNotBeAdvancing("SaveState")
	s.moveEvents()

	snap := &Snapshot{
		Clock:        s.clock,
		Downcount:    s.downcount,
		NextSequence: s.nextSequence,
		Events:       make([]SnapshotEvent, 0, len(s.queue)),
	}

	for _, e := range s.sortedEvents() {
		snap.Events = append(snap.Events, SnapshotEvent{
			Time:     e.Time,
			Sequence: e.Sequence,
			Payload:  e.Payload,
			TypeName: e.Type.name,
		})
	}

	return snap
}

// LoadState replaces the scheduler's clock and queue with the content of
// snap. Every type name is resolved before anything changes; on error the
// scheduler is left untouched.
func (s *Scheduler) LoadState(snap *Snapshot) error {
	s.mustBeOwner("LoadState")
	s.mustNotBeAdvancing("LoadState")
	s.mustNotBeShuttingDown("LoadState")

	events, nextSeq, err := s.resolveSnapshot(snap)
	if err != nil {
		s.logger.Printf("save-state load failed: %v", err)
		return err
	}

	s.ClearPendingEvents()

	s.clock = snap.Clock
	s.downcount = snap.Downcount
	s.nextSequence = nextSeq
	s.timerSane = snap.Clock.Slice < 0
	s.queue = append(s.queue[:0], events...)
	heap.Init(&s.queue)

	switch {
	case snap.Clock.Slice < 0:
		s.state.Store(int32(StateUninitialized))
	case snap.Clock.Slice == 0:
		s.state.Store(int32(StateInitialized))
	default:
		s.state.Store(int32(StateRunning))
	}

	s.publish()

	if s.pacer != nil {
		s.pacer.ResetThrottle(s.Ticks())
	}

	return nil
}

func (s *Scheduler) resolveSnapshot(
	snap *Snapshot,
) ([]pendingEvent, uint64, error) {
	if snap == nil {
		return nil, 0, fmt.Errorf("%w: nil snapshot", ErrCorruptSnapshot)
	}

	if snap.Clock.SliceLength < 0 || snap.Downcount > snap.Clock.SliceLength {
		return nil, 0, fmt.Errorf("%w: slice length %d, downcount %d",
			ErrCorruptSnapshot, snap.Clock.SliceLength, snap.Downcount)
	}

	type key struct {
		time Cycles
		seq  uint64
	}

	seen := make(map[key]bool, len(snap.Events))
	events := make([]pendingEvent, 0, len(snap.Events))
	nextSeq := snap.NextSequence

	for _, se := range snap.Events {
		t, ok := s.registry.Lookup(se.TypeName)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %q", ErrUnknownEventType, se.TypeName)
		}

		k := key{se.Time, se.Sequence}
		if seen[k] {
			return nil, 0, fmt.Errorf(
				"%w: duplicated event at time %d, sequence %d",
				ErrCorruptSnapshot, se.Time, se.Sequence)
		}
		seen[k] = true

		if se.Sequence >= nextSeq {
			nextSeq = se.Sequence + 1
		}

		events = append(events, pendingEvent{
			Time:     se.Time,
			Sequence: se.Sequence,
			Payload:  se.Payload,
			Type:     t,
		})
	}

	return events, nextSeq, nil
}

func (s *Scheduler) mustNotBeAdvancing(op string) {
	if s.advancing.Load() {
		log.Panicf("timing: %s called while advancing", op)
	}
}
