package datarecording

import (
	"github.com/sarchlab/coretiming/sim/hooking"
	"github.com/sarchlab/coretiming/sim/timing"
)

// FiredEventTable is the table EventRecorder writes to.
const FiredEventTable = "fired_events"

// FiredEventEntry is one row of the fired_events table. Payload holds the
// bits of the uint64 payload; SQLite cannot store uint64 values with the high
// bit set.
type FiredEventEntry struct {
	Time     int64
	Sequence int64
	TypeName string
	Payload  int64
	Lateness int64
}

func (e FiredEventEntry) recorded() RecordedEvent {
	return RecordedEvent{
		Time:     e.Time,
		Sequence: uint64(e.Sequence),
		TypeName: e.TypeName,
		Payload:  uint64(e.Payload),
		Lateness: e.Lateness,
	}
}

// EventRecorder is a hook that records every fired event.
type EventRecorder struct {
	recorder DataRecorder
	count    uint64
}

// NewEventRecorder creates the fired_events table in recorder and returns a
// hook that fills it.
func NewEventRecorder(recorder DataRecorder) *EventRecorder {
	recorder.CreateTable(FiredEventTable, FiredEventEntry{})

	return &EventRecorder{recorder: recorder}
}

// Func records events after their callbacks return.
func (r *EventRecorder) Func(ctx hooking.HookCtx) {
	if ctx.Pos != timing.HookPosAfterEvent {
		return
	}

	evt, ok := ctx.Item.(timing.FiredEvent)
	if !ok {
		return
	}

	r.recorder.InsertData(FiredEventTable, FiredEventEntry{
		Time:     evt.Time,
		Sequence: int64(evt.Sequence),
		TypeName: evt.TypeName,
		Payload:  int64(evt.Payload),
		Lateness: evt.Lateness,
	})
	r.count++
}

// Count returns the number of events recorded.
func (r *EventRecorder) Count() uint64 {
	return r.count
}
