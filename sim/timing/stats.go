package timing

import "sync/atomic"

// Stats is a view of the scheduler that may be read from any goroutine. It
// is refreshed whenever the owning goroutine changes the queue or the clock.
type Stats struct {
	State       State  `json:"state"`
	Slice       int64  `json:"slice"`
	GlobalTimer Cycles `json:"global_timer"`
	SliceLength Cycles `json:"slice_length"`
	Downcount   Cycles `json:"downcount"`
	IdledCycles Cycles `json:"idled_cycles"`
	Pending     int    `json:"pending"`
	Queued      int    `json:"queued"`
	FiredEvents uint64 `json:"fired_events"`
}

type publishedStats struct {
	globalTimer atomic.Int64
	slice       atomic.Int64
	sliceLength atomic.Int64
	downcount   atomic.Int64
	idledCycles atomic.Int64
	pending     atomic.Int64
	firedEvents atomic.Uint64
}

func (s *Scheduler) publish() {
	s.published.globalTimer.Store(s.clock.GlobalTimer)
	s.published.slice.Store(s.clock.Slice)
	s.published.sliceLength.Store(s.clock.SliceLength)
	s.published.downcount.Store(s.downcount)
	s.published.idledCycles.Store(s.clock.IdledCycles)
	s.published.firedEvents.Store(s.firedEvents)
	s.publishPending()
}

func (s *Scheduler) publishPending() {
	s.published.pending.Store(int64(len(s.queue)))
}

// Stats returns the most recently published view of the scheduler.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:       s.State(),
		Slice:       s.published.slice.Load(),
		GlobalTimer: s.published.globalTimer.Load(),
		SliceLength: s.published.sliceLength.Load(),
		Downcount:   s.published.downcount.Load(),
		IdledCycles: s.published.idledCycles.Load(),
		Pending:     int(s.published.pending.Load()),
		Queued:      s.submissions.Size(),
		FiredEvents: s.published.firedEvents.Load(),
	}
}
