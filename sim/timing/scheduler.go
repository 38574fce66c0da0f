package timing

import (
	"log"
	"sort"
	"sync/atomic"

	"github.com/sarchlab/coretiming/sim/hooking"
	"github.com/sarchlab/coretiming/sim/queueing"
)

// ExceptionChecker is implemented by the execution core. It is invoked at the
// end of every Advance so that interrupts raised by callbacks are taken
// before the next slice starts.
type ExceptionChecker interface {
	CheckExceptions()
}

// A Pacer slows virtual time down to wall-clock time.
type Pacer interface {
	Throttle(targetCycle Cycles)
	ResetThrottle(cycle Cycles)
}

// State is the lifecycle stage of a Scheduler.
type State int32

// The scheduler lifecycle.
const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxSliceLength caps the slice length handed to the execution core.
func WithMaxSliceLength(cycles Cycles) Option {
	return func(s *Scheduler) {
		if cycles <= 0 {
			log.Panicf("timing: invalid max slice length %d", cycles)
		}

		s.maxSliceLength = cycles
	}
}

// WithPacer sets the pacer that is invoked after each Advance.
func WithPacer(p Pacer) Option {
	return func(s *Scheduler) {
		s.pacer = p
	}
}

// WithExceptionChecker sets the check run at the end of each Advance.
func WithExceptionChecker(c ExceptionChecker) Option {
	return func(s *Scheduler) {
		s.checker = c
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithOwnerCheck makes every owner-only call panic when owned returns false.
// owned runs on each such call.
func WithOwnerCheck(owned func() bool) Option {
	return func(s *Scheduler) {
		s.owned = owned
	}
}

// A Scheduler orders events on the virtual clock. Everything except
// Schedule(..., FromNonOwner) and Stats must be called from the owning
// goroutine.
type Scheduler struct {
	hooking.HookableBase

	registry *Registry
	logger   *log.Logger
	pacer    Pacer
	checker  ExceptionChecker
	owned    func() bool

	clock          VirtualClock
	downcount      Cycles
	maxSliceLength Cycles
	timerSane      bool
	nextSequence   uint64
	queue          eventHeap
	submissions    *queueing.SubmissionQueue[envelope]
	firedEvents    uint64

	advancing atomic.Bool
	state     atomic.Int32
	published publishedStats
}

// NewScheduler creates a Scheduler in slice -1 that dispatches types from
// registry.
func NewScheduler(registry *Registry, opts ...Option) *Scheduler {
	if registry == nil {
		log.Panic("timing: scheduler needs a registry")
	}

	s := &Scheduler{
		registry:       registry,
		logger:         log.Default(),
		maxSliceLength: DefaultMaxSliceLength,
		timerSane:      true,
		submissions:    queueing.NewSubmissionQueue[envelope](),
	}

	for _, o := range opts {
		o(s)
	}

	s.clock = newVirtualClock(s.maxSliceLength)
	s.downcount = s.maxSliceLength
	s.state.Store(int32(StateUninitialized))
	s.publish()

	return s
}

// Registry returns the registry the scheduler resolves types against.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// State returns the lifecycle stage. Safe from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// SetPacer replaces the pacer.
func (s *Scheduler) SetPacer(p Pacer) {
	s.pacer = p
}

// SetExceptionChecker replaces the end-of-advance check.
func (s *Scheduler) SetExceptionChecker(c ExceptionChecker) {
	s.checker = c
}

// Ticks returns the current virtual time, including the part of the current
// slice the execution core has already consumed.
func (s *Scheduler) Ticks() Cycles {
	ticks := s.clock.GlobalTimer
	if !s.timerSane {
		ticks += s.clock.SliceLength - s.downcount
	}

	return ticks
}

// IdleTicks returns the total number of cycles skipped by Idle.
func (s *Scheduler) IdleTicks() Cycles {
	return s.clock.IdledCycles
}

// Downcount returns the cycles left in the current slice.
func (s *Scheduler) Downcount() Cycles {
	return s.downcount
}

// ConsumeCycles is called by the execution core for the cycles it executed.
func (s *Scheduler) ConsumeCycles(n Cycles) {
	s.downcount -= n
}

// ForceExceptionCheck shortens the current slice so that the execution core
// checks in no later than cycles from now.
func (s *Scheduler) ForceExceptionCheck(cycles Cycles) {
	if cycles < 0 {
		cycles = 0
	}

	if s.downcount > cycles {
		s.clock.SliceLength -= s.downcount - cycles
		s.downcount = cycles
	}
}

// Schedule arranges for t's callback to run with payload once virtual time
// has advanced cyclesIntoFuture cycles. cyclesIntoFuture may be negative.
func (s *Scheduler) Schedule(
	cyclesIntoFuture Cycles,
	t *EventType,
	payload uint64,
	from FromThread,
) {
	s.mustBeRegistered(t)

	if from == FromNonOwner {
		if s.State() == StateShuttingDown {
			return
		}

		s.submissions.Push(envelope{
			Time:    Cycles(s.published.globalTimer.Load()) + cyclesIntoFuture,
			Payload: payload,
			Type:    t,
		})

		return
	}

	s.mustBeOwner("Schedule")
	s.mustNotBeShuttingDown("Schedule")

	when := s.Ticks() + cyclesIntoFuture
	if s.insert(when, t, payload) && !s.timerSane {
		s.ForceExceptionCheck(cyclesIntoFuture)
	}

	s.publishPending()
}

// insert adds an owning-goroutine entry and tells if it became the earliest.
func (s *Scheduler) insert(when Cycles, t *EventType, payload uint64) bool {
	seq := s.nextSequence
	s.nextSequence++

	s.queue.push(pendingEvent{
		Time:     when,
		Sequence: seq,
		Payload:  payload,
		Type:     t,
	})

	return s.queue.peek().Sequence == seq
}

// moveEvents drains the submission queue into the event queue.
func (s *Scheduler) moveEvents() int {
	n := s.submissions.Drain(func(e envelope) {
		s.mustBeRegistered(e.Type)

		if s.insert(e.Time, e.Type, e.Payload) && !s.timerSane {
			s.ForceExceptionCheck(e.Time - s.Ticks())
		}
	})

	if n > 0 && s.NumHooks() > 0 {
		s.InvokeHook(hooking.HookCtx{
			Domain: s,
			Pos:    HookPosDrain,
			Item:   n,
		})
	}

	return n
}

// Remove retracts every pending event of type t.
func (s *Scheduler) Remove(t *EventType) {
	s.mustBeOwner("Remove")
	s.queue.removeIf(func(e pendingEvent) bool { return e.Type == t })
	s.publishPending()
}

// RemoveAll retracts every pending event of type t, including requests from
// other goroutines that have not been drained yet.
func (s *Scheduler) RemoveAll(t *EventType) {
	s.moveEvents()
	s.Remove(t)
}

// ClearPendingEvents drops every pending event and every undrained request.
func (s *Scheduler) ClearPendingEvents() {
	s.mustBeOwner("ClearPendingEvents")
	s.queue.clear()
	s.submissions.Clear()
	s.publishPending()
}

// Advance must be the first call of every execution iteration, including the
// very first one. It accounts for the cycles executed in the slice that just
// ended, fires every due event, and starts the next slice.
func (s *Scheduler) Advance() {
	s.enter("Advance")
	defer s.leave()

	s.advance()
}

// Idle skips the rest of the current slice, as if the execution core had run
// it to the end, and then advances.
func (s *Scheduler) Idle() {
	s.enter("Idle")
	defer s.leave()

	if s.downcount > 0 {
		s.clock.IdledCycles += s.downcount
		s.downcount = 0
	}

	s.advance()
}

func (s *Scheduler) advance() {
	executed := s.clock.SliceLength - s.downcount
	s.clock.GlobalTimer += executed
	s.clock.Slice++
	s.timerSane = true

	if s.clock.Slice == 0 {
		s.state.Store(int32(StateInitialized))
	} else {
		s.state.Store(int32(StateRunning))
	}

	s.moveEvents()

	s.clock.SliceLength = s.maxSliceLength
	s.fireDueEvents()

	s.timerSane = false
	s.startSlice()
	s.publish()

	if s.pacer != nil {
		s.pacer.Throttle(s.clock.GlobalTimer)
	}

	if s.checker != nil {
		s.checker.CheckExceptions()
	}
}

func (s *Scheduler) fireDueEvents() {
	now := s.clock.GlobalTimer

	for len(s.queue) > 0 && s.queue.peek().Time <= now {
		evt := s.queue.pop()

		fired := FiredEvent{
			Time:     evt.Time,
			Sequence: evt.Sequence,
			Payload:  evt.Payload,
			TypeName: evt.Type.name,
			Now:      now,
			Lateness: now - evt.Time,
		}

		hookCtx := hooking.HookCtx{
			Domain: s,
			Pos:    HookPosBeforeEvent,
			Item:   fired,
		}
		s.InvokeHook(hookCtx)

		evt.Type.callback(evt.Payload, fired.Lateness)
		s.firedEvents++

		hookCtx.Pos = HookPosAfterEvent
		s.InvokeHook(hookCtx)
	}
}

func (s *Scheduler) startSlice() {
	slice := s.maxSliceLength

	if len(s.queue) > 0 {
		untilNext := s.queue.peek().Time - s.clock.GlobalTimer
		if untilNext < slice {
			slice = untilNext
		}
	}

	if slice < 0 {
		slice = 0
	}

	s.clock.SliceLength = slice
	s.downcount = slice
}

// AdjustEventQueueTimes rescales virtual time when the emulated clock rate
// changes from oldRate to newRate. Relative order and relative gaps of all
// pending events are preserved.
func (s *Scheduler) AdjustEventQueueTimes(newRate, oldRate uint32) {
	s.mustBeOwner("AdjustEventQueueTimes")

	if newRate == 0 || oldRate == 0 {
		log.Panicf("timing: invalid clock rate change %d -> %d",
			oldRate, newRate)
	}

	if newRate == oldRate {
		return
	}

	s.moveEvents()

	s.clock.GlobalTimer = scaleCycles(s.clock.GlobalTimer, newRate, oldRate)
	s.clock.Fake.DecStartTicks =
		scaleCycles(s.clock.Fake.DecStartTicks, newRate, oldRate)
	s.clock.Fake.TBStartTicks =
		scaleCycles(s.clock.Fake.TBStartTicks, newRate, oldRate)

	if !s.timerSane {
		s.clock.SliceLength = scaleCycles(s.clock.SliceLength, newRate, oldRate)
		s.downcount = scaleCycles(s.downcount, newRate, oldRate)
	}

	s.queue.retime(func(t Cycles) Cycles {
		return scaleCycles(t, newRate, oldRate)
	})

	s.publish()

	if s.pacer != nil {
		s.pacer.ResetThrottle(s.Ticks())
	}
}

// PendingSummary lists the pending events in firing order.
func (s *Scheduler) PendingSummary() []PendingInfo {
	infos := make([]PendingInfo, 0, len(s.queue))
	for _, e := range s.sortedEvents() {
		infos = append(infos, PendingInfo{
			Time:     e.Time,
			Sequence: e.Sequence,
			Payload:  e.Payload,
			TypeName: e.Type.name,
		})
	}

	return infos
}

// LogPendingEvents writes the pending events to the scheduler's logger.
func (s *Scheduler) LogPendingEvents() {
	now := s.clock.GlobalTimer
	for _, info := range s.PendingSummary() {
		s.logger.Printf("PENDING: now %d, pending %d, type %s, payload %#x",
			now, info.Time, info.TypeName, info.Payload)
	}
}

func (s *Scheduler) sortedEvents() []pendingEvent {
	events := make([]pendingEvent, len(s.queue))
	copy(events, s.queue)

	sort.Slice(events, func(i, j int) bool {
		return eventHeap(events).Less(i, j)
	})

	return events
}

// NumPending returns the number of events in the event queue.
func (s *Scheduler) NumPending() int {
	return len(s.queue)
}

// UnregisterAllEventTypes clears the registry. It panics if any event still
// refers to a registered type.
func (s *Scheduler) UnregisterAllEventTypes() {
	s.mustBeOwner("UnregisterAllEventTypes")

	if len(s.queue) > 0 || !s.submissions.Empty() {
		log.Panic("timing: cannot unregister event types with pending events")
	}

	s.registry.UnregisterAll()
}

// Shutdown drops everything pending. The scheduler cannot advance afterwards.
func (s *Scheduler) Shutdown() {
	s.state.Store(int32(StateShuttingDown))
	s.ClearPendingEvents()
	s.publish()
}

func (s *Scheduler) mustBeRegistered(t *EventType) {
	if !s.registry.IsRegistered(t) {
		name := "<nil>"
		if t != nil {
			name = t.name
		}

		log.Panicf("timing: scheduling unregistered event type %s", name)
	}
}

func (s *Scheduler) mustNotBeShuttingDown(op string) {
	if s.State() == StateShuttingDown {
		log.Panicf("timing: %s after shutdown", op)
	}
}

func (s *Scheduler) mustBeOwner(op string) {
	if s.owned != nil && !s.owned() {
		log.Panicf("timing: %s called off the owning goroutine", op)
	}
}

func (s *Scheduler) enter(op string) {
	s.mustBeOwner(op)
	s.mustNotBeShuttingDown(op)

	if !s.advancing.CompareAndSwap(false, true) {
		log.Panicf("timing: %s reentered", op)
	}
}

func (s *Scheduler) leave() {
	s.advancing.Store(false)
}
