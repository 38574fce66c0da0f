package simulation

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/coretiming/datarecording"
	"github.com/sarchlab/coretiming/monitoring"
	"github.com/sarchlab/coretiming/sim/serialization"
	"github.com/sarchlab/coretiming/sim/throttle"
	"github.com/sarchlab/coretiming/sim/timing"
)

// A Machine owns one virtual clock and everything attached to it: the event
// type registry, the scheduler, the throttle, and the optional recorder and
// monitor.
//
// The goroutine that runs the machine owns the scheduler. Other goroutines
// reach it through ScheduleFromIO, Stats and Inspect. Owner-only scheduler
// calls made while nobody holds ownership panic. Inspect, SaveState,
// LoadState, SetClockRate and SetSpeed wait for the end of the current
// iteration; they must not be called from event callbacks.
type Machine struct {
	id        string
	registry  *timing.Registry
	scheduler *timing.Scheduler
	throttle  *throttle.Throttle
	core      ExecutionCore
	logger    *log.Logger

	recorder      datarecording.DataRecorder
	eventRecorder *datarecording.EventRecorder
	monitor       *monitoring.Monitor
	monitorURL    string

	ownership sync.Mutex
	owned     atomic.Bool
	clockRate uint32
	pauser    pauser
	terminate sync.Once
}

var _ monitoring.Target = (*Machine)(nil)

// ID returns the unique ID of the machine.
func (m *Machine) ID() string {
	return m.id
}

// Registry returns the event type registry.
func (m *Machine) Registry() *timing.Registry {
	return m.registry
}

// Scheduler returns the scheduler. Only the owning goroutine may use it
// directly.
func (m *Machine) Scheduler() *timing.Scheduler {
	return m.scheduler
}

// Throttle returns the throttle pacing the machine.
func (m *Machine) Throttle() *throttle.Throttle {
	return m.throttle
}

// Core returns the execution core.
func (m *Machine) Core() ExecutionCore {
	return m.core
}

// GetDataRecorder returns the data recorder, or nil if recording is off.
func (m *Machine) GetDataRecorder() datarecording.DataRecorder {
	return m.recorder
}

// GetEventRecorder returns the fired-event recorder, or nil if recording is
// off.
func (m *Machine) GetEventRecorder() *datarecording.EventRecorder {
	return m.eventRecorder
}

// GetMonitor returns the monitor, or nil if monitoring is off.
func (m *Machine) GetMonitor() *monitoring.Monitor {
	return m.monitor
}

// MonitorURL returns the address of the monitoring server, if it runs.
func (m *Machine) MonitorURL() string {
	return m.monitorURL
}

// RegisterEventType registers a callback under name.
func (m *Machine) RegisterEventType(
	name string,
	callback timing.Callback,
) *timing.EventType {
	return m.registry.Register(name, callback)
}

// ScheduleFromIO schedules an event from a goroutine that does not own the
// machine, such as a disk or network thread.
func (m *Machine) ScheduleFromIO(
	cyclesIntoFuture timing.Cycles,
	t *timing.EventType,
	payload uint64,
) {
	m.scheduler.Schedule(cyclesIntoFuture, t, payload, timing.FromNonOwner)
}

// Stats returns the published scheduler statistics.
func (m *Machine) Stats() timing.Stats {
	return m.scheduler.Stats()
}

// Pause stops the run loop at the end of the current iteration.
func (m *Machine) Pause() {
	m.pauser.pause()
}

// Continue resumes a paused run loop.
func (m *Machine) Continue() {
	m.pauser.resume()
}

// IsPaused tells if the machine is paused.
func (m *Machine) IsPaused() bool {
	return m.pauser.isPaused()
}

// acquire takes ownership of the scheduler. The scheduler's owner check
// passes only while some goroutine holds it.
func (m *Machine) acquire() {
	m.ownership.Lock()
	m.owned.Store(true)
}

func (m *Machine) release() {
	m.owned.Store(false)
	m.ownership.Unlock()
}

// Inspect runs f between two iterations of the run loop.
func (m *Machine) Inspect(f func(s *timing.Scheduler)) {
	m.acquire()
	defer m.release()

	f(m.scheduler)
}

// Start performs the initial Advance. It does nothing if the scheduler has
// already started, for example after a save-state was loaded.
func (m *Machine) Start() {
	m.acquire()
	defer m.release()

	if m.scheduler.State() == timing.StateUninitialized {
		m.scheduler.Advance()
	}
}

// Step runs one iteration: the core executes the current slice, then the
// scheduler advances. A core that has nothing to do idles to the next event.
// Step returns false once the machine is terminated.
func (m *Machine) Step() bool {
	m.acquire()
	defer m.release()

	return m.step()
}

func (m *Machine) step() bool {
	switch m.scheduler.State() {
	case timing.StateShuttingDown:
		return false
	case timing.StateUninitialized:
		m.scheduler.Advance()
		return true
	}

	if m.core.Execute(m.scheduler) {
		m.scheduler.Advance()
	} else {
		m.scheduler.Idle()
	}

	return true
}

// Run steps the machine until ctx is done or the machine is terminated.
// Run returns nil on termination and the context error otherwise.
func (m *Machine) Run(ctx context.Context) error {
	return m.run(ctx, func(timing.Cycles) bool { return false })
}

// RunFor steps the machine until cycles of virtual time have passed. When
// the machine is monitored, progress is shown as a progress bar.
func (m *Machine) RunFor(ctx context.Context, cycles timing.Cycles) error {
	var start timing.Cycles

	m.Inspect(func(s *timing.Scheduler) {
		start = s.Ticks()
	})

	target := start + cycles

	if m.monitor != nil && cycles > 0 {
		bar := m.monitor.CreateProgressBar(
			fmt.Sprintf("Run %d cycles", cycles), uint64(cycles))
		defer m.monitor.CompleteProgressBar(bar)

		reported := start

		return m.run(ctx, func(now timing.Cycles) bool {
			if now > reported {
				bar.IncrementFinished(uint64(min(now, target) - reported))
				reported = min(now, target)
			}

			return now >= target
		})
	}

	return m.run(ctx, func(now timing.Cycles) bool {
		return now >= target
	})
}

func (m *Machine) run(
	ctx context.Context,
	done func(now timing.Cycles) bool,
) error {
	for {
		resumed, err := m.pauser.wait(ctx)
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		m.acquire()

		if resumed {
			m.throttle.ResetThrottle(m.scheduler.Ticks())
		}

		alive := m.step()
		now := m.scheduler.Ticks()

		m.release()

		if !alive || done(now) {
			return nil
		}
	}
}

// ClockRate returns the current emulated clock rate in Hz.
func (m *Machine) ClockRate() uint32 {
	m.acquire()
	defer m.release()

	return m.clockRate
}

// SetClockRate changes the emulated clock rate. Pending events keep their
// distance in wall-clock time.
func (m *Machine) SetClockRate(rate uint32) {
	m.acquire()
	defer m.release()

	m.scheduler.AdjustEventQueueTimes(rate, m.clockRate)
	m.throttle.SetClockRate(rate, m.scheduler.Ticks())
	m.clockRate = rate
}

// SetSpeed changes the emulation speed. 0 runs unthrottled.
func (m *Machine) SetSpeed(speed float64) {
	m.acquire()
	defer m.release()

	m.throttle.SetSpeed(speed, m.scheduler.Ticks())
}

// SaveState captures the scheduler.
func (m *Machine) SaveState() *timing.Snapshot {
	m.acquire()
	defer m.release()

	return m.scheduler.SaveState()
}

// LoadState restores the scheduler from snap.
func (m *Machine) LoadState(snap *timing.Snapshot) error {
	m.acquire()
	defer m.release()

	return m.scheduler.LoadState(snap)
}

// SaveStateToFile writes a save-state to path. The codec is chosen by the
// file extension.
func (m *Machine) SaveStateToFile(path string) error {
	snap := m.SaveState()

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	err = serialization.Encode(f, serialization.CodecForPath(path), snap)
	if err != nil {
		f.Close()
		return fmt.Errorf("saving state to %s: %w", path, err)
	}

	return f.Close()
}

// LoadStateFromFile restores a save-state written by SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	snap, err := serialization.Decode(f, serialization.CodecForPath(path))
	if err != nil {
		return fmt.Errorf("loading state from %s: %w", path, err)
	}

	return m.LoadState(snap)
}

// Terminate shuts the scheduler down, stops the monitor and closes the
// recorder. A paused run loop is released and returns.
func (m *Machine) Terminate() {
	m.terminate.Do(func() {
		m.acquire()
		m.scheduler.Shutdown()
		m.release()

		m.pauser.resume()

		if m.monitor != nil {
			err := m.monitor.Close()
			if err != nil {
				m.logger.Printf("closing monitor: %v", err)
			}
		}

		if m.recorder != nil {
			err := m.recorder.Close()
			if err != nil {
				m.logger.Printf("closing recorder: %v", err)
			}
		}
	})
}
