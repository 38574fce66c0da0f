// Package throttle paces virtual time to wall-clock time.
package throttle

import (
	"log"
	"sync"
	"time"

	"github.com/sarchlab/coretiming/sim/timing"
)

// WallClock is the source of real time. It is replaced in tests.
type WallClock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// SystemClock is the WallClock backed by the time package.
var SystemClock WallClock = systemClock{}

// Config sets how virtual time maps to wall-clock time.
type Config struct {
	// ClockRate is the emulated clock frequency in Hz.
	ClockRate uint32

	// Speed is the target speed relative to real hardware. 1 is full speed,
	// 0 disables throttling.
	Speed float64

	// MinSleep is the smallest shortfall worth sleeping for. OS timers are
	// coarse; sleeping less than this tends to oversleep.
	MinSleep time.Duration

	// MaxFallback is how far emulation may lag before the throttle gives up
	// catching up and re-anchors.
	MaxFallback time.Duration

	// SuppressPacingInterrupt lets collaborators skip a frame-pacing
	// interrupt while emulation is behind.
	SuppressPacingInterrupt bool
}

// DefaultConfig returns full-speed pacing for a clock running at rate Hz.
func DefaultConfig(rate uint32) Config {
	return Config{
		ClockRate:   rate,
		Speed:       1,
		MinSleep:    time.Millisecond,
		MaxFallback: 100 * time.Millisecond,
	}
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithWallClock replaces the real-time source.
func WithWallClock(c WallClock) Option {
	return func(t *Throttle) {
		t.clock = c
	}
}

// WithLogger sets where re-anchoring is reported.
func WithLogger(l *log.Logger) Option {
	return func(t *Throttle) {
		t.logger = l
	}
}

// A Throttle sleeps so that virtual time does not run ahead of wall-clock
// time. It implements timing.Pacer.
type Throttle struct {
	lock   sync.Mutex
	cfg    Config
	clock  WallClock
	logger *log.Logger

	anchorCycle timing.Cycles
	anchorTime  time.Time
	behind      time.Duration
	slept       time.Duration
}

var _ timing.Pacer = (*Throttle)(nil)

// New creates a Throttle anchored at cycle 0 and the current time.
func New(cfg Config, opts ...Option) *Throttle {
	if cfg.ClockRate == 0 {
		log.Panic("throttle: clock rate must not be zero")
	}

	if cfg.Speed < 0 {
		log.Panicf("throttle: negative speed %f", cfg.Speed)
	}

	t := &Throttle{
		cfg:    cfg,
		clock:  SystemClock,
		logger: log.Default(),
	}

	for _, o := range opts {
		o(t)
	}

	t.anchorTime = t.clock.Now()

	return t
}

// Config returns the current configuration.
func (t *Throttle) Config() Config {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.cfg
}

// ResetThrottle re-anchors the throttle at cycle and the current time, so
// that a pause or a rate change does not cause a burst of catch-up sleep.
func (t *Throttle) ResetThrottle(cycle timing.Cycles) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.reset(cycle)
}

func (t *Throttle) reset(cycle timing.Cycles) {
	t.anchorCycle = cycle
	t.anchorTime = t.clock.Now()
	t.behind = 0
}

// Throttle sleeps until the wall-clock time targetCycle corresponds to.
func (t *Throttle) Throttle(targetCycle timing.Cycles) {
	t.lock.Lock()

	if t.cfg.Speed == 0 {
		t.behind = 0
		t.lock.Unlock()

		return
	}

	now := t.clock.Now()
	shortfall := t.anchorTime.Add(t.wallTime(targetCycle - t.anchorCycle)).
		Sub(now)

	if -shortfall > t.cfg.MaxFallback {
		t.logger.Printf("throttle: %v behind at cycle %d, re-anchoring",
			-shortfall, targetCycle)
		t.anchorCycle = targetCycle
		t.anchorTime = now
		t.behind = -shortfall
		t.lock.Unlock()

		return
	}

	if shortfall < 0 {
		t.behind = -shortfall
	} else {
		t.behind = 0
	}

	if shortfall <= 0 || shortfall < t.cfg.MinSleep {
		t.lock.Unlock()
		return
	}

	t.slept += shortfall
	t.lock.Unlock()

	t.clock.Sleep(shortfall)
}

// wallTime converts a cycle count into the wall-clock time it takes at the
// configured speed.
func (t *Throttle) wallTime(cycles timing.Cycles) time.Duration {
	ns := float64(cycles) * float64(time.Second) /
		(float64(t.cfg.ClockRate) * t.cfg.Speed)

	return time.Duration(ns)
}

// SetSpeed changes the speed multiplier. The throttle is re-anchored at
// cycle.
func (t *Throttle) SetSpeed(speed float64, cycle timing.Cycles) {
	if speed < 0 {
		log.Panicf("throttle: negative speed %f", speed)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.cfg.Speed = speed
	t.reset(cycle)
}

// SetClockRate changes the emulated clock frequency. cycle must already be
// expressed at the new rate.
func (t *Throttle) SetClockRate(rate uint32, cycle timing.Cycles) {
	if rate == 0 {
		log.Panic("throttle: clock rate must not be zero")
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.cfg.ClockRate = rate
	t.reset(cycle)
}

// Behind returns how far emulation lagged at the last Throttle call.
func (t *Throttle) Behind() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.behind
}

// Slept returns the total time spent sleeping.
func (t *Throttle) Slept() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.slept
}

// PacingInterruptSuppressed tells if a frame-pacing interrupt may be skipped
// because emulation is behind.
func (t *Throttle) PacingInterruptSuppressed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.cfg.SuppressPacingInterrupt && t.behind > 0
}
