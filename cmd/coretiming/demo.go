package main

import (
	"github.com/sarchlab/coretiming/simulation"
	"github.com/sarchlab/coretiming/sim/timing"
)

// demoDevices are the periodic devices of the demo machine: a video
// interface raising a field interrupt 60 times a second and an audio DMA
// draining a 32-sample buffer at 32 kHz.
type demoDevices struct {
	machine *simulation.Machine

	vi       *timing.EventType
	audioDMA *timing.EventType

	viPeriod  timing.Cycles
	dmaPeriod timing.Cycles

	fields        uint64
	skippedFields uint64
	dmaTransfers  uint64
}

func newDemoDevices(m *simulation.Machine) *demoDevices {
	d := &demoDevices{machine: m}
	d.updatePeriods(m.ClockRate())

	s := m.Scheduler()

	d.vi = m.RegisterEventType("VI", func(_ uint64, late timing.Cycles) {
		if m.Throttle().PacingInterruptSuppressed() {
			d.skippedFields++
		} else {
			d.fields++
		}

		s.Schedule(d.viPeriod-late, d.vi, 0, timing.FromOwner)
	})

	d.audioDMA = m.RegisterEventType("AudioDMA",
		func(payload uint64, late timing.Cycles) {
			d.dmaTransfers++
			s.Schedule(d.dmaPeriod-late, d.audioDMA, payload+32,
				timing.FromOwner)
		})

	return d
}

func (d *demoDevices) updatePeriods(rate uint32) {
	d.viPeriod = timing.Cycles(rate / 60)
	d.dmaPeriod = timing.Cycles(rate / 1000)
}

// start schedules the first interrupts unless a save-state already has them
// pending.
func (d *demoDevices) start() {
	d.machine.Inspect(func(s *timing.Scheduler) {
		if s.NumPending() > 0 {
			return
		}

		s.Schedule(d.viPeriod, d.vi, 0, timing.FromOwner)
		s.Schedule(d.dmaPeriod, d.audioDMA, 0, timing.FromOwner)
	})
}
