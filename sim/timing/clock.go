package timing

// FakeCounters anchor the emulated decrementer and timebase registers to
// virtual time, so that a register read after a save-state load continues
// from the value it had when the state was taken.
type FakeCounters struct {
	DecStartValue uint32 `json:"dec_start_value"`
	DecStartTicks Cycles `json:"dec_start_ticks"`
	TBStartValue  uint64 `json:"tb_start_value"`
	TBStartTicks  Cycles `json:"tb_start_ticks"`
}

// VirtualClock is the scheduler's notion of time.
type VirtualClock struct {
	// GlobalTimer is the virtual time at the start of the current slice.
	GlobalTimer Cycles `json:"global_timer"`

	// SliceLength is the number of cycles the current slice was granted.
	SliceLength Cycles `json:"slice_length"`

	// Slice is the index of the current slice; -1 before the first Advance.
	Slice int64 `json:"slice"`

	// IdledCycles accumulates cycles skipped by Idle.
	IdledCycles Cycles `json:"idled_cycles"`

	Fake FakeCounters `json:"fake"`
}

func newVirtualClock(sliceLength Cycles) VirtualClock {
	return VirtualClock{
		SliceLength: sliceLength,
		Slice:       -1,
	}
}

// FakeCounters returns the decrementer and timebase anchors.
func (s *Scheduler) FakeCounters() FakeCounters {
	return s.clock.Fake
}

// SetFakeDecStart anchors the decrementer to value at the current tick.
func (s *Scheduler) SetFakeDecStart(value uint32) {
	s.clock.Fake.DecStartValue = value
	s.clock.Fake.DecStartTicks = s.Ticks()
}

// SetFakeTBStart anchors the timebase to value at the current tick.
func (s *Scheduler) SetFakeTBStart(value uint64) {
	s.clock.Fake.TBStartValue = value
	s.clock.Fake.TBStartTicks = s.Ticks()
}

// Clock returns a copy of the virtual clock.
func (s *Scheduler) Clock() VirtualClock {
	return s.clock
}
