package simulation

import (
	"github.com/sarchlab/coretiming/sim/timing"
)

// An ExecutionCore runs emulated instructions. Execute runs at most
// s.Downcount() cycles, reports them with s.ConsumeCycles and returns false
// when the core has nothing to run until the next event.
type ExecutionCore interface {
	timing.ExceptionChecker
	Execute(s *timing.Scheduler) bool
}

// SpinCore is an ExecutionCore that burns every cycle it is given in chunks
// of Step cycles.
type SpinCore struct {
	Step timing.Cycles

	// HaltAfter makes the core go idle once this many cycles have been
	// executed. Zero never halts.
	HaltAfter timing.Cycles

	executed   timing.Cycles
	exceptions uint64
}

// Execute consumes the current slice.
func (c *SpinCore) Execute(s *timing.Scheduler) bool {
	if c.HaltAfter > 0 && c.executed >= c.HaltAfter {
		return false
	}

	step := c.Step
	if step <= 0 {
		step = 1
	}

	for s.Downcount() > 0 {
		n := step
		if n > s.Downcount() {
			n = s.Downcount()
		}

		s.ConsumeCycles(n)
		c.executed += n
	}

	return true
}

// CheckExceptions counts the exception checks.
func (c *SpinCore) CheckExceptions() {
	c.exceptions++
}

// Executed returns the number of cycles run so far.
func (c *SpinCore) Executed() timing.Cycles {
	return c.executed
}

// ExceptionChecks returns how many times exceptions were checked.
func (c *SpinCore) ExceptionChecks() uint64 {
	return c.exceptions
}
