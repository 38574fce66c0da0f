package timing

import (
	"log"
	"math"
	"math/bits"
)

// Cycles counts emulated clock cycles. Virtual time is measured in Cycles
// since the machine was initialized.
type Cycles = int64

// DefaultMaxSliceLength is the longest slice the execution core may run
// before checking in with the scheduler.
const DefaultMaxSliceLength Cycles = 20000

// FromThread tells Schedule which goroutine the request is issued from.
type FromThread int

const (
	// FromOwner marks a call on the goroutine that owns the virtual clock.
	FromOwner FromThread = iota

	// FromNonOwner marks a call from any other goroutine, such as an I/O
	// worker posting a completion.
	FromNonOwner
)

func (f FromThread) String() string {
	switch f {
	case FromOwner:
		return "Owner"
	case FromNonOwner:
		return "NonOwner"
	default:
		return "Unknown"
	}
}

// scaleCycles returns v*num/den rounded toward zero without intermediate
// overflow.
func scaleCycles(v Cycles, num, den uint32) Cycles {
	if den == 0 {
		log.Panic("timing: scaling by a zero clock rate")
	}

	neg := v < 0
	mag := uint64(v)
	if neg {
		mag = uint64(-v)
	}

	hi, lo := bits.Mul64(mag, uint64(num))
	if hi >= uint64(den) {
		log.Panicf("timing: overflow scaling %d by %d/%d", v, num, den)
	}

	q, _ := bits.Div64(hi, lo, uint64(den))
	if q > math.MaxInt64 {
		log.Panicf("timing: overflow scaling %d by %d/%d", v, num, den)
	}

	if neg {
		return -Cycles(q)
	}

	return Cycles(q)
}
