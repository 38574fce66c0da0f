package timing

import (
	"bytes"
	"fmt"
	"io"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// replayMachine registers the same event types on a fresh registry and
// records every firing as text.
type replayMachine struct {
	registry *Registry
	sched    *Scheduler
	trace    []string
	periodic *EventType
	oneShot  *EventType
}

func newReplayMachine() *replayMachine {
	m := &replayMachine{}
	m.registry = NewRegistry(log.New(io.Discard, "", 0))
	m.sched = NewScheduler(m.registry, WithMaxSliceLength(300))

	m.periodic = m.registry.Register("Periodic", func(p uint64, late Cycles) {
		m.trace = append(m.trace,
			fmt.Sprintf("%d periodic %d late %d", m.sched.Ticks(), p, late))
		m.sched.Schedule(170-late, m.periodic, p+1, FromOwner)

		if p%3 == 0 {
			m.sched.Schedule(55, m.oneShot, p, FromOwner)
		}
	})

	m.oneShot = m.registry.Register("OneShot", func(p uint64, late Cycles) {
		m.trace = append(m.trace,
			fmt.Sprintf("%d oneshot %d late %d", m.sched.Ticks(), p, late))
	})

	return m
}

// run executes n slices, consuming an uneven number of cycles each time.
func (m *replayMachine) run(n int) {
	for i := 0; i < n; i++ {
		executed := m.sched.Downcount()
		if i%4 == 1 {
			executed += 3
		}

		m.sched.ConsumeCycles(executed)
		m.sched.Advance()
	}
}

var _ = Describe("Save state", func() {
	var m *replayMachine

	BeforeEach(func() {
		m = newReplayMachine()
		m.sched.Advance()
		m.sched.Schedule(100, m.periodic, 0, FromOwner)
		m.sched.Schedule(40, m.oneShot, 99, FromOwner)
		m.run(7)
	})

	It("should round trip through clear and load", func() {
		snap := m.sched.SaveState()
		Expect(snap.Events).NotTo(BeEmpty())

		m.sched.ClearPendingEvents()
		Expect(m.sched.NumPending()).To(Equal(0))

		Expect(m.sched.LoadState(snap)).To(Succeed())
		Expect(m.sched.SaveState()).To(Equal(snap))
	})

	It("should list events in firing order", func() {
		snap := m.sched.SaveState()

		for i := 1; i < len(snap.Events); i++ {
			prev, cur := snap.Events[i-1], snap.Events[i]
			Expect(prev.Time < cur.Time ||
				prev.Time == cur.Time && prev.Sequence < cur.Sequence).
				To(BeTrue())
		}
	})

	It("should replay identically on another scheduler", func() {
		snap := m.sched.SaveState()

		other := newReplayMachine()
		Expect(other.sched.LoadState(snap)).To(Succeed())
		Expect(other.sched.State()).To(Equal(StateRunning))
		Expect(other.sched.Ticks()).To(Equal(m.sched.Ticks()))
		Expect(other.sched.Downcount()).To(Equal(m.sched.Downcount()))

		m.trace = nil
		m.run(25)
		other.run(25)

		Expect(m.trace).NotTo(BeEmpty())
		Expect(other.trace).To(Equal(m.trace))
		Expect(other.sched.SaveState()).To(Equal(m.sched.SaveState()))
	})

	It("should include undrained cross-thread requests", func() {
		m.sched.Schedule(10, m.oneShot, 1234, FromNonOwner)

		snap := m.sched.SaveState()

		payloads := []uint64{}
		for _, e := range snap.Events {
			payloads = append(payloads, e.Payload)
		}
		Expect(payloads).To(ContainElement(uint64(1234)))
		Expect(m.sched.Stats().Queued).To(Equal(0))
	})

	It("should reject unknown names without changing anything", func() {
		buf := &bytes.Buffer{}
		m.sched.logger = log.New(buf, "", 0)
		before := m.sched.SaveState()

		snap := m.sched.SaveState()
		snap.Events = append(snap.Events, SnapshotEvent{
			Time:     snap.Clock.GlobalTimer + 5,
			Sequence: snap.NextSequence,
			TypeName: "Ghost",
		})
		snap.Clock.GlobalTimer += 1000

		err := m.sched.LoadState(snap)

		Expect(err).To(MatchError(ErrUnknownEventType))
		Expect(err.Error()).To(ContainSubstring("Ghost"))
		Expect(m.sched.SaveState()).To(Equal(before))
		Expect(buf.String()).To(ContainSubstring("save-state load failed"))
	})

	It("should reject duplicated entries", func() {
		snap := m.sched.SaveState()
		snap.Events = append(snap.Events, snap.Events[0])

		Expect(m.sched.LoadState(snap)).To(MatchError(ErrCorruptSnapshot))
	})

	It("should reject a downcount beyond the slice", func() {
		snap := m.sched.SaveState()
		snap.Downcount = snap.Clock.SliceLength + 1

		Expect(m.sched.LoadState(snap)).To(MatchError(ErrCorruptSnapshot))
	})

	It("should reject a nil snapshot", func() {
		Expect(m.sched.LoadState(nil)).To(MatchError(ErrCorruptSnapshot))
	})

	It("should keep sequence numbers unique after a load", func() {
		snap := m.sched.SaveState()
		snap.NextSequence = 0

		Expect(m.sched.LoadState(snap)).To(Succeed())
		m.sched.Schedule(1, m.oneShot, 0, FromOwner)

		seen := map[uint64]bool{}
		for _, info := range m.sched.PendingSummary() {
			Expect(seen[info.Sequence]).To(BeFalse())
			seen[info.Sequence] = true
		}
	})

	It("should restore an uninitialized scheduler", func() {
		fresh := newReplayMachine()
		fresh.sched.Schedule(100, fresh.periodic, 0, FromOwner)
		snap := fresh.sched.SaveState()

		Expect(m.sched.LoadState(snap)).To(Succeed())

		Expect(m.sched.State()).To(Equal(StateUninitialized))
		Expect(m.sched.Ticks()).To(Equal(Cycles(0)))
		Expect(m.sched.PendingSummary()).To(HaveLen(1))
	})

	It("should refuse to save from inside a callback", func() {
		saver := m.registry.Register("Saver", func(uint64, Cycles) {
			m.sched.SaveState()
		})
		m.sched.Schedule(0, saver, 0, FromOwner)

		Expect(func() { m.sched.Advance() }).To(Panic())
	})
})
