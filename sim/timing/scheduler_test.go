package timing

import (
	"bytes"
	"io"
	"log"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/coretiming/sim/hooking"
	"go.uber.org/mock/gomock"
)

type firing struct {
	name    string
	payload uint64
	late    Cycles
	now     Cycles
}

var _ = Describe("Scheduler", func() {
	var (
		registry *Registry
		s        *Scheduler
		fired    []firing
		record   func(name string) Callback
	)

	BeforeEach(func() {
		registry = NewRegistry(log.New(io.Discard, "", 0))
		s = NewScheduler(registry, WithLogger(log.New(io.Discard, "", 0)))
		fired = nil
		record = func(name string) Callback {
			return func(payload uint64, late Cycles) {
				fired = append(fired, firing{
					name:    name,
					payload: payload,
					late:    late,
					now:     s.Ticks(),
				})
			}
		}
	})

	It("should start in slice -1", func() {
		Expect(s.State()).To(Equal(StateUninitialized))
		Expect(s.Clock().Slice).To(Equal(int64(-1)))
		Expect(s.Ticks()).To(Equal(Cycles(0)))
	})

	It("should move through the lifecycle", func() {
		s.Advance()
		Expect(s.State()).To(Equal(StateInitialized))
		Expect(s.Clock().Slice).To(Equal(int64(0)))

		s.Advance()
		Expect(s.State()).To(Equal(StateRunning))

		s.Shutdown()
		Expect(s.State()).To(Equal(StateShuttingDown))
		Expect(func() { s.Advance() }).To(Panic())
		Expect(func() { s.Idle() }).To(Panic())
	})

	It("should fire a tick after exactly the scheduled cycles", func() {
		counter := 0
		var lateness Cycles = -1
		tick := registry.Register("Tick", func(_ uint64, late Cycles) {
			counter++
			lateness = late
		})

		s.Advance()
		s.Schedule(100, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(100)))

		s.ConsumeCycles(99)
		s.Advance()
		Expect(counter).To(Equal(0))
		Expect(s.Downcount()).To(Equal(Cycles(1)))

		s.ConsumeCycles(1)
		s.Advance()
		Expect(counter).To(Equal(1))
		Expect(lateness).To(Equal(Cycles(0)))
		Expect(s.Ticks()).To(Equal(Cycles(100)))
	})

	It("should accept events scheduled before the first advance", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Schedule(100, tick, 0, FromOwner)

		s.Advance()
		Expect(s.Downcount()).To(Equal(Cycles(100)))

		s.ConsumeCycles(100)
		s.Advance()
		Expect(fired).To(HaveLen(1))
	})

	It("should report the lateness of overshooting cores", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		s.Schedule(100, tick, 5, FromOwner)

		s.ConsumeCycles(130)
		s.Advance()

		Expect(fired).To(Equal([]firing{
			{name: "Tick", payload: 5, late: 30, now: 130},
		}))
	})

	It("should fire each event exactly once", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()

		for _, c := range []Cycles{0, 1, 7, 40, 40, 300} {
			s.Schedule(c, tick, uint64(c), FromOwner)
		}

		for i := 0; i < 10; i++ {
			s.ConsumeCycles(s.Downcount())
			s.Advance()
		}

		Expect(fired).To(HaveLen(6))
		for _, f := range fired {
			Expect(f.late).To(Equal(Cycles(0)))
			Expect(f.now).To(Equal(Cycles(f.payload)))
		}
	})

	It("should order by time and keep call order among equal times", func() {
		a := registry.Register("A", record("A"))
		b := registry.Register("B", record("B"))
		s.Advance()

		s.Schedule(50, a, 1, FromOwner)
		s.Schedule(10, b, 2, FromOwner)
		s.Schedule(50, b, 3, FromOwner)
		s.Schedule(10, a, 4, FromOwner)

		s.Idle()
		s.Idle()

		payloads := []uint64{}
		for _, f := range fired {
			payloads = append(payloads, f.payload)
		}
		Expect(payloads).To(Equal([]uint64{2, 4, 1, 3}))
	})

	It("should shrink the downcount only for an earlier event", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()

		s.Schedule(500, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(500)))

		s.ConsumeCycles(100)
		s.Schedule(1000, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(400)))

		s.Schedule(50, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(50)))
		Expect(s.Ticks()).To(Equal(Cycles(100)))
	})

	It("should fire events scheduled in the past with positive lateness", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		s.ConsumeCycles(30)

		s.Schedule(-10, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(0)))

		s.Advance()
		Expect(fired).To(Equal([]firing{
			{name: "Tick", late: 10, now: 30},
		}))
	})

	It("should let callbacks re-arm themselves", func() {
		var periodic *EventType
		count := 0
		periodic = registry.Register("Periodic", func(p uint64, late Cycles) {
			count++
			s.Schedule(100-late, periodic, p+1, FromOwner)
		})

		s.Advance()
		s.Schedule(100, periodic, 0, FromOwner)

		for i := 0; i < 5; i++ {
			s.Idle()
		}

		Expect(count).To(Equal(5))
		Expect(s.Ticks()).To(Equal(Cycles(500)))
		Expect(s.IdleTicks()).To(Equal(Cycles(500)))
		Expect(s.PendingSummary()).To(Equal([]PendingInfo{
			{Time: 600, Sequence: 5, Payload: 5, TypeName: "Periodic"},
		}))
	})

	It("should cap the slice at the max slice length", func() {
		s = NewScheduler(registry, WithMaxSliceLength(1000))
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		Expect(s.Downcount()).To(Equal(Cycles(1000)))

		s.Schedule(5000, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(1000)))

		s.Idle()
		Expect(s.Ticks()).To(Equal(Cycles(1000)))
		Expect(s.Downcount()).To(Equal(Cycles(1000)))
	})

	It("should defer cross-thread requests to the next drain", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		s.Schedule(1000, tick, 0, FromOwner)
		Expect(s.Downcount()).To(Equal(Cycles(1000)))

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Schedule(50, tick, 7, FromNonOwner)
		}()
		<-done

		Expect(s.Downcount()).To(Equal(Cycles(1000)))
		Expect(s.NumPending()).To(Equal(1))
		Expect(s.Stats().Queued).To(Equal(1))

		s.ConsumeCycles(10)
		s.Advance()

		Expect(s.NumPending()).To(Equal(2))
		Expect(s.Downcount()).To(Equal(Cycles(40)))

		s.ConsumeCycles(40)
		s.Advance()
		Expect(fired).To(Equal([]firing{
			{name: "Tick", payload: 7, late: 0, now: 50},
		}))
	})

	It("should drain every concurrent submission exactly once", func() {
		tick := registry.Register("Tick", record("Tick"))
		const producers = 8
		const perProducer = 500

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					payload := uint64(p*perProducer + i)
					s.Schedule(1_000_000, tick, payload, FromNonOwner)
				}
			}(p)
		}
		wg.Wait()

		s.Advance()

		Expect(s.NumPending()).To(Equal(producers * perProducer))

		seen := make(map[uint64]bool)
		for _, info := range s.PendingSummary() {
			Expect(seen[info.Payload]).To(BeFalse())
			seen[info.Payload] = true
		}
		Expect(seen).To(HaveLen(producers * perProducer))
	})

	It("should drop cross-thread requests after shutdown", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		s.Shutdown()

		s.Schedule(10, tick, 0, FromNonOwner)

		Expect(s.Stats().Queued).To(Equal(0))
	})

	It("should panic on unregistered types", func() {
		other := NewRegistry(log.New(io.Discard, "", 0))
		foreign := other.Register("Tick", record("Tick"))

		Expect(func() { s.Schedule(1, foreign, 0, FromOwner) }).To(Panic())
		Expect(func() { s.Schedule(1, foreign, 0, FromNonOwner) }).To(Panic())
		Expect(func() { s.Schedule(1, nil, 0, FromOwner) }).To(Panic())

		tick := registry.Register("Tick", record("Tick"))
		s.UnregisterAllEventTypes()
		Expect(func() { s.Schedule(1, tick, 0, FromOwner) }).To(Panic())
	})

	It("should refuse to unregister types with pending events", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Schedule(10, tick, 0, FromOwner)

		Expect(func() { s.UnregisterAllEventTypes() }).To(Panic())

		s.ClearPendingEvents()
		s.UnregisterAllEventTypes()
		Expect(registry.Len()).To(Equal(0))
	})

	It("should panic when advance is reentered", func() {
		var reenter *EventType
		reenter = registry.Register("Reenter", func(uint64, Cycles) {
			s.Advance()
		})

		s.Advance()
		s.Schedule(0, reenter, 0, FromOwner)

		Expect(func() { s.Advance() }).To(Panic())
	})

	It("should let callback panics propagate", func() {
		boom := registry.Register("Boom", func(uint64, Cycles) {
			panic("boom")
		})
		s.Advance()
		s.Schedule(0, boom, 0, FromOwner)

		Expect(func() { s.Advance() }).To(PanicWith("boom"))
	})

	It("should keep cycles the core ran past its slice when idling", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		s.Schedule(100, tick, 0, FromOwner)
		s.ConsumeCycles(130)

		s.Idle()

		Expect(s.IdleTicks()).To(Equal(Cycles(0)))
		Expect(s.Clock().GlobalTimer).To(Equal(Cycles(130)))
		Expect(fired).To(HaveLen(1))
		Expect(fired[0].late).To(Equal(Cycles(30)))
	})

	Describe("owner check", func() {
		var (
			owned bool
			tick  *EventType
		)

		BeforeEach(func() {
			owned = true
			s = NewScheduler(registry,
				WithLogger(log.New(io.Discard, "", 0)),
				WithOwnerCheck(func() bool { return owned }))
			tick = registry.Register("Tick", record("Tick"))
			s.Advance()
		})

		It("should allow owner-only calls while owned", func() {
			s.Schedule(10, tick, 0, FromOwner)
			s.ConsumeCycles(s.Downcount())
			s.Advance()

			Expect(fired).To(HaveLen(1))
		})

		It("should panic on owner-only calls when not owned", func() {
			owned = false

			Expect(func() { s.Schedule(10, tick, 0, FromOwner) }).
				To(PanicWith(ContainSubstring("Schedule called off the owning")))
			Expect(func() { s.Advance() }).To(Panic())
			Expect(func() { s.Idle() }).To(Panic())
			Expect(func() { s.Remove(tick) }).To(Panic())
			Expect(func() { s.RemoveAll(tick) }).To(Panic())
			Expect(func() { s.SaveState() }).To(Panic())
			Expect(func() { s.AdjustEventQueueTimes(2, 1) }).To(Panic())
			Expect(s.NumPending()).To(Equal(0))
		})

		It("should accept requests from other goroutines when not owned", func() {
			owned = false
			s.Schedule(10, tick, 7, FromNonOwner)

			owned = true
			s.ConsumeCycles(10)
			s.Advance()

			Expect(fired).To(ConsistOf(firing{
				name: "Tick", payload: 7, now: 10,
			}))
		})

		It("should leave the scheduler usable after a rejected call", func() {
			owned = false
			Expect(func() { s.Advance() }).To(Panic())

			owned = true
			Expect(func() { s.Advance() }).NotTo(Panic())
		})
	})

	Describe("removal", func() {
		var a, b *EventType

		BeforeEach(func() {
			a = registry.Register("A", record("A"))
			b = registry.Register("B", record("B"))
			s.Advance()
		})

		It("should remove every event of a type", func() {
			s.Schedule(10, a, 1, FromOwner)
			s.Schedule(20, b, 2, FromOwner)
			s.Schedule(30, a, 3, FromOwner)
			s.Schedule(5, b, 4, FromOwner)

			s.Remove(a)

			Expect(s.PendingSummary()).To(Equal([]PendingInfo{
				{Time: 5, Sequence: 3, Payload: 4, TypeName: "B"},
				{Time: 20, Sequence: 1, Payload: 2, TypeName: "B"},
			}))
		})

		It("should be idempotent", func() {
			s.Schedule(10, a, 1, FromOwner)
			s.Schedule(20, b, 2, FromOwner)
			s.Schedule(30, a, 3, FromOwner)

			s.RemoveAll(a)
			once := s.PendingSummary()
			s.RemoveAll(a)

			Expect(s.PendingSummary()).To(Equal(once))
			Expect(once).To(HaveLen(1))
		})

		It("should treat removing an absent type as a no-op", func() {
			s.Schedule(10, b, 1, FromOwner)

			s.Remove(a)
			s.RemoveAll(a)

			Expect(s.NumPending()).To(Equal(1))
		})

		It("should retract undrained cross-thread requests", func() {
			s.Schedule(10, a, 1, FromNonOwner)
			s.Schedule(10, b, 2, FromNonOwner)

			s.RemoveAll(a)

			Expect(s.Stats().Queued).To(Equal(0))
			Expect(s.PendingSummary()).To(HaveLen(1))
			Expect(s.PendingSummary()[0].TypeName).To(Equal("B"))
		})
	})

	Describe("clock rate changes", func() {
		It("should scale the clock and every pending time", func() {
			tick := registry.Register("Tick", record("Tick"))
			s.Advance()
			s.Schedule(100, tick, 1, FromOwner)
			s.Schedule(250, tick, 2, FromOwner)
			s.ConsumeCycles(40)
			s.Advance()

			s.AdjustEventQueueTimes(2, 1)

			Expect(s.Clock().GlobalTimer).To(Equal(Cycles(80)))
			Expect(s.Downcount()).To(Equal(Cycles(120)))
			summary := s.PendingSummary()
			Expect(summary[0].Time).To(Equal(Cycles(200)))
			Expect(summary[1].Time).To(Equal(Cycles(500)))
		})

		It("should keep the order of events", func() {
			tick := registry.Register("Tick", record("Tick"))
			s.Advance()
			for i := 0; i < 20; i++ {
				s.Schedule(Cycles(i%5)*7, tick, uint64(i), FromOwner)
			}
			before := s.PendingSummary()

			s.AdjustEventQueueTimes(3, 7)

			after := s.PendingSummary()
			for i := range before {
				Expect(after[i].Payload).To(Equal(before[i].Payload))
			}
		})

		It("should fire events that collide after slowing down in sequence order", func() {
			a := registry.Register("A", record("A"))
			b := registry.Register("B", record("B"))
			s.Advance()
			s.Schedule(11, a, 0, FromOwner)
			s.Schedule(10, b, 0, FromOwner)

			s.AdjustEventQueueTimes(1, 2)
			snap := s.SaveState()
			s.Idle()
			live := fired

			s = NewScheduler(registry, WithLogger(log.New(io.Discard, "", 0)))
			fired = nil
			Expect(s.LoadState(snap)).To(Succeed())
			s.Idle()

			Expect(live).To(HaveLen(2))
			Expect(live[0].name).To(Equal("A"))
			Expect(live[1].name).To(Equal("B"))
			Expect(fired).To(Equal(live))
		})

		It("should ignore a change to the same rate", func() {
			tick := registry.Register("Tick", record("Tick"))
			s.Advance()
			s.Schedule(100, tick, 1, FromOwner)

			s.AdjustEventQueueTimes(5, 5)

			Expect(s.PendingSummary()[0].Time).To(Equal(Cycles(100)))
		})

		It("should panic on a zero rate", func() {
			Expect(func() { s.AdjustEventQueueTimes(0, 1) }).To(Panic())
		})
	})

	Describe("collaborators", func() {
		var (
			mockCtrl *gomock.Controller
			checker  *MockExceptionChecker
			pacer    *MockPacer
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			checker = NewMockExceptionChecker(mockCtrl)
			pacer = NewMockPacer(mockCtrl)
			s = NewScheduler(registry,
				WithExceptionChecker(checker),
				WithPacer(pacer))
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should throttle and check exceptions after each advance", func() {
			tick := registry.Register("Tick", record("Tick"))

			first := pacer.EXPECT().Throttle(Cycles(0))
			checker.EXPECT().CheckExceptions().After(first)
			s.Advance()

			s.Schedule(100, tick, 0, FromOwner)
			s.ConsumeCycles(100)

			second := pacer.EXPECT().Throttle(Cycles(100))
			checker.EXPECT().CheckExceptions().After(second).Do(func() {
				Expect(fired).To(HaveLen(1))
			})
			s.Advance()
		})

		It("should reset the pacer on a clock rate change", func() {
			pacer.EXPECT().Throttle(gomock.Any()).AnyTimes()
			checker.EXPECT().CheckExceptions().AnyTimes()
			s.Advance()
			s.ConsumeCycles(10)
			s.Advance()

			pacer.EXPECT().ResetThrottle(Cycles(20))
			s.AdjustEventQueueTimes(2, 1)
		})
	})

	Describe("hooks", func() {
		It("should invoke hooks around each event", func() {
			tick := registry.Register("Tick", record("Tick"))
			var positions []string
			var items []FiredEvent
			s.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				positions = append(positions, ctx.Pos.Name)
				if evt, ok := ctx.Item.(FiredEvent); ok {
					items = append(items, evt)
				}
			}))

			s.Advance()
			s.Schedule(10, tick, 3, FromNonOwner)
			s.Advance()
			s.Idle()

			Expect(positions).To(Equal(
				[]string{"Drain", "BeforeEvent", "AfterEvent"}))
			Expect(items[0]).To(Equal(FiredEvent{
				Time:     10,
				Sequence: 0,
				Payload:  3,
				TypeName: "Tick",
				Now:      10,
				Lateness: 0,
			}))
		})

		It("should log fired events", func() {
			tick := registry.Register("Tick", record("Tick"))
			buf := &bytes.Buffer{}
			s.AcceptHook(NewEventLogger(log.New(buf, "", 0)))

			s.Advance()
			s.Schedule(10, tick, 0xff, FromOwner)
			s.Idle()

			Expect(buf.String()).To(Equal("10, Tick, payload 0xff, late 0\n"))
		})

		It("should trace lateness", func() {
			tick := registry.Register("Tick", record("Tick"))
			tracer := NewLatenessTracer()
			s.AcceptHook(tracer)

			s.Advance()
			s.Schedule(10, tick, 0, FromOwner)
			s.Schedule(12, tick, 0, FromOwner)
			s.ConsumeCycles(20)
			s.Advance()

			Expect(tracer.TypeNames()).To(Equal([]string{"Tick"}))
			Expect(tracer.Count("Tick")).To(Equal(uint64(2)))
			Expect(tracer.MaxLateness("Tick")).To(Equal(Cycles(10)))
			Expect(tracer.AverageLateness("Tick")).To(Equal(9.0))
			Expect(tracer.AverageLateness("Other")).To(Equal(0.0))
		})
	})

	It("should publish stats for other goroutines", func() {
		tick := registry.Register("Tick", record("Tick"))
		s.Advance()
		s.Schedule(100, tick, 0, FromOwner)
		s.Idle()

		var stats Stats
		done := make(chan struct{})
		go func() {
			defer close(done)
			stats = s.Stats()
		}()
		<-done

		Expect(stats.State).To(Equal(StateRunning))
		Expect(stats.GlobalTimer).To(Equal(Cycles(100)))
		Expect(stats.FiredEvents).To(Equal(uint64(1)))
		Expect(stats.IdledCycles).To(Equal(Cycles(100)))
		Expect(stats.Pending).To(Equal(0))
	})

	It("should log pending events", func() {
		buf := &bytes.Buffer{}
		s = NewScheduler(registry, WithLogger(log.New(buf, "", 0)))
		tick := registry.Register("Tick", record("Tick"))
		s.Schedule(10, tick, 1, FromOwner)

		s.LogPendingEvents()

		Expect(buf.String()).To(
			Equal("PENDING: now 0, pending 10, type Tick, payload 0x1\n"))
	})
})
