package serialization_test

import (
	"bytes"
	"io"
	"log"
	"math"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/coretiming/sim/serialization"
	"github.com/sarchlab/coretiming/sim/timing"
)

func newScheduler() (*timing.Scheduler, *timing.EventType, *timing.EventType) {
	registry := timing.NewRegistry(log.New(io.Discard, "", 0))
	s := timing.NewScheduler(registry, timing.WithLogger(log.New(io.Discard, "", 0)))
	vi := registry.Register("VI", func(uint64, timing.Cycles) {})
	dsp := registry.Register("DSP", func(uint64, timing.Cycles) {})

	return s, vi, dsp
}

var _ = Describe("Snapshot encoding", func() {
	var (
		s    *timing.Scheduler
		snap *timing.Snapshot
	)

	BeforeEach(func() {
		var vi, dsp *timing.EventType
		s, vi, dsp = newScheduler()

		s.Advance()
		s.Schedule(100, vi, math.MaxUint64, timing.FromOwner)
		s.Schedule(100, dsp, 2, timing.FromOwner)
		s.Schedule(7, dsp, 3, timing.FromNonOwner)
		s.ConsumeCycles(40)
		s.SetFakeDecStart(0xdead)
		s.SetFakeTBStart(0xbeef)

		snap = s.SaveState()
	})

	for _, codec := range []serialization.Codec{
		serialization.NewJSONCodec(),
		&serialization.JSONCodec{Indent: true},
		serialization.NewGobCodec(),
	} {
		codec := codec

		It("should round trip with "+codec.Name(), func() {
			buf := &bytes.Buffer{}

			Expect(serialization.Encode(buf, codec, snap)).To(Succeed())
			decoded, err := serialization.Decode(buf, codec)

			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(snap))
		})
	}

	It("should load a decoded snapshot into a fresh scheduler", func() {
		buf := &bytes.Buffer{}
		codec := serialization.NewGobCodec()
		Expect(serialization.Encode(buf, codec, snap)).To(Succeed())
		decoded, err := serialization.Decode(buf, codec)
		Expect(err).NotTo(HaveOccurred())

		other, _, _ := newScheduler()
		Expect(other.LoadState(decoded)).To(Succeed())

		Expect(other.PendingSummary()).To(Equal(s.PendingSummary()))
		Expect(other.Ticks()).To(Equal(s.Ticks()))
		Expect(other.FakeCounters()).To(Equal(s.FakeCounters()))
	})

	It("should store type names, not pointers", func() {
		buf := &bytes.Buffer{}

		Expect(serialization.Encode(buf, serialization.NewJSONCodec(), snap)).
			To(Succeed())

		Expect(buf.String()).To(ContainSubstring(`"type":"VI"`))
		Expect(buf.String()).To(ContainSubstring(`"type":"DSP"`))
	})

	It("should reject other versions", func() {
		doc := `{"format":"coretiming-savestate","version":99,"snapshot":{}}`

		_, err := serialization.Decode(
			strings.NewReader(doc), serialization.NewJSONCodec())

		Expect(err).To(MatchError(serialization.ErrVersionMismatch))
	})

	It("should reject other documents", func() {
		doc := `{"format":"something-else","version":1,"snapshot":{}}`

		_, err := serialization.Decode(
			strings.NewReader(doc), serialization.NewJSONCodec())

		Expect(err).To(MatchError(serialization.ErrNotASaveState))
	})

	It("should reject unknown fields", func() {
		doc := `{"format":"coretiming-savestate","version":1,"extra":1}`

		_, err := serialization.Decode(
			strings.NewReader(doc), serialization.NewJSONCodec())

		Expect(err).To(HaveOccurred())
	})

	It("should refuse to encode nothing", func() {
		err := serialization.Encode(
			&bytes.Buffer{}, serialization.NewJSONCodec(), nil)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Codec registry", func() {
	It("should find built-in codecs", func() {
		c, err := serialization.CodecByName("gob")

		Expect(err).NotTo(HaveOccurred())
		Expect(c.Name()).To(Equal("gob"))
	})

	It("should pick codecs by extension", func() {
		Expect(serialization.CodecForPath("state.gob").Name()).To(Equal("gob"))
		Expect(serialization.CodecForPath("state.json").Name()).To(Equal("json"))
		Expect(serialization.CodecForPath("state.sav").Name()).To(Equal("json"))
	})

	It("should not register a name twice", func() {
		Expect(serialization.RegisterCodec(serialization.NewJSONCodec())).
			NotTo(Succeed())
	})
})
