package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingHook struct {
	positions []string
}

func (h *countingHook) Func(ctx HookCtx) {
	h.positions = append(h.positions, ctx.Pos.Name)
}

var _ = Describe("HookableBase", func() {
	var (
		base  *HookableBase
		pos   *HookPos
		other *HookPos
	)

	BeforeEach(func() {
		base = &HookableBase{}
		pos = &HookPos{Name: "Pos"}
		other = &HookPos{Name: "Other"}
	})

	It("should invoke hooks in registration order", func() {
		first := &countingHook{}
		second := &countingHook{}
		base.AcceptHook(first)
		base.AcceptHook(second)

		base.InvokeHook(HookCtx{Pos: pos})
		base.InvokeHook(HookCtx{Pos: other})

		Expect(base.NumHooks()).To(Equal(2))
		Expect(first.positions).To(Equal([]string{"Pos", "Other"}))
		Expect(second.positions).To(Equal([]string{"Pos", "Other"}))
	})

	It("should panic on duplicated hook", func() {
		h := &countingHook{}
		base.AcceptHook(h)

		Expect(func() { base.AcceptHook(h) }).To(Panic())
	})

	It("should accept function hooks", func() {
		called := 0
		base.AcceptHook(HookFunc(func(ctx HookCtx) { called++ }))
		base.AcceptHook(HookFunc(func(ctx HookCtx) { called++ }))

		base.InvokeHook(HookCtx{Pos: pos})

		Expect(called).To(Equal(2))
	})
})
