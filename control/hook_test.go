package control

import (
	"bytes"
	"log"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingHook struct {
	mu    sync.Mutex
	seen  []*HookPos
	items []interface{}
}

func (h *recordingHook) Func(ctx HookCtx) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, ctx.Pos)
	h.items = append(h.items, ctx.Item)
}

var _ = Describe("HookableBase", func() {
	var (
		hookable *HookableBase
		hook     *recordingHook
	)

	BeforeEach(func() {
		hookable = NewHookableBase()
		hook = &recordingHook{}
	})

	It("should invoke hooks in registration order", func() {
		first := &recordingHook{}
		hookable.AcceptHook(first)
		hookable.AcceptHook(hook)

		hookable.InvokeHook(HookCtx{Pos: HookPosCycleDone, Item: 1})

		Expect(first.seen).To(HaveLen(1))
		Expect(hook.seen).To(HaveLen(1))
		Expect(hook.seen[0]).To(BeIdenticalTo(HookPosCycleDone))
		Expect(hook.items[0]).To(Equal(1))
	})

	It("should tolerate invocation with no hooks", func() {
		Expect(func() {
			hookable.InvokeHook(HookCtx{Pos: HookPosOutputApplied})
		}).ToNot(Panic())
	})

	It("should count registered hooks", func() {
		Expect(hookable.NumHooks()).To(Equal(0))

		hookable.AcceptHook(hook)

		Expect(hookable.NumHooks()).To(Equal(1))
	})

	It("should allow attaching while invoking from another goroutine", func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 100; i++ {
				hookable.InvokeHook(
					HookCtx{Pos: HookPosCycleDone})
			}
		}()
		for i := 0; i < 100; i++ {
			hookable.AcceptHook(&recordingHook{})
		}
		<-done

		Expect(hookable.NumHooks()).To(Equal(100))
	})
})

var _ = Describe("CycleLogger", func() {
	It("should render completed cycles and ignore other positions", func() {
		var buf bytes.Buffer
		h := NewCycleLogger(log.New(&buf, "", 0))

		h.Func(HookCtx{
			Pos: HookPosCycleDone,
			Item: ControlCycleResult{
				Seq:      4,
				Setpoint: 50,
				Applied:  7.5,
				Status:   SolverConverged,
			},
		})
		h.Func(HookCtx{Pos: HookPosOutputApplied, Item: 7.5})

		Expect(buf.String()).To(ContainSubstring("cycle 4"))
		Expect(buf.String()).To(ContainSubstring("converged"))
		Expect(strings.Count(buf.String(), "\n")).To(Equal(1))
	})
})

var _ = Describe("IDGenerator", func() {
	It("should generate sequential IDs for deterministic runs", func() {
		UseSequentialIDGenerator()

		first := GetIDGenerator().Generate()
		second := GetIDGenerator().Generate()

		Expect(first).ToNot(Equal(second))
	})

	It("should generate unique IDs in parallel mode", func() {
		UseParallelIDGenerator()
		defer UseSequentialIDGenerator()

		seen := map[string]bool{}
		for i := 0; i < 1000; i++ {
			id := GetIDGenerator().Generate()
			Expect(seen[id]).To(BeFalse())
			seen[id] = true
		}
	})
})
