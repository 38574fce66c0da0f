package timing

import (
	"sort"
	"sync"

	"github.com/sarchlab/coretiming/sim/hooking"
)

type latenessRecord struct {
	count uint64
	total Cycles
	max   Cycles
}

// LatenessTracer collects how late each type of event fires.
type LatenessTracer struct {
	lock    sync.Mutex
	records map[string]*latenessRecord
}

// NewLatenessTracer creates a new LatenessTracer.
func NewLatenessTracer() *LatenessTracer {
	return &LatenessTracer{
		records: make(map[string]*latenessRecord),
	}
}

// Func records the lateness of fired events.
func (t *LatenessTracer) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosAfterEvent {
		return
	}

	evt, ok := ctx.Item.(FiredEvent)
	if !ok {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	r, ok := t.records[evt.TypeName]
	if !ok {
		r = &latenessRecord{}
		t.records[evt.TypeName] = r
	}

	r.count++
	r.total += evt.Lateness

	if evt.Lateness > r.max {
		r.max = evt.Lateness
	}
}

// TypeNames returns the names of the types seen so far.
func (t *LatenessTracer) TypeNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	names := make([]string, 0, len(t.records))
	for name := range t.records {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Count returns how many events of a type have fired.
func (t *LatenessTracer) Count(typeName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	if r, ok := t.records[typeName]; ok {
		return r.count
	}

	return 0
}

// AverageLateness returns the mean lateness of a type, or 0 if it never
// fired.
func (t *LatenessTracer) AverageLateness(typeName string) float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	r, ok := t.records[typeName]
	if !ok || r.count == 0 {
		return 0
	}

	return float64(r.total) / float64(r.count)
}

// MaxLateness returns the largest lateness observed for a type.
func (t *LatenessTracer) MaxLateness(typeName string) Cycles {
	t.lock.Lock()
	defer t.lock.Unlock()

	if r, ok := t.records[typeName]; ok {
		return r.max
	}

	return 0
}
