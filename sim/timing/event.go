package timing

import (
	"fmt"

	"github.com/sarchlab/coretiming/sim/hooking"
)

// HookPosBeforeEvent is a hook position that triggers before an event's
// callback runs. The item is a FiredEvent.
var HookPosBeforeEvent = &hooking.HookPos{Name: "BeforeEvent"}

// HookPosAfterEvent is a hook position that triggers after an event's
// callback returns. The item is a FiredEvent.
var HookPosAfterEvent = &hooking.HookPos{Name: "AfterEvent"}

// HookPosDrain triggers after the submission queue is drained into the event
// queue. The item is the number of requests moved.
var HookPosDrain = &hooking.HookPos{Name: "Drain"}

// FiredEvent describes an event being dispatched.
type FiredEvent struct {
	Time     Cycles
	Sequence uint64
	Payload  uint64
	TypeName string
	Now      Cycles
	Lateness Cycles
}

// PendingInfo describes an event waiting in the queue.
type PendingInfo struct {
	Time     Cycles `json:"time"`
	Sequence uint64 `json:"sequence"`
	Payload  uint64 `json:"payload"`
	TypeName string `json:"type"`
}

func (p PendingInfo) String() string {
	return fmt.Sprintf("%s : %d %016x", p.TypeName, p.Time, p.Payload)
}
