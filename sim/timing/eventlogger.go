package timing

import (
	"log"

	"github.com/sarchlab/coretiming/sim/hooking"
)

// EventLogger is an hook that prints every fired event.
type EventLogger struct {
	logger *log.Logger
}

// NewEventLogger returns a new EventLogger which will write in to the logger
func NewEventLogger(logger *log.Logger) *EventLogger {
	h := new(EventLogger)

	h.logger = logger

	return h
}

// Func writes the event information into the logger
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosBeforeEvent {
		return
	}

	evt, ok := ctx.Item.(FiredEvent)
	if !ok {
		return
	}

	h.logger.Printf("%d, %s, payload %#x, late %d",
		evt.Now, evt.TypeName, evt.Payload, evt.Lateness)
}
