package timing

import "errors"

// ErrUnknownEventType is returned when a save-state refers to an event type
// name that is not registered.
var ErrUnknownEventType = errors.New("timing: unknown event type")

// ErrCorruptSnapshot is returned when a save-state violates the event queue
// invariants.
var ErrCorruptSnapshot = errors.New("timing: corrupt snapshot")
