package timing

import (
	"log"
	"sort"
	"sync"
)

// Callback is invoked on the owning goroutine when an event fires. cyclesLate
// is how far virtual time has passed the scheduled time; it is never
// negative.
type Callback func(payload uint64, cyclesLate Cycles)

// An EventType is a registered kind of event. Its name is its identity in
// save-states; the pointer stays valid until the registry is cleared.
type EventType struct {
	name     string
	callback Callback
	registry *Registry
	live     bool
}

// Name returns the name the type was registered with.
func (t *EventType) Name() string {
	return t.name
}

// A Registry maps stable names to callbacks.
type Registry struct {
	lock   sync.RWMutex
	logger *log.Logger
	types  map[string]*EventType
}

// NewRegistry creates an empty registry. Collisions are reported to logger;
// a nil logger means log.Default().
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}

	return &Registry{
		logger: logger,
		types:  make(map[string]*EventType),
	}
}

// Register binds name to callback. Registering a name twice overwrites the
// callback of the existing descriptor and returns that same descriptor.
func (r *Registry) Register(name string, callback Callback) *EventType {
	if name == "" {
		log.Panic("timing: event type name must not be empty")
	}

	if callback == nil {
		log.Panicf("timing: event type %q has no callback", name)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if t, ok := r.types[name]; ok {
		r.logger.Printf(
			"warning: event type %q registered twice, overwriting callback",
			name)
		t.callback = callback

		return t
	}

	t := &EventType{
		name:     name,
		callback: callback,
		registry: r,
		live:     true,
	}
	r.types[name] = t

	return t
}

// Lookup finds a registered type by name.
func (r *Registry) Lookup(name string) (*EventType, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	t, ok := r.types[name]

	return t, ok
}

// IsRegistered tells if t is a live descriptor of this registry.
func (r *Registry) IsRegistered(t *EventType) bool {
	if t == nil {
		return false
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	return t.registry == r && t.live && r.types[t.name] == t
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.types)
}

// UnregisterAll forgets every type. Descriptors handed out before become
// invalid. Callers must make sure no event refers to any of them.
func (r *Registry) UnregisterAll() {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, t := range r.types {
		t.live = false
	}

	r.types = make(map[string]*EventType)
}
