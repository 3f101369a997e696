package sim

import (
	"sort"
	"sync"
)

// EventObserver is notified when an event it observes is triggered.
// EventOccurred runs on the triggering goroutine and must not block.
type EventObserver interface {
	EventOccurred(e *Event)
}

// Event is a named, observable occurrence inside the simulation.
type Event struct {
	name string

	mu        sync.Mutex
	observers []EventObserver
}

// Name returns the event name.
func (e *Event) Name() string { return e.name }

// AddObserver registers o. Adding the same observer twice is a no-op.
func (e *Event) AddObserver(o EventObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.observers {
		if existing == o {
			return
		}
	}
	e.observers = append(e.observers, o)
}

// RemoveObserver unregisters o. It reports whether o was registered.
func (e *Event) RemoveObserver(o EventObserver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.observers {
		if existing == o {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return true
		}
	}
	return false
}

// ObserverCount returns the number of registered observers.
func (e *Event) ObserverCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

// Trigger notifies all observers.
func (e *Event) Trigger() {
	e.mu.Lock()
	observers := append([]EventObserver{}, e.observers...)
	e.mu.Unlock()

	// Notify outside the lock so observers may deregister themselves.
	for _, o := range observers {
		o.EventOccurred(e)
	}
}

// Events is the process-wide named event namespace.
type Events struct {
	mu     sync.RWMutex
	byName map[string]*Event
}

// NewEvents constructs an empty namespace.
func NewEvents() *Events {
	return &Events{byName: make(map[string]*Event)}
}

// Register returns the event with the given name, creating it if needed.
func (es *Events) Register(name string) *Event {
	es.mu.Lock()
	defer es.mu.Unlock()
	if e, ok := es.byName[name]; ok {
		return e
	}
	e := &Event{name: name}
	es.byName[name] = e
	return e
}

// Get returns the named event, or nil.
func (es *Events) Get(name string) *Event {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.byName[name]
}

// Find returns events whose name fully matches pattern, sorted by name.
func (es *Events) Find(pattern string) ([]*Event, error) {
	re, err := compileFullMatch(pattern)
	if err != nil {
		return nil, err
	}
	es.mu.RLock()
	defer es.mu.RUnlock()
	res := make([]*Event, 0)
	for name, e := range es.byName {
		if re.MatchString(name) {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name() < res[j].Name() })
	return res, nil
}
