package sim

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrGroupExists indicates a group with the same name is already registered.
	ErrGroupExists = errors.New("group already exists")
)

// ControllableGroup is a named set of simulation objects exposed to remote
// controllers as input (actuator), output (sensor) and info values.
// The returned slices must keep a stable order for the group's lifetime.
type ControllableGroup interface {
	Name() string
	InputValues() []*Value
	OutputValues() []*Value
	InfoValues() []*Value
}

// GroupEventType indicates what kind of change happened in the registry.
type GroupEventType int

const (
	GroupAdded GroupEventType = iota
	GroupRemoved
)

// GroupEvent is emitted to subscribers when the registry changes.
type GroupEvent struct {
	Type  GroupEventType
	Group ControllableGroup
}

// Groups is an ordered, thread-safe registry of controllable groups.
type Groups struct {
	mu     sync.RWMutex
	groups []ControllableGroup

	nextSub int
	subs    map[int]func(GroupEvent)
}

// NewGroups constructs an empty registry.
func NewGroups() *Groups {
	return &Groups{subs: make(map[int]func(GroupEvent))}
}

// Add appends g. It returns an error if a group with the same name exists.
func (gs *Groups) Add(g ControllableGroup) error {
	gs.mu.Lock()
	for _, existing := range gs.groups {
		if existing.Name() == g.Name() {
			gs.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrGroupExists, g.Name())
		}
	}
	gs.groups = append(gs.groups, g)
	subs := gs.subscribersLocked()
	gs.mu.Unlock()

	for _, sub := range subs {
		sub(GroupEvent{Type: GroupAdded, Group: g})
	}
	return nil
}

// Remove deletes the named group and reports whether it existed.
func (gs *Groups) Remove(name string) bool {
	gs.mu.Lock()
	var removed ControllableGroup
	for i, g := range gs.groups {
		if g.Name() == name {
			removed = g
			gs.groups = append(gs.groups[:i], gs.groups[i+1:]...)
			break
		}
	}
	subs := gs.subscribersLocked()
	gs.mu.Unlock()

	if removed == nil {
		return false
	}
	for _, sub := range subs {
		sub(GroupEvent{Type: GroupRemoved, Group: removed})
	}
	return true
}

// Get returns the named group or nil.
func (gs *Groups) Get(name string) ControllableGroup {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	for _, g := range gs.groups {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

// List returns a snapshot of all groups in insertion order.
func (gs *Groups) List() []ControllableGroup {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return append([]ControllableGroup(nil), gs.groups...)
}

// Subscribe registers a callback for registry changes. It returns an
// unsubscribe function.
func (gs *Groups) Subscribe(fn func(GroupEvent)) (unsubscribe func()) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	id := gs.nextSub
	gs.nextSub++
	gs.subs[id] = fn

	return func() {
		gs.mu.Lock()
		defer gs.mu.Unlock()
		delete(gs.subs, id)
	}
}

func (gs *Groups) subscribersLocked() []func(GroupEvent) {
	subs := make([]func(GroupEvent), 0, len(gs.subs))
	for _, fn := range gs.subs {
		subs = append(subs, fn)
	}
	return subs
}
