package cortical

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAlreadyRegistered is returned when an index or ID is taken.
var ErrAlreadyRegistered = errors.New("cortical area already registered")

// ErrUnknownArea is returned for an index or ID with no registration.
var ErrUnknownArea = errors.New("unknown cortical area")

// Area is one registered cortical area.
type Area struct {
	Index uint32 `json:"index"`
	ID    ID     `json:"id"`
}

// Registry maps area indices to IDs and back. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byIndex map[uint32]ID
	byID    map[ID]uint32
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byIndex: make(map[uint32]ID), byID: make(map[ID]uint32)}
}

// NewCoreRegistry returns a registry holding the death and power areas.
func NewCoreRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(DeathIndex, Death)
	_ = r.Register(PowerIndex, Power)
	return r
}

// Register binds idx to id. Re-registering the same pair is a no-op.
func (r *Registry) Register(idx uint32, id ID) error {
	if !id.Kind().valid() {
		return fmt.Errorf("register area %d: %w", idx, ErrInvalidID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byIndex[idx]; ok {
		if cur == id {
			return nil
		}
		return fmt.Errorf("area %d is %s: %w", idx, cur, ErrAlreadyRegistered)
	}
	if cur, ok := r.byID[id]; ok {
		return fmt.Errorf("%s is area %d: %w", id, cur, ErrAlreadyRegistered)
	}
	r.byIndex[idx] = id
	r.byID[id] = idx
	return nil
}

// RegisterBase64 decodes s and registers it at idx.
func (r *Registry) RegisterBase64(idx uint32, s string) error {
	id, err := FromBase64(s)
	if err != nil {
		return fmt.Errorf("register area %d: %w", idx, err)
	}
	return r.Register(idx, id)
}

// ID returns the ID registered at idx.
func (r *Registry) ID(idx uint32) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIndex[idx]
	return id, ok
}

// Index returns the index registered for id.
func (r *Registry) Index(id ID) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[id]
	return idx, ok
}

// Unregister removes idx.
func (r *Registry) Unregister(idx uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIndex[idx]
	if ok {
		delete(r.byIndex, idx)
		delete(r.byID, id)
	}
	return ok
}

// Len returns the number of registered areas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}

// Areas returns every registration ordered by index.
func (r *Registry) Areas() []Area {
	r.mu.RLock()
	out := make([]Area, 0, len(r.byIndex))
	for idx, id := range r.byIndex {
		out = append(out, Area{Index: idx, ID: id})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
