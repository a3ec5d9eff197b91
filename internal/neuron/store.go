// Package neuron holds per-neuron state as a structure of arrays.
package neuron

import (
	"errors"
	"fmt"
)

// Type tags a neuron's role.
type Type uint8

const (
	TypeRegular Type = iota
	TypeMemory
	TypePower
)

// ErrCapacityExceeded is returned when a store is full.
var ErrCapacityExceeded = errors.New("neuron capacity exceeded")

// ErrInvalidParameter is returned for out-of-range neuron parameters.
var ErrInvalidParameter = errors.New("invalid neuron parameter")

// ErrNotFound is returned when an ID has no live neuron.
var ErrNotFound = errors.New("neuron not found")

// ErrDuplicateID is returned when adding an ID that is already present.
var ErrDuplicateID = errors.New("duplicate neuron id")

// Params are the static properties of a neuron.
type Params struct {
	Threshold            float32 `json:"threshold" yaml:"threshold"`
	ThresholdLimit       float32 `json:"threshold_limit" yaml:"threshold_limit"` // 0 = no upper bound
	Leak                 float32 `json:"leak" yaml:"leak"`
	Rest                 float32 `json:"rest" yaml:"rest"`
	RefractoryPeriod     uint16  `json:"refractory_period" yaml:"refractory_period"`
	Excitability         float32 `json:"excitability" yaml:"excitability"`
	ConsecutiveFireLimit uint16  `json:"consecutive_fire_limit" yaml:"consecutive_fire_limit"` // 0 = unlimited
	SnoozePeriod         uint16  `json:"snooze_period" yaml:"snooze_period"`
	MPChargeAccumulation bool    `json:"mp_charge_accumulation" yaml:"mp_charge_accumulation"`
	Type                 Type    `json:"type" yaml:"type"`
}

// DefaultParams returns parameters for an always-excitable neuron with
// threshold 1, no leak and charge accumulation enabled.
func DefaultParams() Params {
	return Params{
		Threshold:            1,
		Excitability:         1,
		MPChargeAccumulation: true,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.Leak < 0 || p.Leak > 1 {
		return fmt.Errorf("leak %v outside [0,1]: %w", p.Leak, ErrInvalidParameter)
	}
	if p.Excitability < 0 || p.Excitability > 1 {
		return fmt.Errorf("excitability %v outside [0,1]: %w", p.Excitability, ErrInvalidParameter)
	}
	if p.ThresholdLimit != 0 && p.ThresholdLimit < p.Threshold {
		return fmt.Errorf("threshold limit %v below threshold %v: %w", p.ThresholdLimit, p.Threshold, ErrInvalidParameter)
	}
	return nil
}

// Position is a neuron's voxel coordinate inside its cortical area.
type Position struct {
	X, Y, Z uint32
}

// Neuron is a read-only copy of one neuron's state.
type Neuron struct {
	ID                   uint32
	Params               Params
	Area                 uint32
	Position             Position
	MembranePotential    float32
	RefractoryCountdown  uint16
	ConsecutiveFireCount uint16
	Valid                bool
}

// Store is a fixed-capacity structure-of-arrays neuron population. Slot i
// holds the neuron whose ID is IDs[i]. Regular neurons have ID == slot;
// IDs from other pools are resolved through a side map.
//
// Store is not safe for concurrent mutation. Callers that mutate distinct
// slots from different goroutines must not add or compact concurrently.
type Store[T Value[T]] struct {
	IDs                  []uint32
	MembranePotential    []T
	Threshold            []T
	ThresholdLimit       []T
	Rest                 []T
	Leak                 []float32
	Excitability         []float32
	Type                 []Type
	RefractoryPeriod     []uint16
	RefractoryCountdown  []uint16
	ConsecutiveFireCount []uint16
	ConsecutiveFireLimit []uint16
	SnoozePeriod         []uint16
	MPChargeAccumulation []bool
	Valid                []bool
	Area                 []uint32
	X, Y, Z              []uint32

	foreign  map[uint32]int
	capacity int
	live     int
}

// NewStore allocates a store for up to capacity neurons.
func NewStore[T Value[T]](capacity int) *Store[T] {
	return &Store[T]{
		IDs:                  make([]uint32, 0, capacity),
		MembranePotential:    make([]T, 0, capacity),
		Threshold:            make([]T, 0, capacity),
		ThresholdLimit:       make([]T, 0, capacity),
		Rest:                 make([]T, 0, capacity),
		Leak:                 make([]float32, 0, capacity),
		Excitability:         make([]float32, 0, capacity),
		Type:                 make([]Type, 0, capacity),
		RefractoryPeriod:     make([]uint16, 0, capacity),
		RefractoryCountdown:  make([]uint16, 0, capacity),
		ConsecutiveFireCount: make([]uint16, 0, capacity),
		ConsecutiveFireLimit: make([]uint16, 0, capacity),
		SnoozePeriod:         make([]uint16, 0, capacity),
		MPChargeAccumulation: make([]bool, 0, capacity),
		Valid:                make([]bool, 0, capacity),
		Area:                 make([]uint32, 0, capacity),
		X:                    make([]uint32, 0, capacity),
		Y:                    make([]uint32, 0, capacity),
		Z:                    make([]uint32, 0, capacity),
		foreign:              make(map[uint32]int),
		capacity:             capacity,
	}
}

// Len returns the number of slots in use, including invalidated ones.
func (s *Store[T]) Len() int { return len(s.IDs) }

// Live returns the number of valid neurons.
func (s *Store[T]) Live() int { return s.live }

// Cap returns the fixed capacity.
func (s *Store[T]) Cap() int { return s.capacity }

// Add appends a neuron whose ID equals its slot.
func (s *Store[T]) Add(p Params, area uint32, pos Position) (uint32, error) {
	id := uint32(len(s.IDs))
	if _, taken := s.foreign[id]; taken {
		return 0, fmt.Errorf("add neuron %d: %w", id, ErrDuplicateID)
	}
	return id, s.add(id, p, area, pos)
}

// AddWithID appends a neuron with an externally allocated ID, such as a
// memory-pool ID.
func (s *Store[T]) AddWithID(id uint32, p Params, area uint32, pos Position) error {
	if _, ok := s.Index(id); ok {
		return fmt.Errorf("add neuron %d: %w", id, ErrDuplicateID)
	}
	return s.add(id, p, area, pos)
}

func (s *Store[T]) add(id uint32, p Params, area uint32, pos Position) error {
	if len(s.IDs) >= s.capacity {
		return fmt.Errorf("add neuron %d: %d/%d slots used: %w", id, len(s.IDs), s.capacity, ErrCapacityExceeded)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("add neuron %d: %w", id, err)
	}

	slot := len(s.IDs)
	if id != uint32(slot) {
		s.foreign[id] = slot
	}
	s.IDs = append(s.IDs, id)
	s.MembranePotential = append(s.MembranePotential, From[T](p.Rest))
	s.Threshold = append(s.Threshold, From[T](p.Threshold))
	s.ThresholdLimit = append(s.ThresholdLimit, From[T](p.ThresholdLimit))
	s.Rest = append(s.Rest, From[T](p.Rest))
	s.Leak = append(s.Leak, p.Leak)
	s.Excitability = append(s.Excitability, p.Excitability)
	s.Type = append(s.Type, p.Type)
	s.RefractoryPeriod = append(s.RefractoryPeriod, p.RefractoryPeriod)
	s.RefractoryCountdown = append(s.RefractoryCountdown, 0)
	s.ConsecutiveFireCount = append(s.ConsecutiveFireCount, 0)
	s.ConsecutiveFireLimit = append(s.ConsecutiveFireLimit, p.ConsecutiveFireLimit)
	s.SnoozePeriod = append(s.SnoozePeriod, p.SnoozePeriod)
	s.MPChargeAccumulation = append(s.MPChargeAccumulation, p.MPChargeAccumulation)
	s.Valid = append(s.Valid, true)
	s.Area = append(s.Area, area)
	s.X = append(s.X, pos.X)
	s.Y = append(s.Y, pos.Y)
	s.Z = append(s.Z, pos.Z)
	s.live++
	return nil
}

// Index resolves a neuron ID to its slot.
func (s *Store[T]) Index(id uint32) (int, bool) {
	if int(id) < len(s.IDs) && s.IDs[id] == id {
		return int(id), true
	}
	slot, ok := s.foreign[id]
	return slot, ok
}

// AreaOf returns the cortical area of a valid neuron.
func (s *Store[T]) AreaOf(id uint32) (uint32, bool) {
	i, ok := s.Index(id)
	if !ok || !s.Valid[i] {
		return 0, false
	}
	return s.Area[i], true
}

// Get returns a copy of the neuron with the given ID.
func (s *Store[T]) Get(id uint32) (Neuron, bool) {
	i, ok := s.Index(id)
	if !ok {
		return Neuron{}, false
	}
	return Neuron{
		ID:                   id,
		Params:               s.params(i),
		Area:                 s.Area[i],
		Position:             Position{X: s.X[i], Y: s.Y[i], Z: s.Z[i]},
		MembranePotential:    s.MembranePotential[i].Float(),
		RefractoryCountdown:  s.RefractoryCountdown[i],
		ConsecutiveFireCount: s.ConsecutiveFireCount[i],
		Valid:                s.Valid[i],
	}, true
}

func (s *Store[T]) params(i int) Params {
	return Params{
		Threshold:            s.Threshold[i].Float(),
		ThresholdLimit:       s.ThresholdLimit[i].Float(),
		Leak:                 s.Leak[i],
		Rest:                 s.Rest[i].Float(),
		RefractoryPeriod:     s.RefractoryPeriod[i],
		Excitability:         s.Excitability[i],
		ConsecutiveFireLimit: s.ConsecutiveFireLimit[i],
		SnoozePeriod:         s.SnoozePeriod[i],
		MPChargeAccumulation: s.MPChargeAccumulation[i],
		Type:                 s.Type[i],
	}
}

// SetPotential overwrites a neuron's membrane potential.
func (s *Store[T]) SetPotential(id uint32, v float32) error {
	i, ok := s.Index(id)
	if !ok || !s.Valid[i] {
		return fmt.Errorf("set potential of %d: %w", id, ErrNotFound)
	}
	s.MembranePotential[i] = From[T](v)
	return nil
}

// Invalidate logically deletes a neuron. Its slot is kept until Compact.
func (s *Store[T]) Invalidate(id uint32) error {
	i, ok := s.Index(id)
	if !ok || !s.Valid[i] {
		return fmt.Errorf("invalidate %d: %w", id, ErrNotFound)
	}
	s.Valid[i] = false
	s.live--
	return nil
}

// ForArea calls fn for every valid slot in area and returns how many were visited.
func (s *Store[T]) ForArea(area uint32, fn func(i int)) int {
	n := 0
	for i := range s.IDs {
		if s.Valid[i] && s.Area[i] == area {
			fn(i)
			n++
		}
	}
	return n
}

// Each calls fn with a copy of every valid neuron.
func (s *Store[T]) Each(fn func(Neuron)) {
	for i, id := range s.IDs {
		if !s.Valid[i] {
			continue
		}
		n, _ := s.Get(id)
		fn(n)
	}
}

// Compact removes invalidated slots. Regular neurons are renumbered so that
// ID == slot still holds; foreign IDs keep their value. The returned map
// holds old → new for every regular neuron whose ID changed, and old →
// removed for every dropped ID (removed reports the latter).
func (s *Store[T]) Compact() (remap map[uint32]uint32, removed map[uint32]bool) {
	remap = make(map[uint32]uint32)
	removed = make(map[uint32]bool)

	w := 0
	foreign := make(map[uint32]int)
	for r := range s.IDs {
		id := s.IDs[r]
		if !s.Valid[r] {
			removed[id] = true
			continue
		}
		newID := id
		if _, isForeign := s.foreign[id]; !isForeign {
			newID = uint32(w)
			if newID != id {
				remap[id] = newID
			}
		} else {
			foreign[id] = w
		}
		s.move(r, w, newID)
		w++
	}
	s.truncate(w)
	s.foreign = foreign
	return remap, removed
}

func (s *Store[T]) move(from, to int, id uint32) {
	s.IDs[to] = id
	s.MembranePotential[to] = s.MembranePotential[from]
	s.Threshold[to] = s.Threshold[from]
	s.ThresholdLimit[to] = s.ThresholdLimit[from]
	s.Rest[to] = s.Rest[from]
	s.Leak[to] = s.Leak[from]
	s.Excitability[to] = s.Excitability[from]
	s.Type[to] = s.Type[from]
	s.RefractoryPeriod[to] = s.RefractoryPeriod[from]
	s.RefractoryCountdown[to] = s.RefractoryCountdown[from]
	s.ConsecutiveFireCount[to] = s.ConsecutiveFireCount[from]
	s.ConsecutiveFireLimit[to] = s.ConsecutiveFireLimit[from]
	s.SnoozePeriod[to] = s.SnoozePeriod[from]
	s.MPChargeAccumulation[to] = s.MPChargeAccumulation[from]
	s.Valid[to] = s.Valid[from]
	s.Area[to] = s.Area[from]
	s.X[to], s.Y[to], s.Z[to] = s.X[from], s.Y[from], s.Z[from]
}

func (s *Store[T]) truncate(n int) {
	s.IDs = s.IDs[:n]
	s.MembranePotential = s.MembranePotential[:n]
	s.Threshold = s.Threshold[:n]
	s.ThresholdLimit = s.ThresholdLimit[:n]
	s.Rest = s.Rest[:n]
	s.Leak = s.Leak[:n]
	s.Excitability = s.Excitability[:n]
	s.Type = s.Type[:n]
	s.RefractoryPeriod = s.RefractoryPeriod[:n]
	s.RefractoryCountdown = s.RefractoryCountdown[:n]
	s.ConsecutiveFireCount = s.ConsecutiveFireCount[:n]
	s.ConsecutiveFireLimit = s.ConsecutiveFireLimit[:n]
	s.SnoozePeriod = s.SnoozePeriod[:n]
	s.MPChargeAccumulation = s.MPChargeAccumulation[:n]
	s.Valid = s.Valid[:n]
	s.Area = s.Area[:n]
	s.X, s.Y, s.Z = s.X[:n], s.Y[:n], s.Z[:n]
	s.live = n
}
