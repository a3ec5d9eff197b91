// Package backend abstracts where the per-burst dynamics and propagation
// work runs (CPU goroutines, a WGPU device or a CUDA device) and decides
// which one to use for a given genome size.
package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/nvandessel/burstnpu/internal/dynamics"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/propagation"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// ErrUnavailable is returned when a backend's device cannot be opened.
var ErrUnavailable = errors.New("compute backend unavailable")

// ErrNotInitialized is returned when a device backend runs before its
// persistent buffers were uploaded.
var ErrNotInitialized = errors.New("compute backend not initialized")

// Type identifies a backend implementation.
type Type int

const (
	CPU Type = iota
	WGPU
	CUDA
)

// String returns the backend name.
func (t Type) String() string {
	switch t {
	case WGPU:
		return "wgpu"
	case CUDA:
		return "cuda"
	default:
		return "cpu"
	}
}

// ParseType maps a name to a Type. Unknown names map to CPU.
func ParseType(s string) Type {
	switch s {
	case "wgpu", "gpu":
		return WGPU
	case "cuda":
		return CUDA
	default:
		return CPU
	}
}

// Backend runs one burst's dynamics and propagation over a neuron store of
// representation T.
type Backend[T neuron.Value[T]] interface {
	// Name returns a human-readable backend name.
	Name() string
	// InitializePersistentData prepares any state that lives across bursts.
	InitializePersistentData(ns *neuron.Store[T], ss *synapse.Store) error
	// ProcessNeuralDynamics updates every FCL candidate and records the
	// fired neurons in fq.
	ProcessNeuralDynamics(fcl *fire.CandidateList, ns *neuron.Store[T], burst uint64, fq *fire.Queue) (dynamics.Result, error)
	// ProcessSynapticPropagation delivers fq's contributions into next and
	// returns the number of synapses visited.
	ProcessSynapticPropagation(fq *fire.Queue, ss *synapse.Store, ns *neuron.Store[T], flags *propagation.Flags, next *fire.CandidateList) (int, error)
	// OnGenomeChange drops any cached topology.
	OnGenomeChange()
}

// Timing is the wall-clock split of one ProcessBurst call.
type Timing struct {
	Dynamics    time.Duration
	Propagation time.Duration
	Total       time.Duration
}

// BurstResult combines the outputs of one ProcessBurst call.
type BurstResult struct {
	Dynamics        dynamics.Result
	SynapsesVisited int
	Timing          Timing
}

// ProcessBurst runs dynamics then propagation on b and times both phases.
// Fired neurons are recorded in fq and their contributions land in next.
func ProcessBurst[T neuron.Value[T]](b Backend[T], fcl *fire.CandidateList, ns *neuron.Store[T], ss *synapse.Store, flags *propagation.Flags, burst uint64, fq *fire.Queue, next *fire.CandidateList) (BurstResult, error) {
	var res BurstResult
	start := time.Now()

	dyn, err := b.ProcessNeuralDynamics(fcl, ns, burst, fq)
	if err != nil {
		return res, fmt.Errorf("%s dynamics: %w", b.Name(), err)
	}
	res.Dynamics = dyn
	mid := time.Now()
	res.Timing.Dynamics = mid.Sub(start)

	visited, err := b.ProcessSynapticPropagation(fq, ss, ns, flags, next)
	if err != nil {
		return res, fmt.Errorf("%s propagation: %w", b.Name(), err)
	}
	res.SynapsesVisited = visited
	end := time.Now()
	res.Timing.Propagation = end.Sub(mid)
	res.Timing.Total = end.Sub(start)
	return res, nil
}
