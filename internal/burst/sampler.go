package burst

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/fire"
)

// SampleMode selects which areas a sample carries.
type SampleMode uint8

const (
	// ModeVisualization samples every area.
	ModeVisualization SampleMode = iota
	// ModeMotor samples output areas only.
	ModeMotor
	// ModeUnified samples every area and lists output areas separately.
	ModeUnified
)

func (m SampleMode) String() string {
	switch m {
	case ModeVisualization:
		return "visualization"
	case ModeMotor:
		return "motor"
	case ModeUnified:
		return "unified"
	default:
		return fmt.Sprintf("SampleMode(%d)", m)
	}
}

// ParseSampleMode converts a mode name.
func ParseSampleMode(s string) (SampleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "visualization", "viz":
		return ModeVisualization, nil
	case "motor":
		return ModeMotor, nil
	case "unified":
		return ModeUnified, nil
	}
	return 0, fmt.Errorf("unknown sample mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m SampleMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Sample is a copy of one burst's Fire Queue, filtered by mode.
type Sample struct {
	Timestep uint64                   `json:"timestep"`
	Mode     SampleMode               `json:"mode"`
	Time     time.Time                `json:"time"`
	Fired    int                      `json:"fired"`
	Areas    map[uint32][]fire.Neuron `json:"areas,omitempty"`
	Motor    map[uint32][]fire.Neuron `json:"motor,omitempty"`
}

// Sampler copies Fire Queues at a bounded rate. A timestep is sampled at
// most once.
type Sampler struct {
	mu       sync.Mutex
	mode     SampleMode
	interval time.Duration
	last     time.Time
	lastTS   uint64
	taken    bool
	now      func() time.Time
}

// NewSampler creates a sampler emitting at most rateHz samples per second.
// rateHz <= 0 disables the rate limit.
func NewSampler(mode SampleMode, rateHz float64) *Sampler {
	s := &Sampler{mode: mode, now: time.Now}
	if rateHz > 0 {
		s.interval = time.Duration(float64(time.Second) / rateHz)
	}
	return s
}

// Mode returns the sampling mode.
func (s *Sampler) Mode() SampleMode { return s.mode }

// Take copies q when the rate limit allows and its timestep was not sampled
// yet. areas resolves which area indexes are outputs. The caller must hold
// the NPU lock.
func (s *Sampler) Take(q *fire.Queue, areas *cortical.Registry) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken && q.Timestep == s.lastTS {
		return Sample{}, false
	}
	now := s.now()
	if s.taken && s.interval > 0 && now.Sub(s.last) < s.interval {
		return Sample{}, false
	}

	out := Sample{Timestep: q.Timestep, Mode: s.mode, Time: now}
	for _, a := range q.Areas() {
		ns := q.Area(a)
		if len(ns) == 0 {
			continue
		}
		if s.mode != ModeMotor {
			if out.Areas == nil {
				out.Areas = make(map[uint32][]fire.Neuron)
			}
			out.Areas[a] = slices.Clone(ns)
			out.Fired += len(ns)
		}
		if s.mode != ModeVisualization && isOutput(areas, a) {
			if out.Motor == nil {
				out.Motor = make(map[uint32][]fire.Neuron)
			}
			out.Motor[a] = slices.Clone(ns)
			if s.mode == ModeMotor {
				out.Fired += len(ns)
			}
		}
	}

	s.last, s.lastTS, s.taken = now, q.Timestep, true
	return out, true
}

func isOutput(areas *cortical.Registry, idx uint32) bool {
	if areas == nil {
		return false
	}
	id, ok := areas.ID(idx)
	return ok && id.Kind() == cortical.KindOutput
}
