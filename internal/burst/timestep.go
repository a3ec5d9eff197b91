// Package burst drives an NPU at a fixed frequency and publishes samples
// of what fired.
package burst

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// MaxFrequency is the highest burst frequency accepted, in Hz.
const MaxFrequency = 10_000

// ErrInvalidFrequency is returned for a frequency outside (0, MaxFrequency].
var ErrInvalidFrequency = errors.New("invalid burst frequency")

// Timestep is the shared view of the loop's clock: the last completed burst
// and the period between bursts. Readers never block the loop.
type Timestep struct {
	burst  atomic.Uint64
	period atomic.Int64
}

// NewTimestep creates a Timestep running at hz.
func NewTimestep(hz float64) (*Timestep, error) {
	t := &Timestep{}
	if err := t.SetFrequency(hz); err != nil {
		return nil, err
	}
	return t, nil
}

// Set records the last completed burst.
func (t *Timestep) Set(burst uint64) { t.burst.Store(burst) }

// Current returns the last completed burst.
func (t *Timestep) Current() uint64 { return t.burst.Load() }

// Period returns the time between bursts.
func (t *Timestep) Period() time.Duration { return time.Duration(t.period.Load()) }

// Frequency returns the burst rate in Hz.
func (t *Timestep) Frequency() float64 {
	p := t.Period()
	if p <= 0 {
		return 0
	}
	return float64(time.Second) / float64(p)
}

// SetFrequency changes the burst rate.
func (t *Timestep) SetFrequency(hz float64) error {
	if math.IsNaN(hz) || hz <= 0 || hz > MaxFrequency {
		return fmt.Errorf("%v Hz: %w", hz, ErrInvalidFrequency)
	}
	t.period.Store(int64(float64(time.Second) / hz))
	return nil
}
