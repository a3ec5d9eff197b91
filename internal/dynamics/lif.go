// Package dynamics implements the leaky integrate-and-fire update applied to
// every candidate neuron once per burst.
package dynamics

import (
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/neuronid"
)

// Outcome is the result of updating one neuron.
type Outcome uint8

const (
	// Idle means the neuron integrated input but did not fire.
	Idle Outcome = iota
	// Fired means the neuron crossed threshold and was reset.
	Fired
	// Refractory means the neuron was blocked by its refractory or snooze countdown.
	Refractory
)

// Result summarizes one dynamics pass.
type Result struct {
	Fired      []uint32
	Potentials []float32 // potential at the moment of firing, parallel to Fired
	Processed  int
	Refractory int
}

// Update advances slot i of ns by one burst given its synaptic input and
// returns the outcome together with the potential the neuron reached.
//
// Slots are independent: concurrent calls on distinct slots are safe.
func Update[T neuron.Value[T]](ns *neuron.Store[T], i int, input float32, burst uint64) (Outcome, float32) {
	if cd := ns.RefractoryCountdown[i]; cd > 0 {
		cd--
		ns.RefractoryCountdown[i] = cd
		if cd == 0 {
			// End of snooze clears the consecutive-fire run.
			if lim := ns.ConsecutiveFireLimit[i]; lim > 0 && ns.ConsecutiveFireCount[i] >= lim {
				ns.ConsecutiveFireCount[i] = 0
			}
		}
		return Refractory, ns.MembranePotential[i].Float()
	}

	var v T
	if ns.MPChargeAccumulation[i] {
		v = ns.MembranePotential[i]
	}
	rest := ns.Rest[i]
	if leak := ns.Leak[i]; leak > 0 {
		v -= neuron.From[T](leak * (v - rest).Float())
	}
	v += neuron.From[T](input)

	fires := neuronid.IsMemory(ns.IDs[i]) || (crosses(ns, i, v) && excitable(ns.Excitability[i], ns.IDs[i], burst))

	lim := ns.ConsecutiveFireLimit[i]
	if fires && lim > 0 && ns.ConsecutiveFireCount[i] >= lim {
		// Limit reached with no snooze to absorb it.
		ns.ConsecutiveFireCount[i] = 0
		fires = false
	}

	if !fires {
		ns.ConsecutiveFireCount[i] = 0
		if ns.MPChargeAccumulation[i] {
			ns.MembranePotential[i] = v
		} else {
			ns.MembranePotential[i] = 0
		}
		return Idle, v.Float()
	}

	ns.MembranePotential[i] = rest
	count := ns.ConsecutiveFireCount[i] + 1
	if lim > 0 && count > lim {
		count = lim
	}
	ns.ConsecutiveFireCount[i] = count

	countdown := ns.RefractoryPeriod[i]
	if lim > 0 && count >= lim {
		countdown = satAdd(countdown, ns.SnoozePeriod[i])
	}
	ns.RefractoryCountdown[i] = countdown
	return Fired, v.Float()
}

// ShouldFire reports whether slot i would fire with potential v, without
// mutating state. Refractory neurons never fire.
func ShouldFire[T neuron.Value[T]](ns *neuron.Store[T], i int, v float32, burst uint64) bool {
	if ns.RefractoryCountdown[i] > 0 {
		return false
	}
	if neuronid.IsMemory(ns.IDs[i]) {
		return true
	}
	return crosses(ns, i, neuron.From[T](v)) && excitable(ns.Excitability[i], ns.IDs[i], burst)
}

func crosses[T neuron.Value[T]](ns *neuron.Store[T], i int, v T) bool {
	if v < ns.Threshold[i] {
		return false
	}
	limit := ns.ThresholdLimit[i]
	var zero T
	return limit == zero || v <= limit
}

func excitable(e float32, id uint32, burst uint64) bool {
	switch {
	case e >= 0.999:
		return true
	case e <= 0:
		return false
	}
	return Draw(id, burst) < e
}

// Draw returns a deterministic value in [0,1) for a neuron and burst.
func Draw(id uint32, burst uint64) float32 {
	x := uint64(id)*0x9E3779B97F4A7C15 ^ (burst+1)*0xD1B54A32D192ED03
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return float32(x>>40) / (1 << 24)
}

func satAdd(a, b uint16) uint16 {
	if s := uint32(a) + uint32(b); s <= 0xFFFF {
		return uint16(s)
	}
	return 0xFFFF
}

// Process runs Update over every FCL candidate sequentially and records
// fired neurons in fq. Candidates with no live neuron are skipped.
func Process[T neuron.Value[T]](fcl *fire.CandidateList, ns *neuron.Store[T], burst uint64, fq *fire.Queue) Result {
	var res Result
	ids, pots := fcl.IDs(), fcl.Potentials()
	for k, id := range ids {
		i, ok := ns.Index(id)
		if !ok || !ns.Valid[i] {
			continue
		}
		res.Processed++
		out, v := Update(ns, i, pots[k], burst)
		switch out {
		case Fired:
			res.Fired = append(res.Fired, id)
			res.Potentials = append(res.Potentials, v)
		case Refractory:
			res.Refractory++
		}
	}
	Record(fq, ns, res)
	return res
}

// Record appends the fired neurons of res to fq.
func Record[T neuron.Value[T]](fq *fire.Queue, ns *neuron.Store[T], res Result) {
	for k, id := range res.Fired {
		i, _ := ns.Index(id)
		fq.Add(fire.Neuron{
			ID:        id,
			Potential: res.Potentials[k],
			Area:      ns.Area[i],
			X:         ns.X[i],
			Y:         ns.Y[i],
			Z:         ns.Z[i],
		})
	}
}
