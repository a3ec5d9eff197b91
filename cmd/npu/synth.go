package main

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// firstSynthArea is the index of the input layer; lower indices belong to
// the core areas.
const firstSynthArea uint32 = 2

// synthOptions shapes a layered feed-forward genome.
type synthOptions struct {
	// Layers is the number of areas: one input, Layers-2 hidden, one output.
	Layers int
	// Width is the neuron count of each layer.
	Width int
	// FanOut is the number of synapses from each neuron into the next layer.
	FanOut int
	// Inhibitory is the fraction of synapses that inhibit.
	Inhibitory float64
	// PowerNeurons are added to the power area and wired into the input layer.
	PowerNeurons int
	// Window is the ledger window of every layer.
	Window int
	// STDP adds a plasticity mapping between consecutive layers.
	STDP bool
	Seed uint64
	// Params are the neuron parameters of every layer.
	Params neuron.Params
}

func defaultSynthOptions() synthOptions {
	p := neuron.DefaultParams()
	p.Leak = 0.1
	p.RefractoryPeriod = 1
	return synthOptions{
		Layers:     3,
		Width:      100,
		FanOut:     10,
		Inhibitory: 0.2,
		Window:     20,
		Seed:       1,
		Params:     p,
	}
}

func (o synthOptions) validate() error {
	var errs []error
	if o.Layers < 2 {
		errs = append(errs, fmt.Errorf("layers must be at least 2, got %d", o.Layers))
	}
	if o.Layers > 9 {
		errs = append(errs, fmt.Errorf("layers must be at most 9, got %d", o.Layers))
	}
	if o.Width < 1 {
		errs = append(errs, fmt.Errorf("width must be positive, got %d", o.Width))
	}
	if o.FanOut < 0 || o.FanOut > o.Width {
		errs = append(errs, fmt.Errorf("fan-out must be between 0 and width (%d), got %d", o.Width, o.FanOut))
	}
	if o.Inhibitory < 0 || o.Inhibitory > 1 {
		errs = append(errs, fmt.Errorf("inhibitory fraction must be between 0 and 1, got %g", o.Inhibitory))
	}
	if o.PowerNeurons < 0 {
		errs = append(errs, fmt.Errorf("power neurons must be non-negative, got %d", o.PowerNeurons))
	}
	if o.Window < 1 {
		errs = append(errs, fmt.Errorf("window must be positive, got %d", o.Window))
	}
	if err := o.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// layerID names layer i of n.
func layerID(i, n int) cortical.ID {
	switch i {
	case 0:
		return cortical.MustParse("isynth")
	case n - 1:
		return cortical.MustParse("osynth")
	default:
		return cortical.MustParse(fmt.Sprintf("csynth%d", i))
	}
}

// synthesize builds a genome of o.Layers areas in a chain. Neurons of a
// layer sit on a square grid at z = layer index; each connects to FanOut
// distinct neurons of the next layer. The same options and seed always
// produce the same genome.
func synthesize(o synthOptions) (npu.Topology, error) {
	if err := o.validate(); err != nil {
		return npu.Topology{}, err
	}
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))

	var top npu.Topology
	side := 1
	for side*side < o.Width {
		side++
	}

	var nextID uint32
	layers := make([][]uint32, o.Layers)
	for i := range o.Layers {
		idx := firstSynthArea + uint32(i)
		top.Areas = append(top.Areas, npu.AreaSpec{Index: idx, ID: layerID(i, o.Layers), Window: o.Window})
		for j := range o.Width {
			top.Neurons = append(top.Neurons, npu.NeuronSpec{
				ID:       nextID,
				Area:     idx,
				Position: neuron.Position{X: uint32(j % side), Y: uint32(j / side), Z: uint32(i)},
				Params:   o.Params,
			})
			layers[i] = append(layers[i], nextID)
			nextID++
		}
	}

	for i := 0; i+1 < o.Layers; i++ {
		for _, src := range layers[i] {
			for _, k := range rng.Perm(o.Width)[:o.FanOut] {
				typ := synapse.Excitatory
				if rng.Float64() < o.Inhibitory {
					typ = synapse.Inhibitory
				}
				top.Synapses = append(top.Synapses, synapse.Synapse{
					Source: src,
					Target: layers[i+1][k],
					Weight: uint8(1 + rng.IntN(255)),
					PSP:    uint8(1 + rng.IntN(255)),
					Type:   typ,
					Valid:  true,
				})
			}
		}
		if o.STDP {
			top.Plasticity = append(top.Plasticity, plasticity.Mapping{
				SourceArea:    firstSynthArea + uint32(i),
				DestArea:      firstSynthArea + uint32(i) + 1,
				Window:        min(o.Window, 5),
				LTPMultiplier: 1,
				LTDMultiplier: 1,
			})
		}
	}

	if o.PowerNeurons > 0 {
		top.Areas = append(top.Areas, npu.AreaSpec{Index: cortical.PowerIndex, ID: cortical.Power})
		for j := range o.PowerNeurons {
			id := nextID
			nextID++
			top.Neurons = append(top.Neurons, npu.NeuronSpec{
				ID:       id,
				Area:     cortical.PowerIndex,
				Position: neuron.Position{X: uint32(j)},
				Params:   neuron.DefaultParams(),
			})
			top.Synapses = append(top.Synapses, synapse.Synapse{
				Source: id,
				Target: layers[0][j%o.Width],
				Weight: 255,
				PSP:    255,
				Type:   synapse.Excitatory,
				Valid:  true,
			})
		}
	}
	return top, nil
}
