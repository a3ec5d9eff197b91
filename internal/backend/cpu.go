package backend

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/burstnpu/internal/dynamics"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/propagation"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// DefaultChunk is the number of candidates or fired neurons one worker
// handles. Passes smaller than a chunk run on the calling goroutine.
const DefaultChunk = 4096

// LogicalCores returns the host's logical core count, falling back to
// runtime.NumCPU when it cannot be read.
func LogicalCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// CPUBackend splits each pass into chunks processed by a bounded set of
// goroutines. Results are merged in chunk order, so output is identical to
// a sequential pass.
type CPUBackend[T neuron.Value[T]] struct {
	workers int
	chunk   int

	// per-pass scratch, reused across bursts
	outcomes   []dynamics.Outcome
	potentials []float32
	slots      []int
	contribs   [][]propagation.Contribution
	visited    []int
}

// NewCPU creates a CPU backend. workers <= 0 uses every logical core;
// chunk <= 0 uses DefaultChunk.
func NewCPU[T neuron.Value[T]](workers, chunk int) *CPUBackend[T] {
	if workers <= 0 {
		workers = LogicalCores()
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return &CPUBackend[T]{workers: workers, chunk: chunk}
}

// Name implements Backend.
func (b *CPUBackend[T]) Name() string {
	return fmt.Sprintf("cpu(%d workers)", b.workers)
}

// Workers returns the goroutine bound.
func (b *CPUBackend[T]) Workers() int { return b.workers }

// InitializePersistentData implements Backend. The CPU works on the host
// arrays directly, so there is nothing to upload.
func (b *CPUBackend[T]) InitializePersistentData(*neuron.Store[T], *synapse.Store) error {
	return nil
}

// OnGenomeChange implements Backend.
func (b *CPUBackend[T]) OnGenomeChange() {}

func (b *CPUBackend[T]) forChunks(n int, fn func(lo, hi int)) {
	if n <= b.chunk {
		fn(0, n)
		return
	}
	if b.workers == 1 {
		for lo := 0; lo < n; lo += b.chunk {
			fn(lo, min(lo+b.chunk, n))
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(b.workers)
	for lo := 0; lo < n; lo += b.chunk {
		lo, hi := lo, min(lo+b.chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// ProcessNeuralDynamics implements Backend. Each FCL entry names a distinct
// neuron, so chunks touch disjoint slots.
func (b *CPUBackend[T]) ProcessNeuralDynamics(fcl *fire.CandidateList, ns *neuron.Store[T], burst uint64, fq *fire.Queue) (dynamics.Result, error) {
	ids, pots := fcl.IDs(), fcl.Potentials()
	n := len(ids)
	b.outcomes = grow(b.outcomes, n)
	b.potentials = grow(b.potentials, n)
	b.slots = grow(b.slots, n)

	for k, id := range ids {
		i, ok := ns.Index(id)
		if !ok || !ns.Valid[i] {
			i = -1
		}
		b.slots[k] = i
	}

	b.forChunks(n, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			i := b.slots[k]
			if i < 0 {
				continue
			}
			b.outcomes[k], b.potentials[k] = dynamics.Update(ns, i, pots[k], burst)
		}
	})

	var res dynamics.Result
	for k, id := range ids {
		if b.slots[k] < 0 {
			continue
		}
		res.Processed++
		switch b.outcomes[k] {
		case dynamics.Fired:
			res.Fired = append(res.Fired, id)
			res.Potentials = append(res.Potentials, b.potentials[k])
		case dynamics.Refractory:
			res.Refractory++
		}
	}
	dynamics.Record(fq, ns, res)
	return res, nil
}

// ProcessSynapticPropagation implements Backend. Chunks collect
// contributions locally; they are added to next in chunk order.
func (b *CPUBackend[T]) ProcessSynapticPropagation(fq *fire.Queue, ss *synapse.Store, ns *neuron.Store[T], flags *propagation.Flags, next *fire.CandidateList) (int, error) {
	fired := make([]fire.Neuron, 0, fq.Len())
	fq.Each(func(n fire.Neuron) { fired = append(fired, n) })

	chunks := (len(fired) + b.chunk - 1) / b.chunk
	if chunks == 0 {
		return 0, nil
	}
	if cap(b.contribs) < chunks {
		b.contribs = make([][]propagation.Contribution, chunks)
	}
	b.contribs = b.contribs[:chunks]
	b.visited = grow(b.visited, chunks)

	b.forChunks(len(fired), func(lo, hi int) {
		c := lo / b.chunk
		buf := b.contribs[c][:0]
		visited := 0
		for _, src := range fired[lo:hi] {
			var v int
			buf, v = propagation.Contributions(buf, src, ss, ns, flags)
			visited += v
		}
		b.contribs[c] = buf
		b.visited[c] = visited
	})

	total := 0
	for c := range b.contribs {
		for _, con := range b.contribs[c] {
			next.Add(con.Target, con.Value)
		}
		total += b.visited[c]
	}
	return total, nil
}

func grow[E any](s []E, n int) []E {
	if cap(s) < n {
		return make([]E, n)
	}
	return s[:n]
}
