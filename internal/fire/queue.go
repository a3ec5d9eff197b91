package fire

import "slices"

// Neuron is one fired neuron as recorded in the Fire Queue.
type Neuron struct {
	ID        uint32  `json:"id"`
	Potential float32 `json:"potential"`
	Area      uint32  `json:"area"`
	X         uint32  `json:"x"`
	Y         uint32  `json:"y"`
	Z         uint32  `json:"z"`
}

type location struct {
	area uint32
	pos  int
}

// Queue is the set of neurons that fired in one burst, grouped by area.
type Queue struct {
	Timestep uint64

	byArea map[uint32][]Neuron
	index  map[uint32]location
	count  int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		byArea: make(map[uint32][]Neuron),
		index:  make(map[uint32]location),
	}
}

// Reset empties the queue for a new burst, keeping per-area allocations.
func (q *Queue) Reset(timestep uint64) {
	q.Timestep = timestep
	for a, ns := range q.byArea {
		q.byArea[a] = ns[:0]
	}
	clear(q.index)
	q.count = 0
}

// Add records a fired neuron. A neuron already in the queue is ignored.
func (q *Queue) Add(n Neuron) {
	if _, dup := q.index[n.ID]; dup {
		return
	}
	ns := q.byArea[n.Area]
	q.index[n.ID] = location{area: n.Area, pos: len(ns)}
	q.byArea[n.Area] = append(ns, n)
	q.count++
}

// Len returns the number of fired neurons.
func (q *Queue) Len() int { return q.count }

// IsEmpty reports whether nothing fired.
func (q *Queue) IsEmpty() bool { return q.count == 0 }

// Contains reports whether id fired.
func (q *Queue) Contains(id uint32) bool {
	_, ok := q.index[id]
	return ok
}

// Get returns the fired record for id.
func (q *Queue) Get(id uint32) (Neuron, bool) {
	loc, ok := q.index[id]
	if !ok {
		return Neuron{}, false
	}
	return q.byArea[loc.area][loc.pos], true
}

// Areas returns the areas with at least one fired neuron, ascending.
func (q *Queue) Areas() []uint32 {
	out := make([]uint32, 0, len(q.byArea))
	for a, ns := range q.byArea {
		if len(ns) > 0 {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}

// Area returns the fired neurons of one area in firing order. The slice is
// owned by the queue.
func (q *Queue) Area(area uint32) []Neuron { return q.byArea[area] }

// IDs appends the fired neuron IDs of area to dst.
func (q *Queue) IDs(dst []uint32, area uint32) []uint32 {
	for _, n := range q.byArea[area] {
		dst = append(dst, n.ID)
	}
	return dst
}

// Each calls fn for every fired neuron, area by area in ascending order.
func (q *Queue) Each(fn func(Neuron)) {
	for _, a := range q.Areas() {
		for _, n := range q.byArea[a] {
			fn(n)
		}
	}
}

// CopyFrom replaces q's content with src's.
func (q *Queue) CopyFrom(src *Queue) {
	q.Reset(src.Timestep)
	src.Each(q.Add)
}
