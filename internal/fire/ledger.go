package fire

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// DefaultWindow is the ring size used for areas without an explicit window.
const DefaultWindow = 20

// ErrInvalidWindow is returned for a window size below 1.
var ErrInvalidWindow = errors.New("fire ledger window must be at least 1")

// Frame is one archived burst for one area.
type Frame struct {
	Timestep  uint64   `json:"timestep"`
	NeuronIDs []uint32 `json:"neuron_ids"`
}

// ring is a fixed arena of frames with a write cursor. Frame slices are
// reused when a slot is overwritten.
type ring struct {
	frames []Frame
	head   int // next write position
	size   int
}

func newRing(capacity int) *ring {
	return &ring{frames: make([]Frame, capacity)}
}

func (r *ring) push(ts uint64, ids []uint32) {
	slot := &r.frames[r.head]
	slot.Timestep = ts
	slot.NeuronIDs = append(slot.NeuronIDs[:0], ids...)
	r.head = (r.head + 1) % len(r.frames)
	if r.size < len(r.frames) {
		r.size++
	}
}

// at returns the k-th newest frame (k = 0 is newest).
func (r *ring) at(k int) *Frame {
	c := len(r.frames)
	return &r.frames[(r.head-1-k+2*c)%c]
}

func (r *ring) resize(capacity int) {
	keep := min(r.size, capacity)
	next := make([]Frame, capacity)
	// Oldest kept frame goes to slot 0.
	for j := 0; j < keep; j++ {
		next[j] = *r.at(keep - 1 - j)
	}
	r.frames = next
	r.size = keep
	r.head = keep % capacity
}

// Ledger keeps a bounded firing history per cortical area.
//
// Only tracked areas have history. An area becomes tracked through
// ConfigureWindow, EnsureWindow or Track; from then on it receives a frame
// every burst, empty when silent, so consecutive frames cover consecutive
// bursts. Firing in an untracked area is not recorded.
//
// Ledger is safe for concurrent use.
type Ledger struct {
	mu            sync.RWMutex
	defaultWindow int
	rings         map[uint32]*ring
	tracked       map[uint32]bool
	scratch       []uint32
}

// NewLedger creates a ledger. Track gives areas defaultWindow frames.
func NewLedger(defaultWindow int) *Ledger {
	if defaultWindow < 1 {
		defaultWindow = DefaultWindow
	}
	return &Ledger{
		defaultWindow: defaultWindow,
		rings:         make(map[uint32]*ring),
		tracked:       make(map[uint32]bool),
	}
}

// ArchiveBurst records q as the frame for timestep in every tracked area.
// Neuron IDs are copied straight from the queue.
func (l *Ledger) ArchiveBurst(timestep uint64, q *Queue) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for area := range l.tracked {
		l.scratch = q.IDs(l.scratch[:0], area)
		l.rings[area].push(timestep, l.scratch)
	}
}

// History returns up to lookback frames for area, newest first. An unknown
// area yields nil.
func (l *Ledger) History(area uint32, lookback int) []Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.rings[area]
	if !ok || lookback <= 0 {
		return nil
	}
	n := min(lookback, r.size)
	out := make([]Frame, n)
	for k := 0; k < n; k++ {
		f := r.at(k)
		out[k] = Frame{Timestep: f.Timestep, NeuronIDs: slices.Clone(f.NeuronIDs)}
	}
	return out
}

// ConfigureWindow sets area's ring size, keeping the newest frames when
// shrinking, and marks the area as tracked.
func (l *Ledger) ConfigureWindow(area uint32, size int) error {
	if size < 1 {
		return fmt.Errorf("configure area %d window %d: %w", area, size, ErrInvalidWindow)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracked[area] = true
	r, ok := l.rings[area]
	if !ok {
		l.rings[area] = newRing(size)
		return nil
	}
	if len(r.frames) != size {
		r.resize(size)
	}
	return nil
}

// Track starts recording area with the default window. An area that is
// already tracked keeps its window.
func (l *Ledger) Track(area uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tracked[area] {
		return
	}
	l.tracked[area] = true
	l.rings[area] = newRing(l.defaultWindow)
}

// EnsureWindow grows area's window to at least size. Smaller requests are
// no-ops.
func (l *Ledger) EnsureWindow(area uint32, size int) error {
	if cur := l.WindowSize(area); cur >= size && l.IsTracked(area) {
		return nil
	}
	return l.ConfigureWindow(area, max(size, l.WindowSize(area)))
}

// WindowSize returns area's ring capacity, or 0 if the area is unknown.
func (l *Ledger) WindowSize(area uint32) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.rings[area]; ok {
		return len(r.frames)
	}
	return 0
}

// IsTracked reports whether area has a configured window.
func (l *Ledger) IsTracked(area uint32) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracked[area]
}

// Areas returns every tracked area, ascending.
func (l *Ledger) Areas() []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint32, 0, len(l.rings))
	for a := range l.rings {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Forget drops an area's history and window configuration.
func (l *Ledger) Forget(area uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rings, area)
	delete(l.tracked, area)
}
