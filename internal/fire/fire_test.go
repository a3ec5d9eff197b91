package fire

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func queueWith(ts uint64, ns ...Neuron) *Queue {
	q := NewQueue()
	q.Reset(ts)
	for _, n := range ns {
		q.Add(n)
	}
	return q
}

func TestCandidateList_Additive(t *testing.T) {
	c := NewCandidateList(4)
	c.Add(3, 1.5)
	c.Add(7, 2)
	c.Add(3, 0.5)

	if got, _ := c.Get(3); got != 2 {
		t.Errorf("Get(3) = %v, want 2", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if ids := c.IDs(); ids[0] != 3 || ids[1] != 7 {
		t.Errorf("IDs() = %v, want insertion order [3 7]", ids)
	}

	c.Clear()
	if _, ok := c.Get(3); ok || c.Len() != 0 {
		t.Error("Clear() left entries behind")
	}
}

func TestStaging_ConcurrentInjectionLosesNothing(t *testing.T) {
	var s Staging
	const workers, rounds = 16, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				s.Push([]Injection{{NeuronID: uint32(r % 5), Potential: 0.5}, {NeuronID: 99, Potential: float32(w)}})
			}
		}(w)
	}
	wg.Wait()

	fcl := NewCandidateList(0)
	if n := s.DrainInto(fcl); n != workers*rounds*2 {
		t.Fatalf("DrainInto moved %d, want %d", n, workers*rounds*2)
	}

	for id := uint32(0); id < 5; id++ {
		want := float32(workers*rounds/5) * 0.5
		if got, _ := fcl.Get(id); got != want {
			t.Errorf("neuron %d total = %v, want %v", id, got, want)
		}
	}
	// sum over w of w*rounds
	var want float32
	for w := 0; w < workers; w++ {
		want += float32(w * rounds)
	}
	if got, _ := fcl.Get(99); got != want {
		t.Errorf("neuron 99 total = %v, want %v", got, want)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after drain, want 0", s.Pending())
	}
}

func TestStaging_DropsNonFinite(t *testing.T) {
	var s Staging
	n := s.Push([]Injection{
		{NeuronID: 1, Potential: float32(math.NaN())},
		{NeuronID: 2, Potential: float32(math.Inf(1))},
		{NeuronID: 3, Potential: 1},
	})
	if n != 1 || s.Pending() != 1 {
		t.Errorf("accepted %d, pending %d; want 1, 1", n, s.Pending())
	}
}

func TestQueue_GroupsByArea(t *testing.T) {
	q := queueWith(5,
		Neuron{ID: 1, Area: 2, Potential: 3},
		Neuron{ID: 4, Area: 1},
		Neuron{ID: 2, Area: 2},
		Neuron{ID: 1, Area: 2}, // duplicate
	)

	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
	if areas := q.Areas(); len(areas) != 2 || areas[0] != 1 || areas[1] != 2 {
		t.Errorf("Areas() = %v, want [1 2]", areas)
	}
	if n, ok := q.Get(1); !ok || n.Potential != 3 {
		t.Errorf("Get(1) = %+v, %v", n, ok)
	}
	if ids := q.IDs(nil, 2); len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("IDs(2) = %v, want [1 2]", ids)
	}

	q.Reset(6)
	if !q.IsEmpty() || q.Contains(1) || len(q.Areas()) != 0 {
		t.Error("Reset() did not empty the queue")
	}
}

func TestLedger_EvictsOldestAndReturnsNewestFirst(t *testing.T) {
	l := NewLedger(3)
	l.Track(9)
	for ts := uint64(1); ts <= 5; ts++ {
		l.ArchiveBurst(ts, queueWith(ts, Neuron{ID: uint32(ts), Area: 9}))
	}

	got := l.History(9, 10)
	if len(got) != 3 {
		t.Fatalf("History len = %d, want 3", len(got))
	}
	for i, want := range []uint64{5, 4, 3} {
		if got[i].Timestep != want {
			t.Errorf("History[%d].Timestep = %d, want %d", i, got[i].Timestep, want)
		}
		if got[i].NeuronIDs[0] != uint32(want) {
			t.Errorf("History[%d].NeuronIDs = %v", i, got[i].NeuronIDs)
		}
	}

	if got := l.History(9, 2); len(got) != 2 || got[0].Timestep != 5 {
		t.Errorf("History(9, 2) = %+v, want newest two", got)
	}
}

func TestLedger_StrictlyDecreasingTimesteps(t *testing.T) {
	l := NewLedger(4)
	l.Track(0)
	for ts := uint64(10); ts < 30; ts += 3 {
		l.ArchiveBurst(ts, queueWith(ts, Neuron{ID: 1, Area: 0}))
	}
	h := l.History(0, 4)
	for i := 1; i < len(h); i++ {
		if h[i].Timestep >= h[i-1].Timestep {
			t.Fatalf("timesteps not strictly decreasing: %+v", h)
		}
	}
}

func TestLedger_UnknownArea(t *testing.T) {
	l := NewLedger(0)
	if got := l.History(42, 5); len(got) != 0 {
		t.Errorf("History(unknown) = %v, want empty", got)
	}
}

func TestLedger_ConfigureWindow(t *testing.T) {
	l := NewLedger(10)
	l.Track(1)
	for ts := uint64(1); ts <= 6; ts++ {
		l.ArchiveBurst(ts, queueWith(ts, Neuron{ID: 1, Area: 1}))
	}

	if err := l.ConfigureWindow(1, 2); err != nil {
		t.Fatalf("ConfigureWindow() error = %v", err)
	}
	h := l.History(1, 10)
	if len(h) != 2 || h[0].Timestep != 6 || h[1].Timestep != 5 {
		t.Errorf("after shrink History = %+v, want ts 6,5", h)
	}

	if err := l.ConfigureWindow(1, 4); err != nil {
		t.Fatalf("ConfigureWindow() grow error = %v", err)
	}
	l.ArchiveBurst(7, queueWith(7, Neuron{ID: 1, Area: 1}))
	h = l.History(1, 10)
	if len(h) != 3 || h[0].Timestep != 7 || h[2].Timestep != 5 {
		t.Errorf("after grow History = %+v, want ts 7,6,5", h)
	}

	if err := l.ConfigureWindow(1, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("ConfigureWindow(0) error = %v, want ErrInvalidWindow", err)
	}
}

func TestLedger_TrackedAreasRecordSilence(t *testing.T) {
	l := NewLedger(5)
	if err := l.ConfigureWindow(3, 3); err != nil {
		t.Fatal(err)
	}
	l.ArchiveBurst(1, queueWith(1, Neuron{ID: 8, Area: 3}))
	l.ArchiveBurst(2, queueWith(2))

	h := l.History(3, 3)
	if len(h) != 2 {
		t.Fatalf("History len = %d, want 2", len(h))
	}
	if h[0].Timestep != 2 || len(h[0].NeuronIDs) != 0 {
		t.Errorf("silent frame = %+v, want empty frame at ts 2", h[0])
	}
}

func TestLedger_UntrackedAreasAreNotRecorded(t *testing.T) {
	l := NewLedger(5)
	l.Track(1)
	l.ArchiveBurst(1, queueWith(1, Neuron{ID: 4, Area: 1}, Neuron{ID: 7, Area: 2}))

	if got := l.History(2, 5); len(got) != 0 {
		t.Errorf("History(untracked) = %+v, want empty", got)
	}
	if l.IsTracked(2) || l.WindowSize(2) != 0 {
		t.Errorf("untracked area has tracked=%v window=%d", l.IsTracked(2), l.WindowSize(2))
	}
	if got := l.Areas(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Areas() = %v, want [1]", got)
	}
	if h := l.History(1, 5); len(h) != 1 || h[0].NeuronIDs[0] != 4 {
		t.Errorf("History(tracked) = %+v", h)
	}
}

func TestLedger_TrackKeepsConfiguredWindow(t *testing.T) {
	l := NewLedger(5)
	l.Track(1)
	if got := l.WindowSize(1); got != 5 {
		t.Errorf("Track window = %d, want default 5", got)
	}
	if err := l.ConfigureWindow(2, 8); err != nil {
		t.Fatal(err)
	}
	l.Track(2)
	if got := l.WindowSize(2); got != 8 {
		t.Errorf("Track overwrote window: %d, want 8", got)
	}
}

func TestLedger_HistoryIsACopy(t *testing.T) {
	l := NewLedger(1)
	l.Track(0)
	l.ArchiveBurst(1, queueWith(1, Neuron{ID: 5, Area: 0}))
	h := l.History(0, 1)
	l.ArchiveBurst(2, queueWith(2, Neuron{ID: 6, Area: 0}))

	if h[0].NeuronIDs[0] != 5 {
		t.Errorf("earlier History result mutated to %v", h[0].NeuronIDs)
	}
}

func TestLedger_EnsureWindow(t *testing.T) {
	l := NewLedger(4)
	_ = l.EnsureWindow(1, 2)
	if got := l.WindowSize(1); got != 2 {
		t.Errorf("WindowSize = %d, want 2", got)
	}
	_ = l.EnsureWindow(1, 6)
	_ = l.EnsureWindow(1, 3)
	if got := l.WindowSize(1); got != 6 {
		t.Errorf("WindowSize = %d, want 6", got)
	}
}
