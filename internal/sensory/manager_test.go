package sensory

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/frame"
)

type staging struct {
	mu    sync.Mutex
	batch []fire.Injection
}

func (s *staging) InjectSensoryWithPotentials(batch []fire.Injection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, batch...)
	return len(batch)
}

func (s *staging) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

// memSource is a mutex-guarded Source. The seqlock in frame.Slot copies
// payloads without synchronization, which the race detector would flag in
// tests that write while an agent polls.
type memSource struct {
	mu sync.Mutex
	f  frame.Frame
}

func (s *memSource) Read() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f.Seq == 0 {
		return frame.Frame{}, false
	}
	f := s.f
	f.Payload = append([]byte(nil), s.f.Payload...)
	return f, true
}

func (s *memSource) write(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f = frame.Frame{Seq: s.f.Seq + 1, Time: time.Now(), Payload: append([]byte(nil), payload...)}
}

func writeBatch(t *testing.T, src *memSource, batch ...fire.Injection) {
	t.Helper()
	b, err := json.Marshal(batch)
	if err != nil {
		t.Fatal(err)
	}
	src.write(b)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_AgentStagesFrames(t *testing.T) {
	inj := &staging{}
	m := NewManager(inj, Options{})
	defer m.Close()

	src := &memSource{}
	writeBatch(t, src, fire.Injection{NeuronID: 1, Potential: 0.5}, fire.Injection{NeuronID: 2, Potential: 1})

	id, err := m.Register(AgentConfig{ID: "camera", Source: src, RateHz: 1000})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	waitFor(t, "first frame", func() bool { return inj.len() == 2 })

	// the same frame is not staged twice
	time.Sleep(20 * time.Millisecond)
	if inj.len() != 2 {
		t.Errorf("staged %d injections from one frame", inj.len())
	}

	writeBatch(t, src, fire.Injection{NeuronID: 3, Potential: 1})
	waitFor(t, "second frame", func() bool { return inj.len() == 3 })

	info := m.Agents()[0]
	if info.ID != id || info.Frames != 2 || info.Injected != 3 {
		t.Errorf("AgentInfo = %+v", info)
	}
}

func TestManager_RateLimitsReads(t *testing.T) {
	inj := &staging{}
	m := NewManager(inj, Options{})
	defer m.Close()

	src := &memSource{}
	if _, err := m.Register(AgentConfig{ID: "slow", Source: src, RateHz: 2}); err != nil {
		t.Fatal(err)
	}

	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		writeBatch(t, src, fire.Injection{NeuronID: 1, Potential: 1})
		time.Sleep(5 * time.Millisecond)
	}
	// burst of one, then one every 500ms
	if got := m.Agents()[0].Frames; got > 2 {
		t.Errorf("read %d frames in 300ms at 2 Hz", got)
	}
}

func TestManager_RegisterErrors(t *testing.T) {
	m := NewManager(&staging{}, Options{MaxAgents: 1})
	defer m.Close()
	slot := frame.NewSlot(8)

	if _, err := m.Register(AgentConfig{Source: slot, RateHz: 0}); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("zero rate error = %v", err)
	}
	if _, err := m.Register(AgentConfig{RateHz: 1}); err == nil {
		t.Error("nil source accepted")
	}

	id, err := m.Register(AgentConfig{Source: slot, RateHz: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 36 {
		t.Errorf("generated ID %q is not a UUID", id)
	}
	if _, err := m.Register(AgentConfig{ID: id, Source: slot, RateHz: 1}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate error = %v", err)
	}
	if _, err := m.Register(AgentConfig{ID: "other", Source: slot, RateHz: 1}); !errors.Is(err, ErrTooManyAgents) {
		t.Errorf("over limit error = %v", err)
	}

	if err := m.Deregister("missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Deregister(missing) error = %v", err)
	}
	if err := m.Heartbeat("missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Heartbeat(missing) error = %v", err)
	}
}

func TestManager_DecodeErrorsCounted(t *testing.T) {
	inj := &staging{}
	m := NewManager(inj, Options{})
	defer m.Close()

	slot := frame.NewSlot(64)
	_, _ = slot.Write([]byte("not json"))
	if _, err := m.Register(AgentConfig{ID: "bad", Source: slot, RateHz: 1000}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "decode error", func() bool { return m.Agents()[0].DecodeErrors == 1 })
	if inj.len() != 0 {
		t.Errorf("staged %d injections from a bad frame", inj.len())
	}
}

func TestManager_PrunesSilentAgents(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Unix(1000, 0).UnixNano())

	m := NewManager(&staging{}, Options{Timeout: 10 * time.Second})
	m.now = func() time.Time { return time.Unix(0, clock.Load()) }
	defer m.Close()

	for _, id := range []string{"a", "b"} {
		if _, err := m.Register(AgentConfig{ID: id, Source: frame.NewSlot(8), RateHz: 1}); err != nil {
			t.Fatal(err)
		}
	}

	clock.Add(int64(8 * time.Second))
	if err := m.Heartbeat("b"); err != nil {
		t.Fatal(err)
	}
	clock.Add(int64(5 * time.Second))

	if stale := m.Stale(); len(stale) != 1 || stale[0] != "a" {
		t.Fatalf("Stale() = %v, want [a]", stale)
	}
	if n := m.PruneInactive(); n != 1 {
		t.Errorf("PruneInactive() = %d, want 1", n)
	}
	if m.Len() != 1 || m.Agents()[0].ID != "b" {
		t.Errorf("remaining agents = %+v", m.Agents())
	}
}

func TestManager_MonitorPrunes(t *testing.T) {
	m := NewManager(&staging{}, Options{Timeout: time.Nanosecond})
	if _, err := m.Register(AgentConfig{ID: "x", Source: frame.NewSlot(8), RateHz: 1}); err != nil {
		t.Fatal(err)
	}

	go m.Monitor(t.Context(), time.Millisecond)
	waitFor(t, "monitor to prune", func() bool { return m.Len() == 0 })
}
