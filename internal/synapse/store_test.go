package synapse

import (
	"errors"
	"testing"
)

func TestStore_IndexIsExplicit(t *testing.T) {
	s := NewStore(4)
	if _, err := s.Add(1, 2, 10, 5, Excitatory); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if !s.Dirty() {
		t.Error("Dirty() = false after Add, want true")
	}
	if got := s.Outgoing(1); len(got) != 0 {
		t.Errorf("Outgoing(1) before rebuild = %v, want empty", got)
	}

	s.RebuildIndex()
	if s.Dirty() {
		t.Error("Dirty() = true after RebuildIndex")
	}
	if got := s.Outgoing(1); len(got) != 1 {
		t.Errorf("Outgoing(1) = %v, want one slot", got)
	}
	if got := s.Incoming(2); len(got) != 1 {
		t.Errorf("Incoming(2) = %v, want one slot", got)
	}
}

func TestStore_DuplicatePair(t *testing.T) {
	s := NewStore(2)
	_, _ = s.Add(1, 2, 1, 1, Excitatory)
	if _, err := s.Add(1, 2, 3, 3, Inhibitory); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add() error = %v, want ErrExists", err)
	}

	// A removed pair can be recreated.
	if err := s.Remove(1, 2); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Add(1, 2, 3, 3, Inhibitory); err != nil {
		t.Errorf("Add() after Remove error = %v", err)
	}
}

func TestStore_RemoveMissing(t *testing.T) {
	s := NewStore(0)
	if err := s.Remove(4, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ZeroWeightIsPrunableNotRemoved(t *testing.T) {
	s := NewStore(2)
	i, _ := s.Add(1, 2, 0, 1, Excitatory)
	_, _ = s.Add(2, 3, 4, 1, Excitatory)

	if got := s.Prunable(); len(got) != 1 || got[0] != i {
		t.Errorf("Prunable() = %v, want [%d]", got, i)
	}
	if _, ok := s.Find(1, 2); !ok {
		t.Error("zero-weight synapse was removed")
	}
	if s.Live() != 2 {
		t.Errorf("Live() = %d, want 2", s.Live())
	}
}

func TestStore_Compact(t *testing.T) {
	s := NewStore(8)
	_, _ = s.Add(0, 1, 5, 1, Excitatory)
	_, _ = s.Add(1, 2, 0, 1, Excitatory) // prunable
	_, _ = s.Add(2, 3, 5, 1, Excitatory)
	_, _ = s.Add(3, 0, 5, 1, Inhibitory)
	_ = s.Remove(0, 1)

	dropped := s.Compact(map[uint32]uint32{3: 1}, map[uint32]bool{2: true})
	if dropped != 3 {
		t.Errorf("Compact() dropped %d, want 3", dropped)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got := s.Get(0)
	if got.Source != 1 || got.Target != 0 || got.Type != Inhibitory {
		t.Errorf("remaining synapse = %+v, want 1→0 inhibitory", got)
	}
	if _, ok := s.Find(1, 0); !ok {
		t.Error("Find(1, 0) failed after compact")
	}
	if s.Dirty() {
		t.Error("index dirty after compact")
	}
}

func TestType_Sign(t *testing.T) {
	if Excitatory.Sign() != 1 || Inhibitory.Sign() != -1 {
		t.Errorf("signs = %v/%v, want 1/-1", Excitatory.Sign(), Inhibitory.Sign())
	}
}
