package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestSlot_EmptyReadsNothing(t *testing.T) {
	s := NewSlot(64)
	if _, ok := s.Read(); ok {
		t.Error("Read() on empty slot returned a frame")
	}
	if s.Seq() != 0 {
		t.Errorf("Seq() = %d", s.Seq())
	}
}

func TestSlot_LatestValueWins(t *testing.T) {
	s := NewSlot(64)
	fixed := time.Unix(1700000000, 123)
	s.now = func() time.Time { return fixed }

	for i, p := range []string{"first", "second", "third"} {
		seq, err := s.Write([]byte(p))
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(i+1) {
			t.Errorf("Write() seq = %d, want %d", seq, i+1)
		}
	}

	f, ok := s.Read()
	if !ok {
		t.Fatal("Read() returned nothing")
	}
	if string(f.Payload) != "third" || f.Seq != 3 || !f.Time.Equal(fixed) {
		t.Errorf("Read() = %q seq %d time %v", f.Payload, f.Seq, f.Time)
	}
}

func TestSlot_ShorterPayloadNotPadded(t *testing.T) {
	s := NewSlot(16)
	_, _ = s.Write([]byte("0123456789"))
	_, _ = s.Write([]byte("ab"))
	if f, _ := s.Read(); !bytes.Equal(f.Payload, []byte("ab")) {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestSlot_TooLarge(t *testing.T) {
	s := NewSlot(4)
	if _, err := s.Write([]byte("12345")); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Write() error = %v", err)
	}
}

func TestSlot_HeaderLayout(t *testing.T) {
	s := NewSlot(8)
	_, _ = s.Write([]byte("abc"))

	if string(s.buf[:8]) != Magic {
		t.Errorf("magic = %q", s.buf[:8])
	}
	if seq := binary.LittleEndian.Uint64(s.buf[8:16]); seq != 2 {
		t.Errorf("raw sequence = %d, want 2", seq)
	}
	if n := binary.LittleEndian.Uint64(s.buf[16:24]); n != 3 {
		t.Errorf("length = %d, want 3", n)
	}
	if string(s.buf[HeaderSize:HeaderSize+3]) != "abc" {
		t.Errorf("payload bytes = %q", s.buf[HeaderSize:HeaderSize+3])
	}
}

func TestSlot_WriteInProgressHidesFrame(t *testing.T) {
	s := NewSlot(8)
	_, _ = s.Write([]byte("ok"))

	// simulate a writer stuck mid-frame
	atomic.AddUint64(s.word(offSeq), 1)
	if _, ok := s.Read(); ok {
		t.Error("Read() returned a frame while a write was in progress")
	}
	atomic.AddUint64(s.word(offSeq), 1)
	if f, ok := s.Read(); !ok || string(f.Payload) != "ok" {
		t.Errorf("Read() after write completed = %q, %v", f.Payload, ok)
	}
}

func TestSlot_CorruptPayloadRejected(t *testing.T) {
	s := NewSlot(8)
	_, _ = s.Write([]byte("good"))
	s.buf[HeaderSize] = 'X'
	if _, ok := s.Read(); ok {
		t.Error("Read() accepted a payload failing its checksum")
	}
}

func TestFileSlot_SharedBetweenMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viz.frame")

	w, err := CreateFile(path, 128)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	defer w.Close()

	r, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer r.Close()

	if _, ok := r.Read(); ok {
		t.Error("reader saw a frame before any write")
	}
	if _, err := w.Write([]byte(`{"timestep":7}`)); err != nil {
		t.Fatal(err)
	}
	f, ok := r.Read()
	if !ok || string(f.Payload) != `{"timestep":7}` {
		t.Errorf("reader got %q, %v", f.Payload, ok)
	}
	if r.Capacity() != 128 {
		t.Errorf("Capacity() = %d", r.Capacity())
	}
}

func TestOpenFile_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	w, err := CreateFile(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	copy(w.buf[:8], "NOTFRAME")
	w.Close()

	if _, err := OpenFile(path); !errors.Is(err, ErrBadMagic) {
		t.Errorf("OpenFile() error = %v, want ErrBadMagic", err)
	}
}
