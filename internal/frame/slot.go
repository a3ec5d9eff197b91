// Package frame implements a latest-value-wins output slot. A writer
// overwrites one frame in place; readers see either the newest complete
// frame or nothing, never a partial one.
//
// Layout (little-endian, 8-byte words):
//
//	[0:8]   magic "NPUFRAME"
//	[8:16]  sequence (odd while a write is in progress)
//	[16:24] payload length
//	[24:32] xxhash64 of the payload
//	[32:40] timestamp seconds
//	[40:48] timestamp nanoseconds
//	[48:]   payload
package frame

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Magic identifies a frame slot.
const Magic = "NPUFRAME"

// HeaderSize is the byte length of the slot header.
const HeaderSize = 48

const (
	offSeq   = 8
	offLen   = 16
	offSum   = 24
	offSecs  = 32
	offNanos = 40
)

// readRetries bounds how often Read retries when it races a writer.
const readRetries = 16

var (
	// ErrTooLarge is returned for a payload that does not fit the slot.
	ErrTooLarge = errors.New("frame payload exceeds slot capacity")
	// ErrBadMagic is returned when a buffer does not hold a frame slot.
	ErrBadMagic = errors.New("not a frame slot")
)

// Frame is one complete frame read from a slot.
type Frame struct {
	Seq     uint64
	Time    time.Time
	Payload []byte
}

// Slot is a seqlock-protected frame buffer. One goroutine or process
// writes; any number read.
type Slot struct {
	wmu sync.Mutex
	buf []byte
	now func() time.Time
}

// NewSlot allocates a slot holding payloads of up to capacity bytes.
func NewSlot(capacity int) *Slot {
	words := make([]uint64, (HeaderSize+capacity+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), HeaderSize+capacity)
	s, _ := attach(buf, true)
	return s
}

// attach wraps an 8-byte aligned buffer. init writes a fresh header;
// otherwise the existing magic is checked.
func attach(buf []byte, init bool) (*Slot, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("slot of %d bytes: %w", len(buf), ErrBadMagic)
	}
	s := &Slot{buf: buf, now: time.Now}
	if init {
		copy(buf[:8], Magic)
		for off := offSeq; off < HeaderSize; off += 8 {
			atomic.StoreUint64(s.word(off), 0)
		}
		return s, nil
	}
	if string(buf[:8]) != Magic {
		return nil, ErrBadMagic
	}
	return s, nil
}

func (s *Slot) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.buf[off]))
}

// Capacity returns the largest payload the slot holds.
func (s *Slot) Capacity() int { return len(s.buf) - HeaderSize }

// Seq returns the number of frames written.
func (s *Slot) Seq() uint64 { return atomic.LoadUint64(s.word(offSeq)) / 2 }

// Write replaces the current frame with payload and returns its sequence
// number.
func (s *Slot) Write(payload []byte) (uint64, error) {
	if len(payload) > s.Capacity() {
		return 0, fmt.Errorf("write %d bytes into %d: %w", len(payload), s.Capacity(), ErrTooLarge)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	seq := s.word(offSeq)
	cur := atomic.LoadUint64(seq)
	atomic.StoreUint64(seq, cur+1)

	now := s.now()
	atomic.StoreUint64(s.word(offLen), uint64(len(payload)))
	atomic.StoreUint64(s.word(offSum), xxhash.Sum64(payload))
	atomic.StoreUint64(s.word(offSecs), uint64(now.Unix()))
	atomic.StoreUint64(s.word(offNanos), uint64(now.Nanosecond()))
	copy(s.buf[HeaderSize:], payload)

	atomic.StoreUint64(seq, cur+2)
	return (cur + 2) / 2, nil
}

// Read returns a copy of the newest complete frame. It reports false when
// nothing was written yet or a consistent frame could not be read.
func (s *Slot) Read() (Frame, bool) {
	seq := s.word(offSeq)
	for try := 0; try < readRetries; try++ {
		before := atomic.LoadUint64(seq)
		if before == 0 {
			return Frame{}, false
		}
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		n := atomic.LoadUint64(s.word(offLen))
		if n > uint64(s.Capacity()) {
			continue
		}
		sum := atomic.LoadUint64(s.word(offSum))
		secs := atomic.LoadUint64(s.word(offSecs))
		nanos := atomic.LoadUint64(s.word(offNanos))
		payload := make([]byte, n)
		copy(payload, s.buf[HeaderSize:HeaderSize+int(n)])

		if atomic.LoadUint64(seq) != before || xxhash.Sum64(payload) != sum {
			continue
		}
		return Frame{
			Seq:     before / 2,
			Time:    time.Unix(int64(secs), int64(nanos)),
			Payload: payload,
		}, true
	}
	return Frame{}, false
}
