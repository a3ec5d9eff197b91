// Package lock provides the coarse NPU lock. Tracing is a runtime toggle
// on the same type, so call sites never change when it is switched on.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvandessel/burstnpu/internal/logging"
)

// ErrPoisoned is returned once a holder panicked. The guarded state may be
// half-updated, so the lock refuses Do until Reset.
var ErrPoisoned = errors.New("npu lock poisoned")

// SlowThreshold is the wait or hold duration above which a traced lock
// logs at warn level.
const SlowThreshold = 5 * time.Millisecond

// Stats are cumulative lock counters.
type Stats struct {
	Acquisitions uint64        `json:"acquisitions"`
	TryFailures  uint64        `json:"try_failures"`
	TotalWait    time.Duration `json:"total_wait"`
	MaxWait      time.Duration `json:"max_wait"`
	TotalHold    time.Duration `json:"total_hold"`
	MaxHold      time.Duration `json:"max_hold"`
}

// Mutex is a sync.Mutex that records wait and hold times, can log every
// acquisition, and is poisoned by a panic inside Do.
type Mutex struct {
	mu  sync.Mutex
	log *slog.Logger

	trace    atomic.Bool
	poisoned atomic.Bool

	// written by the holder only
	holder     string
	acquiredAt time.Time

	acquisitions atomic.Uint64
	tryFailures  atomic.Uint64
	totalWait    atomic.Int64
	maxWait      atomic.Int64
	totalHold    atomic.Int64
	maxHold      atomic.Int64
}

// New creates a Mutex. A nil logger disables trace output.
func New(log *slog.Logger, trace bool) *Mutex {
	if log == nil {
		log = logging.Discard()
	}
	m := &Mutex{log: log}
	m.trace.Store(trace)
	return m
}

// SetTrace switches acquisition logging on or off.
func (m *Mutex) SetTrace(on bool) { m.trace.Store(on) }

// Tracing reports whether acquisition logging is on.
func (m *Mutex) Tracing() bool { return m.trace.Load() }

// Lock blocks until the lock is held and returns how long it waited.
// caller names the acquiring subsystem in trace output.
func (m *Mutex) Lock(caller string) time.Duration {
	start := time.Now()
	m.mu.Lock()
	now := time.Now()
	wait := now.Sub(start)
	m.acquired(caller, now, wait)

	if m.trace.Load() {
		lvl := logging.LevelTrace
		if wait > SlowThreshold {
			lvl = slog.LevelWarn
		}
		m.log.Log(context.Background(), lvl, "npu lock acquired", "caller", caller, "wait", wait)
	}
	return wait
}

// TryLock acquires the lock if it is free. Try-lock access comes from
// outside the burst loop, so traced locks log every attempt at warn level.
func (m *Mutex) TryLock(caller string) bool {
	if !m.mu.TryLock() {
		m.tryFailures.Add(1)
		if m.trace.Load() {
			m.log.Warn("npu lock try-lock contended", "caller", caller)
		}
		return false
	}
	m.acquired(caller, time.Now(), 0)
	if m.trace.Load() {
		m.log.Warn("npu lock taken via try-lock", "caller", caller)
	}
	return true
}

func (m *Mutex) acquired(caller string, at time.Time, wait time.Duration) {
	m.holder = caller
	m.acquiredAt = at
	m.acquisitions.Add(1)
	m.totalWait.Add(int64(wait))
	storeMax(&m.maxWait, int64(wait))
}

// Unlock releases the lock.
func (m *Mutex) Unlock() {
	hold := time.Since(m.acquiredAt)
	caller := m.holder
	m.holder = ""
	m.totalHold.Add(int64(hold))
	storeMax(&m.maxHold, int64(hold))
	m.mu.Unlock()

	if m.trace.Load() {
		lvl := slog.LevelDebug
		if hold > SlowThreshold {
			lvl = slog.LevelWarn
		}
		m.log.Log(context.Background(), lvl, "npu lock released", "caller", caller, "hold", hold)
	}
}

// Do runs fn while holding the lock. A panic in fn poisons the lock and is
// returned as an error wrapping ErrPoisoned; later calls fail fast until
// Reset.
func (m *Mutex) Do(caller string, fn func() error) (err error) {
	if m.poisoned.Load() {
		return fmt.Errorf("%s: %w", caller, ErrPoisoned)
	}
	m.Lock(caller)
	defer func() {
		if r := recover(); r != nil {
			m.poisoned.Store(true)
			m.log.Error("panic while holding npu lock", "caller", caller, "panic", r)
			err = fmt.Errorf("%s: panic: %v: %w", caller, r, ErrPoisoned)
		}
		m.Unlock()
	}()
	return fn()
}

// Poisoned reports whether a holder panicked.
func (m *Mutex) Poisoned() bool { return m.poisoned.Load() }

// Reset clears the poisoned flag. The caller is responsible for having
// restored the guarded state.
func (m *Mutex) Reset() { m.poisoned.Store(false) }

// Stats returns the cumulative counters.
func (m *Mutex) Stats() Stats {
	return Stats{
		Acquisitions: m.acquisitions.Load(),
		TryFailures:  m.tryFailures.Load(),
		TotalWait:    time.Duration(m.totalWait.Load()),
		MaxWait:      time.Duration(m.maxWait.Load()),
		TotalHold:    time.Duration(m.totalHold.Load()),
		MaxHold:      time.Duration(m.maxHold.Load()),
	}
}

func storeMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
