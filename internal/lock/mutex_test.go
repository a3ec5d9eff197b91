package lock

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nvandessel/burstnpu/internal/logging"
)

func TestMutex_DoReturnsFnError(t *testing.T) {
	m := New(nil, false)
	want := errors.New("boom")
	if err := m.Do("test", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
	if m.Poisoned() {
		t.Error("plain error poisoned the lock")
	}
}

func TestMutex_PanicPoisons(t *testing.T) {
	m := New(nil, false)

	err := m.Do("burst", func() error { panic("corrupt") })
	if !errors.Is(err, ErrPoisoned) {
		t.Fatalf("Do() error = %v, want ErrPoisoned", err)
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Errorf("error %q does not carry the panic value", err)
	}
	if !m.Poisoned() {
		t.Fatal("Poisoned() = false after panic")
	}

	ran := false
	if err := m.Do("burst", func() error { ran = true; return nil }); !errors.Is(err, ErrPoisoned) {
		t.Errorf("Do() on poisoned lock error = %v", err)
	}
	if ran {
		t.Error("fn ran on a poisoned lock")
	}

	// the lock itself must have been released by the panicking Do
	if !m.TryLock("check") {
		t.Fatal("lock still held after panic")
	}
	m.Unlock()

	m.Reset()
	if err := m.Do("burst", func() error { ran = true; return nil }); err != nil || !ran {
		t.Errorf("Do() after Reset error = %v ran = %v", err, ran)
	}
}

func TestMutex_MutualExclusion(t *testing.T) {
	m := New(nil, false)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = m.Do("worker", func() error {
					counter++
					return nil
				})
			}
		}()
	}
	wg.Wait()

	if counter != 16*500 {
		t.Errorf("counter = %d, want %d", counter, 16*500)
	}
	if got := m.Stats().Acquisitions; got != 16*500 {
		t.Errorf("Acquisitions = %d, want %d", got, 16*500)
	}
}

func TestMutex_TryLockContended(t *testing.T) {
	var buf bytes.Buffer
	m := New(logging.NewLogger("trace", &buf), true)

	m.Lock("burst")
	if m.TryLock("api") {
		t.Fatal("TryLock() succeeded while held")
	}
	m.Unlock()

	if m.Stats().TryFailures != 1 {
		t.Errorf("TryFailures = %d, want 1", m.Stats().TryFailures)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "caller=api") {
		t.Errorf("try-lock contention not logged at warn: %q", out)
	}
}

func TestMutex_TraceToggle(t *testing.T) {
	var buf bytes.Buffer
	m := New(logging.NewLogger("trace", &buf), false)

	m.Lock("quiet")
	m.Unlock()
	if buf.Len() != 0 {
		t.Errorf("untraced lock logged: %q", buf.String())
	}

	m.SetTrace(true)
	m.Lock("loud")
	m.Unlock()
	out := buf.String()
	if !strings.Contains(out, "npu lock acquired") || !strings.Contains(out, "npu lock released") {
		t.Errorf("traced lock output = %q", out)
	}
}

func TestMutex_SlowHoldWarns(t *testing.T) {
	var buf bytes.Buffer
	m := New(logging.NewLogger("warn", &buf), true)

	m.Lock("slow")
	time.Sleep(SlowThreshold + 2*time.Millisecond)
	m.Unlock()

	if !strings.Contains(buf.String(), "npu lock released") {
		t.Errorf("slow hold not logged at warn: %q", buf.String())
	}
	if m.Stats().MaxHold <= SlowThreshold {
		t.Errorf("MaxHold = %v", m.Stats().MaxHold)
	}
}

func TestMutex_LockReportsWait(t *testing.T) {
	m := New(nil, false)
	m.Lock("holder")

	done := make(chan time.Duration)
	go func() {
		done <- m.Lock("waiter")
		m.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	m.Unlock()

	if wait := <-done; wait < 5*time.Millisecond {
		t.Errorf("wait = %v, want >= 5ms", wait)
	}
}
