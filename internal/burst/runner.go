package burst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/nvandessel/burstnpu/internal/lock"
	"github.com/nvandessel/burstnpu/internal/logging"
	"github.com/nvandessel/burstnpu/internal/npu"
)

// State is the runner's lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrAlreadyRunning = errors.New("burst loop already running")
	ErrNotRunning     = errors.New("burst loop not running")
	ErrStopTimeout    = errors.New("burst loop did not stop in time")
)

const (
	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout = 2 * time.Second
	// gapWarn is the lateness past one period that is logged.
	gapWarn = 100 * time.Millisecond
	// lockWaitWarn is the lock wait that is logged.
	lockWaitWarn = 10 * time.Millisecond
	// loadInterval is how often host CPU load is read.
	loadInterval = time.Second
)

// Options configures a Runner. Zero fields take defaults.
type Options struct {
	// Frequency is the burst rate in Hz. Default 10.
	Frequency float64
	Sampler   *Sampler
	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger
	Events    *logging.EventLogger
	// HostLoad reads host CPU usage in percent. Default gopsutil.
	HostLoad func() (float64, error)
}

// Stats summarizes the loop since Start.
type Stats struct {
	State        State          `json:"state"`
	Frequency    float64        `json:"frequency_hz"`
	Bursts       uint64         `json:"bursts"`
	Fired        uint64         `json:"fired"`
	Processed    uint64         `json:"processed"`
	Refractory   uint64         `json:"refractory"`
	Errors       uint64         `json:"errors"`
	Samples      uint64         `json:"samples"`
	LastLockWait time.Duration  `json:"last_lock_wait"`
	MaxLockWait  time.Duration  `json:"max_lock_wait"`
	HostCPU      float64        `json:"host_cpu_percent"`
	Last         npu.BurstStats `json:"last"`
}

type command struct {
	op    int
	reply chan error
}

const (
	opPause = iota
	opResume
	opStep
)

// Runner drives an Engine on a ticker. The Engine is shared with other
// goroutines through its Mutex; the runner holds it only for the duration
// of one burst.
type Runner struct {
	engine npu.Engine
	ts     *Timestep
	opts   Options
	log    *slog.Logger

	state atomic.Int32

	mu     sync.Mutex // guards the fields below
	cmds   chan command
	freq   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	stats  Stats
	lastAt time.Time
	loadAt time.Time
}

// NewRunner creates a stopped runner for e.
func NewRunner(e npu.Engine, opts Options) (*Runner, error) {
	if opts.Frequency == 0 {
		opts.Frequency = 10
	}
	ts, err := NewTimestep(opts.Frequency)
	if err != nil {
		return nil, err
	}
	ts.Set(e.Timestep())
	if opts.Sampler == nil {
		opts.Sampler = NewSampler(ModeVisualization, 0)
	}
	if opts.HostLoad == nil {
		opts.HostLoad = hostLoad
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Runner{engine: e, ts: ts, opts: opts, log: log}, nil
}

func hostLoad() (float64, error) {
	usage, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(usage) == 0 {
		return 0, errors.New("no cpu usage reported")
	}
	return usage[0], nil
}

// Timestep returns the shared clock.
func (r *Runner) Timestep() *Timestep { return r.ts }

// State returns the lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

func (r *Runner) setState(s State) {
	if old := State(r.state.Swap(int32(s))); old != s {
		r.log.Info("burst loop state changed", "from", old.String(), "to", s.String())
	}
}

// Start launches the loop in Running state. Cancelling ctx stops it.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != Stopped {
		return ErrAlreadyRunning
	}
	r.cmds = make(chan command)
	r.freq = make(chan struct{}, 1)
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	r.lastAt = time.Time{}
	r.setState(Running)
	r.log.Info("burst loop starting", "frequency_hz", r.ts.Frequency(), "backend", r.engine.BackendName())
	go r.loop(ctx, r.cmds, r.freq, r.quit, r.done)
	return nil
}

func (r *Runner) loop(ctx context.Context, cmds <-chan command, freq <-chan struct{}, quit <-chan struct{}, done chan<- struct{}) {
	// The loop owns the final state: Stopped is set only once nothing can
	// change it again.
	defer func() {
		r.setState(Stopped)
		close(done)
	}()
	ticker := time.NewTicker(r.ts.Period())
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-freq:
			ticker.Reset(r.ts.Period())
		case c := <-cmds:
			var err error
			next := Paused
			switch c.op {
			case opResume:
				next = Running
			case opStep:
				err = r.tick()
			}
			if stopping(quit) {
				if c.op != opStep {
					err = ErrNotRunning
				}
				c.reply <- err
				return
			}
			r.setState(next)
			c.reply <- err
		case <-ticker.C:
			if r.State() != Running {
				continue
			}
			if err := r.tick(); err != nil {
				if errors.Is(err, lock.ErrPoisoned) {
					r.log.Error("burst loop paused: lock poisoned", "error", err)
					r.opts.Events.Log(map[string]any{
						"event":    "loop_paused",
						"reason":   "lock_poisoned",
						"timestep": r.ts.Current(),
						"error":    err.Error(),
					})
					if !stopping(quit) {
						r.setState(Paused)
					}
					continue
				}
				r.log.Warn("burst failed", "error", err)
			}
		}
	}
}

// stopping reports whether Stop has been called for the current run.
func stopping(quit <-chan struct{}) bool {
	select {
	case <-quit:
		return true
	default:
		return false
	}
}

func (r *Runner) send(ctx context.Context, op int) error {
	r.mu.Lock()
	cmds, done := r.cmds, r.done
	running := r.State() != Stopped
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	c := command{op: op, reply: make(chan error, 1)}
	select {
	case cmds <- c:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops ticking without stopping the loop.
func (r *Runner) Pause(ctx context.Context) error { return r.send(ctx, opPause) }

// Resume continues ticking after Pause or Step.
func (r *Runner) Resume(ctx context.Context) error { return r.send(ctx, opResume) }

// Step runs exactly one burst and leaves the loop Paused. It returns the
// burst's error.
func (r *Runner) Step(ctx context.Context) error { return r.send(ctx, opStep) }

// Tick runs one burst on the calling goroutine. It is meant for driving an
// engine without starting the loop.
func (r *Runner) Tick() error {
	if r.State() != Stopped {
		return ErrAlreadyRunning
	}
	return r.tick()
}

// Stop ends the loop and waits up to StopTimeout for it to exit. A command
// already inside the loop finishes first; the loop then reports Stopped.
// Calling Stop again, or on a runner that never started, does nothing.
func (r *Runner) Stop() error {
	r.mu.Lock()
	quit, done := r.quit, r.done
	r.quit = nil
	r.mu.Unlock()
	if quit == nil {
		return nil
	}

	close(quit)
	select {
	case <-done:
		r.log.Info("burst loop stopped", "timestep", r.ts.Current())
		return nil
	case <-time.After(StopTimeout):
		return ErrStopTimeout
	}
}

// SetFrequency changes the burst rate of a running or stopped loop.
func (r *Runner) SetFrequency(hz float64) error {
	if err := r.ts.SetFrequency(hz); err != nil {
		return err
	}
	r.mu.Lock()
	freq := r.freq
	r.mu.Unlock()
	if freq != nil {
		select {
		case freq <- struct{}{}:
		default:
		}
	}
	r.log.Info("burst frequency changed", "frequency_hz", hz)
	return nil
}

// Stats returns a copy of the loop statistics.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.State = r.State()
	st.Frequency = r.ts.Frequency()
	return st
}

// tick processes one burst under the engine lock, then records and
// publishes outside it.
func (r *Runner) tick() error {
	start := time.Now()
	r.mu.Lock()
	if !r.lastAt.IsZero() {
		if gap := start.Sub(r.lastAt); gap > r.ts.Period()+gapWarn {
			r.log.Warn("burst loop behind schedule", "gap", gap, "period", r.ts.Period())
		}
	}
	r.lastAt = start
	r.mu.Unlock()

	var (
		st      npu.BurstStats
		sample  Sample
		sampled bool
		wait    time.Duration
	)
	err := r.engine.Mutex().Do("burst loop", func() error {
		wait = time.Since(start)
		var err error
		if st, err = r.engine.ProcessBurst(); err != nil {
			return err
		}
		sample, sampled = r.opts.Sampler.Take(r.engine.FireQueue(), r.engine.Areas())
		return nil
	})
	if wait > lockWaitWarn {
		r.log.Warn("burst loop waited for npu lock", "wait", wait)
	}

	r.mu.Lock()
	r.stats.LastLockWait = wait
	r.stats.MaxLockWait = max(r.stats.MaxLockWait, wait)
	if err != nil {
		r.stats.Errors++
		r.mu.Unlock()
		return fmt.Errorf("burst loop: %w", err)
	}
	r.stats.Bursts++
	r.stats.Fired += uint64(st.Fired)
	r.stats.Processed += uint64(st.Processed)
	r.stats.Refractory += uint64(st.Refractory)
	r.stats.Last = st
	if sampled {
		r.stats.Samples++
	}
	readLoad := r.loadAt.IsZero() || start.Sub(r.loadAt) >= loadInterval
	if readLoad {
		r.loadAt = start
	}
	r.mu.Unlock()

	r.ts.Set(st.Timestep)
	r.log.Log(context.Background(), logging.LevelTrace, "burst processed",
		"timestep", st.Timestep, "fired", st.Fired, "processed", st.Processed, "duration", st.Duration)

	if readLoad {
		if load, err := r.opts.HostLoad(); err == nil {
			r.mu.Lock()
			r.stats.HostCPU = load
			r.mu.Unlock()
		}
	}
	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.RecordBurst(st); err != nil {
			r.log.Warn("recording burst stats failed", "timestep", st.Timestep, "error", err)
		}
	}
	if sampled && r.opts.Publisher != nil {
		if err := r.opts.Publisher.Publish(sample); err != nil {
			r.log.Warn("publishing sample failed", "timestep", st.Timestep, "error", err)
		}
	}
	return nil
}
