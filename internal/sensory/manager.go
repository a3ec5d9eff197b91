// Package sensory runs one polling goroutine per registered sensory agent.
// Each agent reads frames from its source at a bounded rate and stages the
// decoded injections on the NPU.
package sensory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/frame"
	"github.com/nvandessel/burstnpu/internal/logging"
	"github.com/nvandessel/burstnpu/internal/ratelimit"
)

var (
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrNotRegistered     = errors.New("agent not registered")
	ErrTooManyAgents     = errors.New("agent limit reached")
	ErrInvalidRate       = errors.New("invalid agent rate")
)

const (
	// DefaultTimeout is the heartbeat age after which an agent is dropped.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxAgents bounds concurrent agents.
	DefaultMaxAgents = 100
	// maxSleep caps one idle wait so Deregister stays responsive.
	maxSleep = 100 * time.Millisecond
	// idleSleep is the wait after a poll found no new frame.
	idleSleep = time.Millisecond
)

// Source is where an agent reads frames from; *frame.Slot and
// *frame.FileSlot satisfy it.
type Source interface {
	Read() (frame.Frame, bool)
}

// Injector stages injections for the next burst.
type Injector interface {
	InjectSensoryWithPotentials(batch []fire.Injection) int
}

// Decoder turns a frame payload into injections.
type Decoder func(payload []byte) ([]fire.Injection, error)

// DecodeJSON decodes a JSON array of injections.
func DecodeJSON(payload []byte) ([]fire.Injection, error) {
	var batch []fire.Injection
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("decode injections: %w", err)
	}
	return batch, nil
}

// AgentConfig describes an agent to register.
type AgentConfig struct {
	// ID names the agent; empty assigns a random UUID.
	ID     string
	Source Source
	// RateHz is the maximum number of frames read per second.
	RateHz float64
	// Decode defaults to DecodeJSON.
	Decode Decoder
}

// AgentInfo is a snapshot of one agent.
type AgentInfo struct {
	ID           string    `json:"id"`
	RateHz       float64   `json:"rate_hz"`
	Registered   time.Time `json:"registered"`
	LastSeen     time.Time `json:"last_seen"`
	Frames       uint64    `json:"frames"`
	Injected     uint64    `json:"injected"`
	DecodeErrors uint64    `json:"decode_errors"`
}

type agent struct {
	cfg  AgentConfig
	stop chan struct{}
	done chan struct{}

	mu   sync.Mutex
	info AgentInfo
}

func (a *agent) snapshot() AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	Timeout   time.Duration
	MaxAgents int
	Logger    *slog.Logger
	Events    *logging.EventLogger
}

// Manager owns the agents' goroutines.
type Manager struct {
	inj  Injector
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu     sync.Mutex
	agents map[string]*agent
}

// NewManager creates a manager staging injections on inj.
func NewManager(inj Injector, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = DefaultMaxAgents
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		inj:    inj,
		opts:   opts,
		log:    log,
		now:    time.Now,
		agents: make(map[string]*agent),
	}
}

// Register starts polling for a new agent and returns its ID.
func (m *Manager) Register(cfg AgentConfig) (string, error) {
	if cfg.RateHz <= 0 {
		return "", fmt.Errorf("agent %q: %v Hz: %w", cfg.ID, cfg.RateHz, ErrInvalidRate)
	}
	if cfg.Source == nil {
		return "", fmt.Errorf("agent %q: no source", cfg.ID)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Decode == nil {
		cfg.Decode = DecodeJSON
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[cfg.ID]; ok {
		return "", fmt.Errorf("agent %q: %w", cfg.ID, ErrAlreadyRegistered)
	}
	if len(m.agents) >= m.opts.MaxAgents {
		return "", fmt.Errorf("agent %q: %d agents: %w", cfg.ID, len(m.agents), ErrTooManyAgents)
	}

	now := m.now()
	a := &agent{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		info: AgentInfo{ID: cfg.ID, RateHz: cfg.RateHz, Registered: now, LastSeen: now},
	}
	m.agents[cfg.ID] = a
	go m.poll(a, ratelimit.NewLimiter(cfg.RateHz, 1))

	m.log.Info("sensory agent registered", "agent", cfg.ID, "rate_hz", cfg.RateHz)
	m.opts.Events.Log(map[string]any{"event": "agent_registered", "agent": cfg.ID, "rate_hz": cfg.RateHz})
	return cfg.ID, nil
}

// Deregister stops an agent and waits for its goroutine to exit.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q: %w", id, ErrNotRegistered)
	}

	close(a.stop)
	<-a.done
	m.log.Info("sensory agent deregistered", "agent", id)
	m.opts.Events.Log(map[string]any{"event": "agent_deregistered", "agent": id})
	return nil
}

// Heartbeat marks an agent as alive.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q: %w", id, ErrNotRegistered)
	}
	a.mu.Lock()
	a.info.LastSeen = m.now()
	a.mu.Unlock()
	return nil
}

// Agents lists the registered agents by ID.
func (m *Manager) Agents() []AgentInfo {
	m.mu.Lock()
	out := make([]AgentInfo, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.snapshot())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b AgentInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of registered agents.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// Stale returns the agents whose last heartbeat is older than the timeout.
func (m *Manager) Stale() []string {
	now := m.now()
	var ids []string
	for _, info := range m.Agents() {
		if now.Sub(info.LastSeen) > m.opts.Timeout {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

// PruneInactive deregisters stale agents and returns how many it removed.
func (m *Manager) PruneInactive() int {
	n := 0
	for _, id := range m.Stale() {
		if err := m.Deregister(id); err == nil {
			m.log.Warn("sensory agent timed out", "agent", id, "timeout", m.opts.Timeout)
			n++
		}
	}
	return n
}

// Monitor prunes inactive agents every interval until ctx is done.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PruneInactive()
		}
	}
}

// Close deregisters every agent.
func (m *Manager) Close() {
	for _, info := range m.Agents() {
		_ = m.Deregister(info.ID)
	}
}

// poll reads a.cfg.Source at most RateHz times per second. A frame with a
// sequence already seen is skipped; a new frame counts as a heartbeat.
func (m *Manager) poll(a *agent, lim *ratelimit.Limiter) {
	defer close(a.done)
	id := a.cfg.ID
	var lastSeq uint64

	wait := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-a.stop:
			return false
		case <-t.C:
			return true
		}
	}

	for {
		select {
		case <-a.stop:
			return
		default:
		}

		if d := lim.Delay(id); d != 0 {
			if d < 0 || d > maxSleep {
				d = maxSleep
			}
			if !wait(d) {
				return
			}
			continue
		}

		f, ok := a.cfg.Source.Read()
		if !ok || f.Seq == lastSeq {
			if !wait(idleSleep) {
				return
			}
			continue
		}
		lim.Allow(id)
		lastSeq = f.Seq

		batch, err := a.cfg.Decode(f.Payload)
		a.mu.Lock()
		a.info.Frames++
		a.info.LastSeen = m.now()
		if err != nil {
			a.info.DecodeErrors++
		}
		a.mu.Unlock()
		if err != nil {
			m.log.Warn("sensory frame dropped", "agent", id, "seq", f.Seq, "error", err)
			continue
		}

		n := m.inj.InjectSensoryWithPotentials(batch)
		a.mu.Lock()
		a.info.Injected += uint64(n)
		a.mu.Unlock()
		m.log.Log(context.Background(), logging.LevelTrace, "sensory frame staged", "agent", id, "seq", f.Seq, "injections", n)
	}
}
