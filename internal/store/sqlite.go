// Package store persists connectomes and burst statistics in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/plasticity"
	"github.com/nvandessel/burstnpu/internal/synapse"
)

// ErrNoConnectome is returned by LoadTopology on an empty database.
var ErrNoConnectome = errors.New("no connectome stored")

// BurstRecord is one row of burst statistics.
type BurstRecord struct {
	Timestep        uint64        `json:"timestep"`
	Injected        int           `json:"injected"`
	Processed       int           `json:"processed"`
	Fired           int           `json:"fired"`
	Refractory      int           `json:"refractory"`
	SynapsesVisited int           `json:"synapses_visited"`
	Created         int           `json:"created"`
	Potentiated     int           `json:"potentiated"`
	Depressed       int           `json:"depressed"`
	Dynamics        time.Duration `json:"dynamics"`
	Propagation     time.Duration `json:"propagation"`
	Duration        time.Duration `json:"duration"`
	Backend         string        `json:"backend"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// SQLiteStore holds one connectome and the burst statistics of the runs
// that used it.
type SQLiteStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	now  func() time.Time
}

// DefaultPath returns ~/.burstnpu/npu.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".burstnpu", "npu.db"), nil
}

// Open opens or creates the database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveTopology replaces the stored connectome with top.
func (s *SQLiteStore) SaveTopology(ctx context.Context, top npu.Topology, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"memory_areas", "plasticity", "synapses", "neurons", "areas", "meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, a := range top.Areas {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO areas (idx, cortical_id, ledger_window, psp_uniform, mp_driven) VALUES (?, ?, ?, ?, ?)`,
			a.Index, a.ID.Base64(), a.Window, boolInt(a.UniformPSP), boolInt(a.MPDrivenPSP)); err != nil {
			return fmt.Errorf("failed to insert area %d: %w", a.Index, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO neurons
		(id, area, x, y, z, threshold, threshold_limit, leak, rest, refractory_period,
		 excitability, consecutive_fire_limit, snooze_period, mp_charge_accumulation, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare neuron insert: %w", err)
	}
	defer stmt.Close()
	for _, n := range top.Neurons {
		p := n.Params
		if _, err := stmt.ExecContext(ctx, n.ID, n.Area, n.Position.X, n.Position.Y, n.Position.Z,
			p.Threshold, p.ThresholdLimit, p.Leak, p.Rest, p.RefractoryPeriod,
			p.Excitability, p.ConsecutiveFireLimit, p.SnoozePeriod, boolInt(p.MPChargeAccumulation), p.Type); err != nil {
			return fmt.Errorf("failed to insert neuron %d: %w", n.ID, err)
		}
	}

	syn, err := tx.PrepareContext(ctx, `INSERT INTO synapses (source, target, weight, psp, type) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare synapse insert: %w", err)
	}
	defer syn.Close()
	for _, e := range top.Synapses {
		if !e.Valid {
			continue
		}
		if _, err := syn.ExecContext(ctx, e.Source, e.Target, e.Weight, e.PSP, e.Type); err != nil {
			return fmt.Errorf("failed to insert synapse %d->%d: %w", e.Source, e.Target, err)
		}
	}

	for _, m := range top.Plasticity {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode plasticity mapping: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plasticity (source_area, dest_area, mapping) VALUES (?, ?, ?)`,
			m.SourceArea, m.DestArea, string(b)); err != nil {
			return fmt.Errorf("failed to insert plasticity %d->%d: %w", m.SourceArea, m.DestArea, err)
		}
	}

	for _, a := range top.Memory {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode memory area: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_areas (area, config) VALUES (?, ?)`, a.Area, string(b)); err != nil {
			return fmt.Errorf("failed to insert memory area %d: %w", a.Area, err)
		}
	}

	all := map[string]string{"saved_at": s.now().UTC().Format(time.RFC3339Nano)}
	maps.Copy(all, meta)
	for k, v := range all {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to insert meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LoadTopology reads the stored connectome.
func (s *SQLiteStore) LoadTopology(ctx context.Context) (npu.Topology, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var top npu.Topology
	rows, err := s.db.QueryContext(ctx, `SELECT idx, cortical_id, ledger_window, psp_uniform, mp_driven FROM areas ORDER BY idx`)
	if err != nil {
		return top, fmt.Errorf("failed to query areas: %w", err)
	}
	for rows.Next() {
		var a npu.AreaSpec
		var id string
		var uniform, mp int
		if err := rows.Scan(&a.Index, &id, &a.Window, &uniform, &mp); err != nil {
			rows.Close()
			return top, fmt.Errorf("failed to scan area: %w", err)
		}
		if a.ID, err = cortical.FromBase64(id); err != nil {
			rows.Close()
			return top, fmt.Errorf("area %d: %w", a.Index, err)
		}
		a.UniformPSP, a.MPDrivenPSP = uniform != 0, mp != 0
		top.Areas = append(top.Areas, a)
	}
	rows.Close()
	if len(top.Areas) == 0 {
		return top, ErrNoConnectome
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, area, x, y, z, threshold, threshold_limit, leak, rest,
		refractory_period, excitability, consecutive_fire_limit, snooze_period, mp_charge_accumulation, type
		FROM neurons ORDER BY id`)
	if err != nil {
		return top, fmt.Errorf("failed to query neurons: %w", err)
	}
	for rows.Next() {
		var n npu.NeuronSpec
		var mp int
		p := &n.Params
		if err := rows.Scan(&n.ID, &n.Area, &n.Position.X, &n.Position.Y, &n.Position.Z,
			&p.Threshold, &p.ThresholdLimit, &p.Leak, &p.Rest, &p.RefractoryPeriod,
			&p.Excitability, &p.ConsecutiveFireLimit, &p.SnoozePeriod, &mp, &p.Type); err != nil {
			rows.Close()
			return top, fmt.Errorf("failed to scan neuron: %w", err)
		}
		p.MPChargeAccumulation = mp != 0
		top.Neurons = append(top.Neurons, n)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT source, target, weight, psp, type FROM synapses ORDER BY seq`)
	if err != nil {
		return top, fmt.Errorf("failed to query synapses: %w", err)
	}
	for rows.Next() {
		e := synapse.Synapse{Valid: true}
		if err := rows.Scan(&e.Source, &e.Target, &e.Weight, &e.PSP, &e.Type); err != nil {
			rows.Close()
			return top, fmt.Errorf("failed to scan synapse: %w", err)
		}
		top.Synapses = append(top.Synapses, e)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT mapping FROM plasticity ORDER BY source_area, dest_area`)
	if err != nil {
		return top, fmt.Errorf("failed to query plasticity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return top, fmt.Errorf("failed to scan plasticity: %w", err)
		}
		var m plasticity.Mapping
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return top, fmt.Errorf("failed to decode plasticity mapping: %w", err)
		}
		top.Plasticity = append(top.Plasticity, m)
	}
	if err := rows.Err(); err != nil {
		return top, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT config FROM memory_areas ORDER BY area`)
	if err != nil {
		return top, fmt.Errorf("failed to query memory areas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return top, fmt.Errorf("failed to scan memory area: %w", err)
		}
		var a plasticity.MemoryArea
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return top, fmt.Errorf("failed to decode memory area: %w", err)
		}
		top.Memory = append(top.Memory, a)
	}
	return top, rows.Err()
}

// Meta returns the metadata saved with the connectome.
func (s *SQLiteStore) Meta(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
