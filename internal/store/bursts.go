package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nvandessel/burstnpu/internal/npu"
)

// RecordBurst stores one burst's statistics. A timestep recorded twice
// keeps the later row. It satisfies the burst runner's Recorder.
func (s *SQLiteStore) RecordBurst(st npu.BurstStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(), `INSERT OR REPLACE INTO burst_stats
		(timestep, injected, processed, fired, refractory, synapses_visited, created, potentiated,
		 depressed, dynamics_ns, propagation_ns, duration_ns, backend, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(st.Timestep), st.Injected, st.Processed, st.Fired, st.Refractory, st.SynapsesVisited,
		st.Plasticity.Created, st.Plasticity.Potentiated, st.Plasticity.Depressed,
		int64(st.Timing.Dynamics), int64(st.Timing.Propagation), int64(st.Duration),
		st.Backend, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record burst %d: %w", st.Timestep, err)
	}
	return nil
}

// Bursts returns up to limit records with timestep > after, oldest first.
// limit <= 0 returns all.
func (s *SQLiteStore) Bursts(ctx context.Context, after uint64, limit int) ([]BurstRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT timestep, injected, processed, fired, refractory,
		synapses_visited, created, potentiated, depressed, dynamics_ns, propagation_ns, duration_ns,
		backend, recorded_at
		FROM burst_stats WHERE timestep > ? ORDER BY timestep LIMIT ?`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("query bursts: %w", err)
	}
	defer rows.Close()

	var out []BurstRecord
	for rows.Next() {
		var r BurstRecord
		var ts, dyn, prop, dur int64
		var at string
		if err := rows.Scan(&ts, &r.Injected, &r.Processed, &r.Fired, &r.Refractory,
			&r.SynapsesVisited, &r.Created, &r.Potentiated, &r.Depressed, &dyn, &prop, &dur,
			&r.Backend, &at); err != nil {
			return nil, fmt.Errorf("scan burst: %w", err)
		}
		r.Timestep = uint64(ts)
		r.Dynamics, r.Propagation, r.Duration = time.Duration(dyn), time.Duration(prop), time.Duration(dur)
		if r.RecordedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse burst time: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BurstSummary aggregates the stored statistics.
type BurstSummary struct {
	Bursts       int           `json:"bursts"`
	First        uint64        `json:"first"`
	Last         uint64        `json:"last"`
	Fired        int64         `json:"fired"`
	MeanFired    float64       `json:"mean_fired"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// Summary aggregates all stored bursts.
func (s *SQLiteStore) Summary(ctx context.Context) (BurstSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum BurstSummary
	var first, last, fired, dur int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MIN(timestep), 0), COALESCE(MAX(timestep), 0),
		COALESCE(SUM(fired), 0), COALESCE(SUM(duration_ns), 0) FROM burst_stats`).
		Scan(&sum.Bursts, &first, &last, &fired, &dur)
	if err != nil {
		return sum, fmt.Errorf("summarize bursts: %w", err)
	}
	sum.First, sum.Last, sum.Fired = uint64(first), uint64(last), fired
	if sum.Bursts > 0 {
		sum.MeanFired = float64(fired) / float64(sum.Bursts)
		sum.MeanDuration = time.Duration(dur / int64(sum.Bursts))
	}
	return sum, nil
}

// PruneBursts deletes records with timestep < before and returns how many
// were removed.
func (s *SQLiteStore) PruneBursts(ctx context.Context, before uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM burst_stats WHERE timestep < ?`, int64(before))
	if err != nil {
		return 0, fmt.Errorf("prune bursts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune bursts: %w", err)
	}
	return int(n), nil
}
