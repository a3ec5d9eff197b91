package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Info describes a snapshot file on disk.
type Info struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Timestep  uint64    `json:"timestep"`
	Neurons   int       `json:"neurons"`
}

// Policy chooses the snapshots to keep from a newest-first list.
type Policy interface {
	Keep(snaps []Info) []Info
}

// KeepLast keeps the N newest snapshots.
type KeepLast int

// Keep implements Policy.
func (n KeepLast) Keep(snaps []Info) []Info {
	if len(snaps) <= int(n) {
		return snaps
	}
	return snaps[:max(int(n), 0)]
}

// KeepWithin keeps snapshots younger than MaxAge.
type KeepWithin struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// Keep implements Policy.
func (p KeepWithin) Keep(snaps []Info) []Info {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []Info
	for _, s := range snaps {
		if s.CreatedAt.After(cutoff) {
			keep = append(keep, s)
		}
	}
	return keep
}

// KeepBytes keeps the newest snapshots whose total size fits MaxBytes. The
// newest snapshot is always kept.
type KeepBytes int64

// Keep implements Policy.
func (b KeepBytes) Keep(snaps []Info) []Info {
	var total int64
	for i, s := range snaps {
		if total+s.Size > int64(b) && i > 0 {
			return snaps[:i]
		}
		total += s.Size
	}
	return snaps
}

// KeepAny keeps a snapshot when any of its policies does.
type KeepAny []Policy

// Keep implements Policy.
func (ps KeepAny) Keep(snaps []Info) []Info {
	kept := make(map[string]bool)
	for _, p := range ps {
		for _, s := range p.Keep(snaps) {
			kept[s.Path] = true
		}
	}
	var out []Info
	for _, s := range snaps {
		if kept[s.Path] {
			out = append(out, s)
		}
	}
	return out
}

// List returns the snapshots in dir, newest first. A missing dir is empty.
// Files whose header cannot be read are skipped.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		path := filepath.Join(dir, e.Name())
		h, err := ReadHeader(path)
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:      path,
			Size:      fi.Size(),
			CreatedAt: h.CreatedAt,
			Timestep:  h.Timestep,
			Neurons:   h.Neurons,
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// Prune deletes the snapshots in dir that p does not keep and returns
// their paths.
func Prune(dir string, p Policy) ([]string, error) {
	snaps, err := List(dir)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool)
	for _, s := range p.Keep(snaps) {
		keep[s.Path] = true
	}

	var deleted []string
	for _, s := range snaps {
		if keep[s.Path] {
			continue
		}
		if err := os.Remove(s.Path); err != nil {
			return deleted, fmt.Errorf("removing %s: %w", filepath.Base(s.Path), err)
		}
		deleted = append(deleted, s.Path)
	}
	return deleted, nil
}

// ParseAge parses retention ages such as "30d", "2w" or "720h".
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid age: %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age: %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown age suffix in %q", s)
}

// ParseBytes parses sizes such as "500KB", "100MB" or "1GB".
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid size: %q", s)
			}
			return n * u.mult, nil
		}
	}
	return 0, fmt.Errorf("invalid size: %q (expected suffix B, KB, MB or GB)", s)
}
