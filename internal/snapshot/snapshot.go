// Package snapshot saves and restores connectomes. A snapshot file is one
// JSON header line followed by a gzip-compressed JSON topology; the header
// carries a sha256 of the compressed bytes.
package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nvandessel/burstnpu/internal/neuron"
	"github.com/nvandessel/burstnpu/internal/npu"
)

// Version is the current snapshot format.
const Version = 1

// Ext is the snapshot file extension.
const Ext = ".npus"

// MaxDecompressedSize bounds the decompressed topology (1GB).
const MaxDecompressedSize = 1 << 30

var (
	ErrChecksum = errors.New("snapshot checksum mismatch")
	ErrVersion  = errors.New("unsupported snapshot version")
	ErrTooLarge = errors.New("snapshot payload too large")
)

// Header is the plain-text first line of a snapshot file.
type Header struct {
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Timestep  uint64            `json:"timestep"`
	Precision neuron.Precision  `json:"precision"`
	Checksum  string            `json:"checksum"`
	Areas     int               `json:"areas"`
	Neurons   int               `json:"neurons"`
	Synapses  int               `json:"synapses"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a decoded snapshot file.
type Snapshot struct {
	Header   Header
	Topology npu.Topology
}

// DefaultDir returns ~/.burstnpu/snapshots.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".burstnpu", "snapshots"), nil
}

// FileName returns the snapshot file name for a snapshot taken at t.
// Names sort by time.
func FileName(t time.Time) string {
	return "npu-snapshot-" + t.UTC().Format("20060102-150405.000") + Ext
}

// Take exports e's topology under its lock.
func Take(e npu.Engine, meta map[string]string) (*Snapshot, error) {
	s := &Snapshot{}
	err := e.Mutex().Do("snapshot", func() error {
		s.Topology = e.Export()
		s.Header = Header{
			Version:   Version,
			CreatedAt: time.Now().UTC(),
			Timestep:  e.Timestep(),
			Precision: e.Precision(),
			Metadata:  meta,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("take snapshot: %w", err)
	}
	return s, nil
}

// Save takes a snapshot of e and writes it to path.
func Save(e npu.Engine, path string, meta map[string]string) (*Header, error) {
	s, err := Take(e, meta)
	if err != nil {
		return nil, err
	}
	if err := Write(path, s); err != nil {
		return nil, err
	}
	return &s.Header, nil
}

// Restore reads path and loads its topology into e under e's lock. e is
// expected to hold no neurons yet; IDs already in use fail the load.
func Restore(e npu.Engine, path string) (*Header, error) {
	s, err := Read(path)
	if err != nil {
		return nil, err
	}
	err = e.Mutex().Do("snapshot restore", func() error {
		return e.Load(s.Topology)
	})
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", filepath.Base(path), err)
	}
	return &s.Header, nil
}

// Write encodes s to path, filling in the header's counts and checksum.
func Write(path string, s *Snapshot) error {
	payload, err := json.Marshal(s.Topology)
	if err != nil {
		return fmt.Errorf("marshaling topology: %w", err)
	}

	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gzw.Write(payload); err != nil {
		return fmt.Errorf("compressing topology: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	s.Header.Version = Version
	s.Header.Checksum = checksum(compressed.Bytes())
	s.Header.Areas = len(s.Topology.Areas)
	s.Header.Neurons = len(s.Topology.Neurons)
	s.Header.Synapses = len(s.Topology.Synapses)
	header, err := json.Marshal(s.Header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	w := bufio.NewWriter(f)
	_, _ = w.Write(header)
	_ = w.WriteByte('\n')
	_, _ = w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// open reads the header and returns a reader positioned at the payload.
func open(path string) (*Header, *bufio.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening snapshot: %w", err)
	}
	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("reading header line: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.Version != Version {
		f.Close()
		return nil, nil, nil, fmt.Errorf("version %d: %w", h.Version, ErrVersion)
	}
	return &h, r, f, nil
}

// ReadHeader reads only the header of a snapshot.
func ReadHeader(path string) (*Header, error) {
	h, _, f, err := open(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return h, nil
}

// Verify checks a snapshot's checksum without decompressing it.
func Verify(path string) error {
	h, r, f, err := open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	if got := checksum(data); got != h.Checksum {
		return fmt.Errorf("expected %s, got %s: %w", h.Checksum, got, ErrChecksum)
	}
	return nil
}

// Read decodes a snapshot after verifying its checksum.
func Read(path string) (*Snapshot, error) {
	h, r, f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if got := checksum(data); got != h.Checksum {
		return nil, fmt.Errorf("expected %s, got %s: %w", h.Checksum, got, ErrChecksum)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()
	raw, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(raw) > MaxDecompressedSize {
		return nil, ErrTooLarge
	}

	s := &Snapshot{Header: *h}
	if err := json.Unmarshal(raw, &s.Topology); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	return s, nil
}
