package burst

import (
	"encoding/json"
	"fmt"

	"github.com/nvandessel/burstnpu/internal/npu"
)

// Publisher receives samples outside the NPU lock.
type Publisher interface {
	Publish(s Sample) error
}

// Recorder receives the statistics of every burst outside the NPU lock.
type Recorder interface {
	RecordBurst(st npu.BurstStats) error
}

// FrameWriter is the writing half of a frame slot.
type FrameWriter interface {
	Write(payload []byte) (uint64, error)
}

// FramePublisher writes each sample as JSON into a latest-value frame slot.
type FramePublisher struct {
	w FrameWriter
}

// NewFramePublisher creates a publisher writing into w.
func NewFramePublisher(w FrameWriter) *FramePublisher {
	return &FramePublisher{w: w}
}

// Publish implements Publisher.
func (p *FramePublisher) Publish(s Sample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode sample %d: %w", s.Timestep, err)
	}
	if _, err := p.w.Write(b); err != nil {
		return fmt.Errorf("publish sample %d: %w", s.Timestep, err)
	}
	return nil
}

// Publishers fans a sample out to several publishers. All are tried; the
// first error is returned.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(s Sample) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
