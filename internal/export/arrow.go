// Package export writes Fire Ledger history and burst statistics as Arrow
// IPC streams for offline analysis.
package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/nvandessel/burstnpu/internal/cortical"
	"github.com/nvandessel/burstnpu/internal/fire"
	"github.com/nvandessel/burstnpu/internal/npu"
	"github.com/nvandessel/burstnpu/internal/store"
)

// HistorySchema has one row per archived burst per area.
var HistorySchema = arrow.NewSchema([]arrow.Field{
	{Name: "area", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "cortical_id", Type: arrow.BinaryTypes.String},
	{Name: "timestep", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "neuron_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint32)},
}, nil)

// BurstSchema has one row per recorded burst.
var BurstSchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestep", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "processed", Type: arrow.PrimitiveTypes.Int64},
	{Name: "fired", Type: arrow.PrimitiveTypes.Int64},
	{Name: "refractory", Type: arrow.PrimitiveTypes.Int64},
	{Name: "synapses_visited", Type: arrow.PrimitiveTypes.Int64},
	{Name: "created", Type: arrow.PrimitiveTypes.Int64},
	{Name: "duration_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "backend", Type: arrow.BinaryTypes.String},
}, nil)

// AreaHistory is the ledger content of one area, newest frame first.
type AreaHistory struct {
	Area   uint32
	ID     cortical.ID
	Frames []fire.Frame
}

// Row is one decoded history row.
type Row struct {
	Area       uint32
	CorticalID string
	Timestep   uint64
	NeuronIDs  []uint32
}

// CollectHistory reads up to lookback frames of every tracked area. A
// lookback of 0 reads each area's whole window.
func CollectHistory(e npu.Engine, lookback int) []AreaHistory {
	var out []AreaHistory
	for _, a := range e.Ledger().Areas() {
		n := lookback
		if n <= 0 {
			n = e.Ledger().WindowSize(a)
		}
		h := AreaHistory{Area: a, Frames: e.History(a, n)}
		h.ID, _ = e.Areas().ID(a)
		out = append(out, h)
	}
	return out
}

// WriteHistory writes one record batch per area and returns the row count.
func WriteHistory(w io.Writer, hist []AreaHistory) (int, error) {
	mem := memory.NewGoAllocator()
	iw := ipc.NewWriter(w, ipc.WithSchema(HistorySchema), ipc.WithAllocator(mem))

	rows := 0
	for _, h := range hist {
		if err := writeArea(iw, mem, h); err != nil {
			iw.Close()
			return rows, fmt.Errorf("export area %d: %w", h.Area, err)
		}
		rows += len(h.Frames)
	}
	if err := iw.Close(); err != nil {
		return rows, fmt.Errorf("close arrow stream: %w", err)
	}
	return rows, nil
}

func writeArea(iw *ipc.Writer, mem memory.Allocator, h AreaHistory) error {
	b := array.NewRecordBuilder(mem, HistorySchema)
	defer b.Release()

	area := b.Field(0).(*array.Uint32Builder)
	id := b.Field(1).(*array.StringBuilder)
	ts := b.Field(2).(*array.Uint64Builder)
	ids := b.Field(3).(*array.ListBuilder)
	vals := ids.ValueBuilder().(*array.Uint32Builder)

	name := ""
	if h.ID != (cortical.ID{}) {
		name = h.ID.Base64()
	}
	for _, f := range h.Frames {
		area.Append(h.Area)
		id.Append(name)
		ts.Append(f.Timestep)
		ids.Append(true)
		vals.AppendValues(f.NeuronIDs, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()
	return iw.Write(rec)
}

// ReadHistory decodes a stream written by WriteHistory.
func ReadHistory(r io.Reader) ([]Row, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer ir.Release()
	if !ir.Schema().Equal(HistorySchema) {
		return nil, fmt.Errorf("unexpected schema %s", ir.Schema())
	}

	var out []Row
	for ir.Next() {
		rec := ir.Record()
		area := rec.Column(0).(*array.Uint32)
		id := rec.Column(1).(*array.String)
		ts := rec.Column(2).(*array.Uint64)
		lists := rec.Column(3).(*array.List)
		vals := lists.ListValues().(*array.Uint32)
		for i := 0; i < int(rec.NumRows()); i++ {
			start, end := lists.ValueOffsets(i)
			row := Row{Area: area.Value(i), CorticalID: id.Value(i), Timestep: ts.Value(i)}
			row.NeuronIDs = make([]uint32, 0, end-start)
			for j := start; j < end; j++ {
				row.NeuronIDs = append(row.NeuronIDs, vals.Value(int(j)))
			}
			out = append(out, row)
		}
	}
	if err := ir.Err(); err != nil {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}
	return out, nil
}

// WriteBursts writes burst statistics as a single record batch.
func WriteBursts(w io.Writer, recs []store.BurstRecord) error {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, BurstSchema)
	defer b.Release()

	for _, r := range recs {
		b.Field(0).(*array.Uint64Builder).Append(r.Timestep)
		b.Field(1).(*array.Int64Builder).Append(int64(r.Processed))
		b.Field(2).(*array.Int64Builder).Append(int64(r.Fired))
		b.Field(3).(*array.Int64Builder).Append(int64(r.Refractory))
		b.Field(4).(*array.Int64Builder).Append(int64(r.SynapsesVisited))
		b.Field(5).(*array.Int64Builder).Append(int64(r.Created))
		b.Field(6).(*array.Int64Builder).Append(int64(r.Duration))
		b.Field(7).(*array.StringBuilder).Append(r.Backend)
	}
	rec := b.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(BurstSchema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write bursts: %w", err)
	}
	return iw.Close()
}
