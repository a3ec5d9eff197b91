package npu

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/nvandessel/burstnpu/internal/neuron"
)

// ErrUnknownParam is returned for a field name with no ParamKind.
var ErrUnknownParam = errors.New("unknown neuron parameter")

// ParamKind is a non-topological per-area setting.
type ParamKind uint8

const (
	ParamThreshold ParamKind = iota + 1
	ParamThresholdLimit
	ParamRefractoryPeriod
	ParamLeak
	ParamConsecutiveFireLimit
	ParamSnoozePeriod
	ParamExcitability
	ParamMPChargeAccumulation
	ParamMPDrivenPSP
	ParamUniformPSP
)

var paramNames = map[string]ParamKind{
	"neuron_fire_threshold":         ParamThreshold,
	"firing_threshold":              ParamThreshold,
	"neuron_firing_threshold_limit": ParamThresholdLimit,
	"firing_threshold_limit":        ParamThresholdLimit,
	"neuron_refractory_period":      ParamRefractoryPeriod,
	"refractory_period":             ParamRefractoryPeriod,
	"refrac":                        ParamRefractoryPeriod,
	"leak":                          ParamLeak,
	"leak_coefficient":              ParamLeak,
	"neuron_leak_coefficient":       ParamLeak,
	"consecutive_fire_cnt_max":      ParamConsecutiveFireLimit,
	"neuron_consecutive_fire_count": ParamConsecutiveFireLimit,
	"consecutive_fire_count":        ParamConsecutiveFireLimit,
	"snooze_length":                 ParamSnoozePeriod,
	"neuron_snooze_period":          ParamSnoozePeriod,
	"snooze_period":                 ParamSnoozePeriod,
	"neuron_excitability":           ParamExcitability,
	"neuron_mp_charge_accumulation": ParamMPChargeAccumulation,
	"mp_charge_accumulation":        ParamMPChargeAccumulation,
	"mp_driven_psp":                 ParamMPDrivenPSP,
	"psp_uniform_distribution":      ParamUniformPSP,
}

// ParseParamKind resolves a field name, including its aliases.
func ParseParamKind(name string) (ParamKind, bool) {
	k, ok := paramNames[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// String returns the canonical field name.
func (k ParamKind) String() string {
	switch k {
	case ParamThreshold:
		return "firing_threshold"
	case ParamThresholdLimit:
		return "firing_threshold_limit"
	case ParamRefractoryPeriod:
		return "refractory_period"
	case ParamLeak:
		return "leak_coefficient"
	case ParamConsecutiveFireLimit:
		return "consecutive_fire_count"
	case ParamSnoozePeriod:
		return "snooze_period"
	case ParamExcitability:
		return "neuron_excitability"
	case ParamMPChargeAccumulation:
		return "mp_charge_accumulation"
	case ParamMPDrivenPSP:
		return "mp_driven_psp"
	case ParamUniformPSP:
		return "psp_uniform_distribution"
	default:
		return "unknown"
	}
}

// ParamUpdate sets named fields for every neuron of one area.
type ParamUpdate struct {
	Area   uint32         `json:"area"`
	Fields map[string]any `json:"fields"`
}

// FieldError is one rejected field of a ParamUpdate.
type FieldError struct {
	Area  uint32
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("area %d field %s: %v", e.Area, e.Field, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }

// ParamQueue collects updates from any goroutine until the burst loop
// applies them. The zero value is ready to use.
type ParamQueue struct {
	mu      sync.Mutex
	pending []ParamUpdate
}

// Push queues updates.
func (q *ParamQueue) Push(updates ...ParamUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, updates...)
}

// Len returns the number of queued updates.
func (q *ParamQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *ParamQueue) drain() []ParamUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// applyParams applies every queued update. Invalid fields are logged and
// skipped; the rest of the update still applies.
func (n *NPU[T]) applyParams() (applied, rejected int) {
	for _, u := range n.params.drain() {
		a, errs := n.ApplyParams(u)
		applied += a
		rejected += len(errs)
		for _, fe := range errs {
			n.log.Warn("parameter update rejected", "area", fe.Area, "field", fe.Field, "error", fe.Err)
		}
	}
	return applied, rejected
}

// ApplyParams applies one update immediately and returns the number of
// fields applied and the fields rejected. The caller must hold Mutex.
func (n *NPU[T]) ApplyParams(u ParamUpdate) (int, []FieldError) {
	var errs []FieldError
	reject := func(field string, err error) {
		errs = append(errs, FieldError{Area: u.Area, Field: field, Err: err})
	}
	if _, ok := n.areas.ID(u.Area); !ok {
		for _, f := range sortedFields(u.Fields) {
			reject(f, ErrUnknownArea)
		}
		return 0, errs
	}

	applied := 0
	for _, field := range sortedFields(u.Fields) {
		kind, ok := ParseParamKind(field)
		if !ok {
			reject(field, ErrUnknownParam)
			continue
		}
		if err := n.setParam(u.Area, kind, u.Fields[field]); err != nil {
			reject(field, err)
			continue
		}
		applied++
	}
	return applied, errs
}

func (n *NPU[T]) setParam(area uint32, kind ParamKind, raw any) error {
	ns := n.neurons
	switch kind {
	case ParamMPDrivenPSP, ParamUniformPSP, ParamMPChargeAccumulation:
		b, err := toBool(raw)
		if err != nil {
			return err
		}
		switch kind {
		case ParamMPDrivenPSP:
			n.flags.SetMPDriven(area, b)
		case ParamUniformPSP:
			n.flags.SetUniform(area, b)
		default:
			ns.ForArea(area, func(i int) { ns.MPChargeAccumulation[i] = b })
		}
		return nil

	case ParamRefractoryPeriod, ParamConsecutiveFireLimit, ParamSnoozePeriod:
		v, err := toUint16(raw)
		if err != nil {
			return err
		}
		var col []uint16
		switch kind {
		case ParamRefractoryPeriod:
			col = ns.RefractoryPeriod
		case ParamConsecutiveFireLimit:
			col = ns.ConsecutiveFireLimit
		default:
			col = ns.SnoozePeriod
		}
		ns.ForArea(area, func(i int) { col[i] = v })
		return nil
	}

	f, err := toFloat(raw)
	if err != nil {
		return err
	}
	switch kind {
	case ParamLeak, ParamExcitability:
		if f < 0 || f > 1 {
			return fmt.Errorf("%v outside [0,1]: %w", f, neuron.ErrInvalidParameter)
		}
		col := ns.Leak
		if kind == ParamExcitability {
			col = ns.Excitability
		}
		ns.ForArea(area, func(i int) { col[i] = float32(f) })
	case ParamThreshold:
		v := neuron.From[T](float32(f))
		ns.ForArea(area, func(i int) { ns.Threshold[i] = v })
	case ParamThresholdLimit:
		if f < 0 {
			return fmt.Errorf("%v below 0: %w", f, neuron.ErrInvalidParameter)
		}
		v := neuron.From[T](float32(f))
		ns.ForArea(area, func(i int) { ns.ThresholdLimit[i] = v })
	}
	return nil
}

func sortedFields(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint16:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, fmt.Errorf("%q: %w", x, neuron.ErrInvalidParameter)
		}
	default:
		return 0, fmt.Errorf("%T is not a number: %w", v, neuron.ErrInvalidParameter)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not finite: %w", f, neuron.ErrInvalidParameter)
	}
	return f, nil
}

func toUint16(v any) (uint16, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > math.MaxUint16 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a count in [0,%d]: %w", f, math.MaxUint16, neuron.ErrInvalidParameter)
	}
	return uint16(f), nil
}

func toBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	switch f {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%v is not a flag: %w", f, neuron.ErrInvalidParameter)
}
