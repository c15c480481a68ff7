package pipeline

import (
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// Threshold bounds the share of invalid rows a run tolerates.
type Threshold struct {
	// MinTotal is the number of rows that must be seen before the ratio
	// can abort the run.
	MinTotal int
	// MaxRatio aborts the run once errors/total reaches it.
	MaxRatio float64
}

// DefaultThreshold applies to the fields a sync leaves at zero.
var DefaultThreshold = Threshold{MinTotal: 100, MaxRatio: 0.2}

func (t Threshold) withDefaults() Threshold {
	if t.MinTotal <= 0 {
		t.MinTotal = DefaultThreshold.MinTotal
	}
	if t.MaxRatio <= 0 {
		t.MaxRatio = DefaultThreshold.MaxRatio
	}
	return t
}

// errorThreshold counts row outcomes across a whole run.
type errorThreshold struct {
	Threshold
	success int
	errors  int
}

func (t *errorThreshold) ok() { t.success++ }

// fail records an invalid row. It returns the running error ratio, and an
// error once the threshold is reached.
func (t *errorThreshold) fail(cause error) (float64, error) {
	t.errors++
	total := t.success + t.errors
	ratio := float64(t.errors) / float64(total)
	if total < t.MinTotal || ratio < t.MaxRatio {
		return ratio, nil
	}
	return ratio, errors.Wrap(cause, errors.ErrorTypeThreshold, "too many invalid rows").
		WithDetail("errors", t.errors).
		WithDetail("total", total).
		WithDetail("ratio", ratio).
		WithDetail("max_ratio", t.MaxRatio)
}
