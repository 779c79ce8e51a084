package nei

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"arsynth/internal/core"
)

// Options controls the integration.
type Options struct {
	// Tolerance bounds |sum(F) - 1| for every element after a step.
	Tolerance float64
	// StepTolerance bounds the step-doubling error estimate (max norm).
	StepTolerance float64
	// MaxStep caps a substep (s); 0 means the sample spacing.
	MaxStep float64
	// MinStep is the smallest substep (s) tried before giving up.
	MinStep float64
	// MaxRetries is the number of consecutive step halvings allowed.
	MaxRetries int
	// Workers bounds the strands integrated concurrently; 0 means GOMAXPROCS.
	Workers int
	// Initial sets the populations at the first sample per element symbol,
	// neutral stage first. Elements not listed start in equilibrium.
	Initial map[string][]float64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Tolerance:     1e-6,
		StepTolerance: 1e-4,
		MinStep:       1e-6,
		MaxRetries:    30,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tolerance == 0 {
		o.Tolerance = d.Tolerance
	}
	if o.StepTolerance == 0 {
		o.StepTolerance = d.StepTolerance
	}
	if o.MinStep == 0 {
		o.MinStep = d.MinStep
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	return o
}

func (o Options) Validate() error {
	var errs []error
	if !(o.Tolerance > 0) {
		errs = append(errs, errors.New("tolerance must be positive"))
	}
	if !(o.StepTolerance > 0) {
		errs = append(errs, errors.New("step tolerance must be positive"))
	}
	if o.MaxStep < 0 {
		errs = append(errs, errors.New("max step must be >= 0"))
	}
	if !(o.MinStep > 0) {
		errs = append(errs, errors.New("min step must be positive"))
	}
	if o.MaxStep > 0 && o.MaxStep < o.MinStep {
		errs = append(errs, fmt.Errorf("max step %g below min step %g", o.MaxStep, o.MinStep))
	}
	if o.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be >= 1"))
	}
	if o.Workers < 0 {
		errs = append(errs, errors.New("workers must be >= 0"))
	}
	for _, sym := range sortedSymbols(o.Initial) {
		var sum float64
		for _, v := range o.Initial[sym] {
			if v < 0 || math.IsNaN(v) {
				errs = append(errs, fmt.Errorf("initial %s: populations must be >= 0", sym))
				break
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-6 {
			errs = append(errs, fmt.Errorf("initial %s: populations sum to %g", sym, sum))
		}
	}
	return errors.Join(errs...)
}

// digest identifies the options that change the integration result.
func (o Options) digest() core.Digest {
	h := core.NewHasher().
		Float64(o.Tolerance).Float64(o.StepTolerance).
		Float64(o.MaxStep).Float64(o.MinStep).Int(o.MaxRetries)
	for _, sym := range sortedSymbols(o.Initial) {
		h.Str(sym).Float64s(o.Initial[sym])
	}
	return h.Sum()
}

func sortedSymbols(m map[string][]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
