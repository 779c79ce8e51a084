package atomdb

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/interp"
)

// Element holds the abundance and rate coefficient tables of one element.
//
// Ionization[i] is the rate (cm^3 s^-1) from stage i+1 to i+2 and
// Recombination[i] the rate from stage i+2 to i+1, both on LogTemperature.
// An element with atomic number Z has Z+1 stages and Z rows in each table.
type Element struct {
	Symbol         string      `json:"symbol"`
	Z              int         `json:"z"`
	Abundance      float64     `json:"abundance"`
	LogTemperature []float64   `json:"log_temperature"`
	Ionization     [][]float64 `json:"ionization"`
	Recombination  [][]float64 `json:"recombination"`

	ion []interp.PiecewiseLinear
	rec []interp.PiecewiseLinear
}

// Stages returns the number of ionization stages, Z+1.
func (e *Element) Stages() int { return e.Z + 1 }

// IonIDs returns the IDs of all stages of the element, neutral first.
func (e *Element) IonIDs() []string {
	out := make([]string, e.Stages())
	for i := range out {
		out[i] = IonID(e.Symbol, i+1)
	}
	return out
}

func (e *Element) validate() error {
	var errs []error
	if strings.TrimSpace(e.Symbol) == "" {
		errs = append(errs, errors.New("element symbol is required"))
	}
	if e.Z < 1 {
		errs = append(errs, fmt.Errorf("element %s: z must be >= 1", e.Symbol))
	}
	if e.Abundance < 0 || math.IsNaN(e.Abundance) {
		errs = append(errs, fmt.Errorf("element %s: abundance must be >= 0", e.Symbol))
	}
	if err := validateAxis("log_temperature", e.LogTemperature); err != nil {
		errs = append(errs, fmt.Errorf("element %s: %w", e.Symbol, err))
	}
	check := func(name string, rows [][]float64) {
		if len(rows) != e.Z {
			errs = append(errs, fmt.Errorf("element %s: %s has %d rows, want %d", e.Symbol, name, len(rows), e.Z))
			return
		}
		for i, row := range rows {
			if len(row) != len(e.LogTemperature) {
				errs = append(errs, fmt.Errorf("element %s: %s[%d] has %d values, want %d", e.Symbol, name, i, len(row), len(e.LogTemperature)))
				continue
			}
			for _, v := range row {
				if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					errs = append(errs, fmt.Errorf("element %s: %s[%d] contains invalid rate %g", e.Symbol, name, i, v))
					break
				}
			}
		}
	}
	check("ionization", e.Ionization)
	check("recombination", e.Recombination)
	return errors.Join(errs...)
}

func (e *Element) fit() error {
	e.ion = make([]interp.PiecewiseLinear, e.Z)
	e.rec = make([]interp.PiecewiseLinear, e.Z)
	for i := 0; i < e.Z; i++ {
		if err := e.ion[i].Fit(e.LogTemperature, e.Ionization[i]); err != nil {
			return fmt.Errorf("element %s: fit ionization[%d]: %w", e.Symbol, i, err)
		}
		if err := e.rec[i].Fit(e.LogTemperature, e.Recombination[i]); err != nil {
			return fmt.Errorf("element %s: fit recombination[%d]: %w", e.Symbol, i, err)
		}
	}
	return nil
}

// Rates fills ionize and recombine (each of length Stages()) at temperature
// t (K). ionize[i] is the rate out of stage i+1 upwards and recombine[i] the
// rate out of stage i+1 downwards, so ionize[Z] and recombine[0] are zero.
// Temperatures outside the table take the nearest tabulated value.
func (e *Element) Rates(t float64, ionize, recombine []float64) {
	lt := math.Log10(t)
	ionize[e.Z] = 0
	recombine[0] = 0
	for i := 0; i < e.Z; i++ {
		ionize[i] = math.Max(0, e.ion[i].Predict(lt))
		recombine[i+1] = math.Max(0, e.rec[i].Predict(lt))
	}
}

func validateAxis(name string, xs []float64) error {
	if len(xs) < 2 {
		return fmt.Errorf("%s needs at least 2 points", name)
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return fmt.Errorf("%s not strictly increasing at %d", name, i)
		}
	}
	return nil
}
