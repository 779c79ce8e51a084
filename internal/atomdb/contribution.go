package atomdb

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/interp"

	"arsynth/internal/core"
)

// ContributionFunction is the emissivity of one line of one ion per unit
// elemental abundance and per unit ionization fraction, tabulated over
// temperature and optionally density. Values[j] is the row at LogDensity[j];
// without a density axis Values holds a single row.
type ContributionFunction struct {
	Ion            string      `json:"ion"`
	Wavelength     float64     `json:"wavelength"` // Å
	LogTemperature []float64   `json:"log_temperature"`
	LogDensity     []float64   `json:"log_density,omitempty"`
	Values         [][]float64 `json:"values"`

	rows []interp.PiecewiseLinear
}

func (c *ContributionFunction) validate() error {
	var errs []error
	if strings.TrimSpace(c.Ion) == "" {
		errs = append(errs, errors.New("contribution function ion is required"))
	} else if _, _, err := ParseIonID(c.Ion); err != nil {
		errs = append(errs, err)
	}
	if !(c.Wavelength > 0) {
		errs = append(errs, fmt.Errorf("%s: wavelength must be positive", c.Ion))
	}
	if err := validateAxis("log_temperature", c.LogTemperature); err != nil {
		errs = append(errs, fmt.Errorf("%s %.3f: %w", c.Ion, c.Wavelength, err))
	}
	wantRows := 1
	if len(c.LogDensity) > 0 {
		wantRows = len(c.LogDensity)
		if len(c.LogDensity) > 1 {
			if err := validateAxis("log_density", c.LogDensity); err != nil {
				errs = append(errs, fmt.Errorf("%s %.3f: %w", c.Ion, c.Wavelength, err))
			}
		}
	}
	if len(c.Values) != wantRows {
		errs = append(errs, fmt.Errorf("%s %.3f: %d value rows, want %d", c.Ion, c.Wavelength, len(c.Values), wantRows))
	}
	for j, row := range c.Values {
		if len(row) != len(c.LogTemperature) {
			errs = append(errs, fmt.Errorf("%s %.3f: values[%d] has %d points, want %d", c.Ion, c.Wavelength, j, len(row), len(c.LogTemperature)))
		}
	}
	return errors.Join(errs...)
}

func (c *ContributionFunction) fit() error {
	c.rows = make([]interp.PiecewiseLinear, len(c.Values))
	for j := range c.Values {
		if err := c.rows[j].Fit(c.LogTemperature, c.Values[j]); err != nil {
			return fmt.Errorf("%s %.3f: fit row %d: %w", c.Ion, c.Wavelength, j, err)
		}
	}
	return nil
}

// Eval evaluates the contribution function at temperature t (K) and electron
// density n (cm^-3). Outside the tabulated temperature range the function is
// zero; density is clamped to the tabulated range.
func (c *ContributionFunction) Eval(t, n float64) float64 {
	lt := math.Log10(t)
	if lt < c.LogTemperature[0] || lt > c.LogTemperature[len(c.LogTemperature)-1] {
		return 0
	}
	if len(c.rows) == 1 {
		return math.Max(0, c.rows[0].Predict(lt))
	}
	ln := math.Log10(math.Max(n, math.SmallestNonzeroFloat64))
	j, f := core.Bracket(c.LogDensity, ln)
	v := c.rows[j].Predict(lt)
	if f > 0 {
		v += f * (c.rows[j+1].Predict(lt) - v)
	}
	return math.Max(0, v)
}
