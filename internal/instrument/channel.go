package instrument

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/interp"
)

// speedOfLight in cm/s.
const speedOfLight = 2.99792458e10

// Channel is one detector channel: an imaging passband or a spectral bin.
type Channel interface {
	// Name identifies the channel within its instrument.
	Name() string

	// Weight returns the fraction of a line with rest wavelength (Å) emitted
	// by plasma moving with line-of-sight velocity (cm/s) that the channel records.
	Weight(wavelength, velocity float64) float64

	// TemperatureResponse returns the precomputed response K(T) per unit n^2
	// and whether the channel carries one.
	TemperatureResponse(t float64) (float64, bool)
}

// Response is a function tabulated on a log10 temperature grid.
type Response struct {
	LogTemperature []float64 `json:"log_temperature"`
	Values         []float64 `json:"values"`
}

// ImagingChannel records every line inside its wavelength response, weighted
// by the response. The response is relative (peak of order unity).
type ImagingChannel struct {
	name       string
	wavelength []float64
	response   []float64
	fit        interp.PiecewiseLinear

	hasTemperature bool
	temperature    interp.PiecewiseLinear
	tMin, tMax     float64
}

// NewImagingChannel builds an imaging channel from a tabulated wavelength
// response. tr may be nil when no temperature response is available.
func NewImagingChannel(name string, wavelength, response []float64, tr *Response) (*ImagingChannel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("channel name is required")
	}
	if len(wavelength) != len(response) {
		return nil, fmt.Errorf("channel %s: %d wavelengths for %d response values", name, len(wavelength), len(response))
	}
	c := &ImagingChannel{
		name:       name,
		wavelength: append([]float64(nil), wavelength...),
		response:   append([]float64(nil), response...),
	}
	if err := c.fit.Fit(c.wavelength, c.response); err != nil {
		return nil, fmt.Errorf("channel %s: wavelength response: %w", name, err)
	}
	if tr != nil {
		if len(tr.LogTemperature) != len(tr.Values) {
			return nil, fmt.Errorf("channel %s: temperature response has %d temperatures for %d values", name, len(tr.LogTemperature), len(tr.Values))
		}
		if err := c.temperature.Fit(tr.LogTemperature, tr.Values); err != nil {
			return nil, fmt.Errorf("channel %s: temperature response: %w", name, err)
		}
		c.hasTemperature = true
		c.tMin, c.tMax = tr.LogTemperature[0], tr.LogTemperature[len(tr.LogTemperature)-1]
	}
	return c, nil
}

func (c *ImagingChannel) Name() string { return c.name }

func (c *ImagingChannel) Weight(wavelength, _ float64) float64 {
	if wavelength < c.wavelength[0] || wavelength > c.wavelength[len(c.wavelength)-1] {
		return 0
	}
	return math.Max(0, c.fit.Predict(wavelength))
}

func (c *ImagingChannel) TemperatureResponse(t float64) (float64, bool) {
	if !c.hasTemperature {
		return 0, false
	}
	lt := math.Log10(t)
	if lt < c.tMin || lt > c.tMax {
		return 0, true
	}
	return math.Max(0, c.temperature.Predict(lt)), true
}

// WithTemperatureResponse returns a copy of c carrying tr.
func (c *ImagingChannel) WithTemperatureResponse(tr Response) (*ImagingChannel, error) {
	return NewImagingChannel(c.name, c.wavelength, c.response, &tr)
}

// SpectralChannel is one wavelength bin [Min, Max) of a spectrometer. Lines
// are broadened by a Gaussian instrumental profile of width Sigma (Å) and
// Doppler shifted by the line-of-sight velocity.
type SpectralChannel struct {
	name     string
	window   string
	min, max float64
	sigma    float64
}

// NewSpectralChannel builds the bin [min, max) belonging to passband window.
func NewSpectralChannel(name, window string, min, max, sigma float64) (*SpectralChannel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("channel name is required")
	}
	if !(max > min) {
		return nil, fmt.Errorf("channel %s: empty wavelength bin [%g, %g)", name, min, max)
	}
	if !(sigma > 0) {
		return nil, fmt.Errorf("channel %s: instrumental width must be positive", name)
	}
	return &SpectralChannel{name: name, window: window, min: min, max: max, sigma: sigma}, nil
}

func (c *SpectralChannel) Name() string { return c.name }

// Window returns the passband the bin belongs to.
func (c *SpectralChannel) Window() string { return c.window }

// Bounds returns the bin edges in Å.
func (c *SpectralChannel) Bounds() (float64, float64) { return c.min, c.max }

func (c *SpectralChannel) Weight(wavelength, velocity float64) float64 {
	centre := wavelength * (1 + velocity/speedOfLight)
	if centre < c.min-6*c.sigma || centre > c.max+6*c.sigma {
		return 0
	}
	cdf := func(x float64) float64 { return 0.5 * (1 + math.Erf((x-centre)/(c.sigma*math.Sqrt2))) }
	return cdf(c.max) - cdf(c.min)
}

func (c *SpectralChannel) TemperatureResponse(float64) (float64, bool) { return 0, false }
