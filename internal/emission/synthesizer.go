// Package emission turns ionization state into per-channel intensities.
//
// For every sample of a strand and every channel of every instrument the
// intensity is either evaluated directly,
//
//	I = sum_ion F_ion(t) * A_element * sum_lines G_line(T, n) * W_channel(lambda_line, v)
//
// or, when the temperature-response shortcut is enabled and the channel
// carries a response, as I = K(T) * n^2.
package emission

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"arsynth/internal/atomdb"
	"arsynth/internal/core"
	"arsynth/internal/heating"
	"arsynth/internal/instrument"
	"arsynth/internal/rowstore"
	"arsynth/internal/trace"
)

// Mode selects between direct evaluation and the temperature-response shortcut.
type Mode string

const (
	// ModeInstrument follows each instrument's use_temperature_response option.
	ModeInstrument Mode = ""
	// ModeDirect always evaluates fractions against contribution functions.
	ModeDirect Mode = "direct"
	// ModeTemperatureResponse always uses K(T) n^2.
	ModeTemperatureResponse Mode = "temperature_response"
)

func (m Mode) Validate() error {
	switch m {
	case ModeInstrument, ModeDirect, ModeTemperatureResponse:
		return nil
	}
	return fmt.Errorf("unknown emission mode %q", string(m))
}

func (m Mode) useResponse(inst instrument.Instrument) bool {
	switch m {
	case ModeDirect:
		return false
	case ModeTemperatureResponse:
		return true
	}
	return inst.UseTemperatureResponse()
}

// Synthesizer computes EmissionRecords.
type Synthesizer struct {
	Model   *atomdb.EmissionModel
	Heating heating.Model
	Rows    *rowstore.Store
	Mode    Mode
	Workers int
	Trace   trace.Sink
	Log     zerolog.Logger

	// IonizationInput, when set, gives the input digest a current ionization
	// row of a strand must carry. A row computed from other inputs is stale
	// and the strand fails with a DataError instead of being synthesized.
	IonizationInput func(*core.Strand) (core.Digest, error)
}

// NewSynthesizer returns a Synthesizer following each instrument's mode.
func NewSynthesizer(model *atomdb.EmissionModel, heat heating.Model, rows *rowstore.Store) *Synthesizer {
	return &Synthesizer{
		Model:   model,
		Heating: heat,
		Rows:    rows,
		Trace:   trace.NopSink{},
		Log:     zerolog.Nop(),
	}
}

// line is one contribution function resolved against its element.
type line struct {
	ion       string
	abundance float64
	fn        *atomdb.ContributionFunction
}

// SynthesizeStrand computes the intensity of strand in every channel of
// instruments at the samples of ion.
func (s *Synthesizer) SynthesizeStrand(strand *core.Strand, ion core.StrandIonization, instruments []instrument.Instrument, mode Mode) (core.StrandEmission, error) {
	if s.Model == nil {
		return core.StrandEmission{}, fmt.Errorf("emission: emission model is required")
	}
	if err := mode.Validate(); err != nil {
		return core.StrandEmission{}, fmt.Errorf("emission: %w", err)
	}
	if ion.StrandID != strand.ID {
		return core.StrandEmission{}, fmt.Errorf("emission: ionization of %q given for strand %q", ion.StrandID, strand.ID)
	}
	if err := ion.Validate(); err != nil {
		return core.StrandEmission{}, fmt.Errorf("emission: strand %q: %w", strand.ID, err)
	}
	series, err := s.plasma(strand, ion.Time)
	if err != nil {
		return core.StrandEmission{}, err
	}

	needLines := false
	for _, inst := range instruments {
		if !mode.useResponse(inst) {
			needLines = true
		}
	}
	var lines []line
	if needLines {
		if lines, err = s.lines(strand.ID, ion); err != nil {
			return core.StrandEmission{}, err
		}
	}

	n := len(ion.Time)
	out := core.StrandEmission{
		StrandID:  strand.ID,
		Time:      append([]float64(nil), ion.Time...),
		Intensity: make(map[string][]float64),
	}
	for _, inst := range instruments {
		response := mode.useResponse(inst)
		for _, ch := range inst.Channels() {
			key := core.ChannelKey(inst.Name(), ch.Name())
			if _, dup := out.Intensity[key]; dup {
				return core.StrandEmission{}, fmt.Errorf("emission: duplicate channel %s", key)
			}
			values := make([]float64, n)
			for k := 0; k < n; k++ {
				t, dens, vel := series.Temperature[k], series.Density[k], series.Velocity[k]
				if response {
					r, ok := ch.TemperatureResponse(t)
					if !ok {
						return core.StrandEmission{}, &core.DataError{
							StrandID: strand.ID,
							Channel:  key,
							Msg:      "temperature response requested but channel has none",
						}
					}
					values[k] = r * dens * dens
					continue
				}
				var sum float64
				for j := range lines {
					g := lines[j].fn.Eval(t, dens)
					if g == 0 {
						continue
					}
					w := ch.Weight(lines[j].fn.Wavelength, vel)
					if w == 0 {
						continue
					}
					sum += ion.Fractions[lines[j].ion][k] * lines[j].abundance * g * w
				}
				values[k] = sum
			}
			out.Intensity[key] = values
		}
	}
	return out, nil
}

// plasma returns the strand's plasma state at exactly the given times.
func (s *Synthesizer) plasma(strand *core.Strand, times []float64) (core.PlasmaSeries, error) {
	if len(times) == 0 {
		return core.PlasmaSeries{}, fmt.Errorf("emission: strand %q has no ionization samples", strand.ID)
	}
	heat := s.Heating
	if heat == nil {
		heat = heating.Dummy()
	}
	series, err := heat.StrandSeries(strand, core.Interval{Start: times[0], End: times[len(times)-1]})
	if err != nil {
		return core.PlasmaSeries{}, fmt.Errorf("emission: %w", err)
	}
	if series.Len() != len(times) {
		return core.PlasmaSeries{}, fmt.Errorf("emission: strand %q: plasma has %d samples, ionization has %d", strand.ID, series.Len(), len(times))
	}
	for i, t := range times {
		if series.Time[i] != t {
			return core.PlasmaSeries{}, fmt.Errorf("emission: strand %q: plasma sample %d at t=%g, ionization at t=%g", strand.ID, i, series.Time[i], t)
		}
	}
	return series, nil
}

// lines resolves every modeled ion against the ionization record and the
// database. Any gap is a DataError.
func (s *Synthesizer) lines(strandID string, ion core.StrandIonization) ([]line, error) {
	var out []line
	for _, id := range s.Model.Ions() {
		symbol, _, err := atomdb.ParseIonID(id)
		if err != nil {
			return nil, &core.DataError{StrandID: strandID, Species: id, Msg: err.Error()}
		}
		abundance, ok := s.Model.Abundance(symbol)
		if !ok || math.IsNaN(abundance) {
			return nil, &core.DataError{StrandID: strandID, Species: id, Msg: "no abundance for element " + symbol}
		}
		if _, ok := ion.Fractions[id]; !ok {
			return nil, &core.DataError{StrandID: strandID, Species: id, Msg: "no ionization fractions"}
		}
		fns := s.Model.ContributionFunctions(id)
		if len(fns) == 0 {
			return nil, &core.DataError{StrandID: strandID, Species: id, Msg: "no contribution function"}
		}
		for i := range fns {
			out = append(out, line{ion: id, abundance: abundance, fn: &fns[i]})
		}
	}
	return out, nil
}
