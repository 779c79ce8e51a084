// Package heating adapts external heating/cooling solvers to the pipeline.
//
// A Model is only a data source: the ionization solver asks it for the plasma
// series of a strand and never lets it steer the integration.
package heating

import (
	"errors"
	"fmt"
	"maps"
	"sort"

	"arsynth/internal/core"
	"arsynth/internal/fsutil"
)

// Model is the capability the pipeline needs from a heating-model adapter.
type Model interface {
	// BaseConfig returns the adapter's base configuration. It may be empty.
	BaseConfig() map[string]any

	// StrandSeries returns the plasma series of strand restricted to iv.
	StrandSeries(strand *core.Strand, iv core.Interval) (core.PlasmaSeries, error)
}

// Precomputed serves the series already stored on each strand, as left in the
// skeleton checkpoint by the upstream hydrodynamic run.
type Precomputed struct {
	Config map[string]any
}

// Dummy returns a Precomputed adapter with an empty base configuration.
func Dummy() Precomputed { return Precomputed{Config: map[string]any{}} }

func (p Precomputed) BaseConfig() map[string]any {
	if p.Config == nil {
		return map[string]any{}
	}
	return maps.Clone(p.Config)
}

func (p Precomputed) StrandSeries(strand *core.Strand, iv core.Interval) (core.PlasmaSeries, error) {
	if strand.Plasma.Empty() {
		return core.PlasmaSeries{}, fmt.Errorf("strand %q has no plasma series", strand.ID)
	}
	w := strand.Plasma.Window(iv)
	if w.Len() == 0 {
		return core.PlasmaSeries{}, fmt.Errorf("strand %q has no samples in [%g, %g]", strand.ID, iv.Start, iv.End)
	}
	return w, nil
}

// Tabulated serves series supplied per strand ID, e.g. loaded from the output
// files of a hydrodynamic solver run.
type Tabulated struct {
	Config map[string]any
	Series map[string]core.PlasmaSeries
}

func (t Tabulated) BaseConfig() map[string]any {
	if t.Config == nil {
		return map[string]any{}
	}
	return maps.Clone(t.Config)
}

func (t Tabulated) StrandSeries(strand *core.Strand, iv core.Interval) (core.PlasmaSeries, error) {
	s, ok := t.Series[strand.ID]
	if !ok {
		return core.PlasmaSeries{}, fmt.Errorf("no tabulated series for strand %q", strand.ID)
	}
	if err := s.Validate(); err != nil {
		return core.PlasmaSeries{}, fmt.Errorf("strand %q: %w", strand.ID, err)
	}
	w := s.Window(iv)
	if w.Len() == 0 {
		return core.PlasmaSeries{}, fmt.Errorf("strand %q has no samples in [%g, %g]", strand.ID, iv.Start, iv.End)
	}
	return w, nil
}

// LoadTabulated reads a JSON object mapping strand IDs to plasma series.
// Decoding is strict; every series must be valid.
func LoadTabulated(path string, config map[string]any) (Tabulated, error) {
	var series map[string]core.PlasmaSeries
	if err := fsutil.ReadJSONStrict(path, &series); err != nil {
		return Tabulated{}, &core.SchemaError{Artifact: path, Cause: err}
	}
	if len(series) == 0 {
		return Tabulated{}, core.Schemaf(path, "no strand series")
	}
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := series[id].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("strand %q: %w", id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Tabulated{}, &core.SchemaError{Artifact: path, Cause: err}
	}
	return Tabulated{Config: config, Series: series}, nil
}

// SaveTabulated writes series in the layout read by LoadTabulated.
func SaveTabulated(path string, series map[string]core.PlasmaSeries) error {
	b, err := fsutil.MarshalStable(series)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomicDurable(path, b, 0o644)
}
