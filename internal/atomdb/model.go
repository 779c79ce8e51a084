package atomdb

import (
	"errors"
	"fmt"
	"sort"

	"arsynth/internal/core"
)

// EmissionModel is the immutable atomic-emission database.
type EmissionModel struct {
	elements  []Element
	bySymbol  map[string]int
	ions      []string
	functions map[string][]ContributionFunction
}

// New validates the tables and builds an EmissionModel.
//
// The ion list may name ions for which no contribution function or no element
// is present: that is not a schema problem of the database but a data gap
// that the synthesizer reports when the ion is actually needed.
func New(elements []Element, ions []string, functions []ContributionFunction) (*EmissionModel, error) {
	var errs []error
	m := &EmissionModel{
		elements:  make([]Element, len(elements)),
		bySymbol:  make(map[string]int, len(elements)),
		functions: make(map[string][]ContributionFunction),
	}
	for i := range elements {
		el := elements[i]
		el.LogTemperature = append([]float64(nil), el.LogTemperature...)
		el.Ionization = cloneRows(el.Ionization)
		el.Recombination = cloneRows(el.Recombination)
		if err := el.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := m.bySymbol[el.Symbol]; dup {
			errs = append(errs, fmt.Errorf("duplicate element %q", el.Symbol))
			continue
		}
		if err := el.fit(); err != nil {
			errs = append(errs, err)
			continue
		}
		m.bySymbol[el.Symbol] = i
		m.elements[i] = el
	}
	seen := make(map[string]bool, len(ions))
	for _, id := range ions {
		if _, _, err := ParseIonID(id); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("duplicate ion %q", id))
			continue
		}
		seen[id] = true
		m.ions = append(m.ions, id)
	}
	for i := range functions {
		cf := functions[i]
		cf.LogTemperature = append([]float64(nil), cf.LogTemperature...)
		cf.LogDensity = append([]float64(nil), cf.LogDensity...)
		cf.Values = cloneRows(cf.Values)
		if err := cf.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cf.fit(); err != nil {
			errs = append(errs, err)
			continue
		}
		m.functions[cf.Ion] = append(m.functions[cf.Ion], cf)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for id := range m.functions {
		fs := m.functions[id]
		sort.SliceStable(fs, func(a, b int) bool { return fs[a].Wavelength < fs[b].Wavelength })
	}
	return m, nil
}

// Elements returns the tracked elements in model order. Treat as read-only.
func (m *EmissionModel) Elements() []Element { return m.elements }

// Element looks up an element by symbol.
func (m *EmissionModel) Element(symbol string) (*Element, bool) {
	i, ok := m.bySymbol[symbol]
	if !ok {
		return nil, false
	}
	return &m.elements[i], true
}

// Abundance returns the abundance of element symbol.
func (m *EmissionModel) Abundance(symbol string) (float64, bool) {
	el, ok := m.Element(symbol)
	if !ok {
		return 0, false
	}
	return el.Abundance, true
}

// Ions returns the ions modeled for emission.
func (m *EmissionModel) Ions() []string { return append([]string(nil), m.ions...) }

// ContributionFunctions returns the lines of ion sorted by wavelength.
func (m *EmissionModel) ContributionFunctions(ion string) []ContributionFunction {
	return m.functions[ion]
}

// Hash returns the content identity of the model.
func (m *EmissionModel) Hash() core.Digest {
	h := core.NewHasher().Int(len(m.elements))
	for i := range m.elements {
		el := &m.elements[i]
		h.Str(el.Symbol).Int(el.Z).Float64(el.Abundance).Float64s(el.LogTemperature)
		for _, row := range el.Ionization {
			h.Float64s(row)
		}
		for _, row := range el.Recombination {
			h.Float64s(row)
		}
	}
	h.Int(len(m.ions))
	for _, id := range m.ions {
		h.Str(id)
	}
	ids := make([]string, 0, len(m.functions))
	for id := range m.functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, cf := range m.functions[id] {
			h.Str(cf.Ion).Float64(cf.Wavelength).Float64s(cf.LogTemperature).Float64s(cf.LogDensity)
			for _, row := range cf.Values {
				h.Float64s(row)
			}
		}
	}
	return h.Sum()
}

func (m *EmissionModel) allFunctions() []ContributionFunction {
	ids := make([]string, 0, len(m.functions))
	for id := range m.functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []ContributionFunction
	for _, id := range ids {
		out = append(out, m.functions[id]...)
	}
	return out
}

func cloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
