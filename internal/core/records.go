package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// StrandIonization holds the fractional population of every tracked ion of one
// strand, sampled at Time. Keys of Fractions are ion IDs (e.g. "fe_9").
type StrandIonization struct {
	StrandID  string               `json:"strand_id"`
	Time      []float64            `json:"time"`
	Fractions map[string][]float64 `json:"fractions"`
}

// Ions returns the ion IDs in sorted order.
func (r StrandIonization) Ions() []string {
	return sortedKeys(r.Fractions)
}

func (r StrandIonization) Validate() error {
	var errs []error
	if r.StrandID == "" {
		errs = append(errs, errors.New("strand_id is required"))
	}
	for _, ion := range r.Ions() {
		f := r.Fractions[ion]
		if len(f) != len(r.Time) {
			errs = append(errs, fmt.Errorf("ion %s: %d samples, want %d", ion, len(f), len(r.Time)))
			continue
		}
		for i, v := range f {
			if math.IsNaN(v) || v < 0 || v > 1+1e-9 {
				errs = append(errs, fmt.Errorf("ion %s: fraction[%d]=%g outside [0,1]", ion, i, v))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Digest returns the content identity of the record.
func (r StrandIonization) Digest() Digest {
	h := NewHasher().Str(r.StrandID).Float64s(r.Time)
	for _, ion := range r.Ions() {
		h.Str(ion).Float64s(r.Fractions[ion])
	}
	return h.Sum()
}

// StrandEmission holds the intensity of one strand in every requested
// channel. Keys of Intensity are channel keys "<instrument>/<channel>".
type StrandEmission struct {
	StrandID  string               `json:"strand_id"`
	Time      []float64            `json:"time"`
	Intensity map[string][]float64 `json:"intensity"`
}

// Channels returns the channel keys in sorted order.
func (r StrandEmission) Channels() []string {
	return sortedKeys(r.Intensity)
}

// Digest returns the content identity of the record.
func (r StrandEmission) Digest() Digest {
	h := NewHasher().Str(r.StrandID).Float64s(r.Time)
	for _, ch := range r.Channels() {
		h.Str(ch).Float64s(r.Intensity[ch])
	}
	return h.Sum()
}

// ChannelKey builds the EmissionRecord key for an instrument channel.
func ChannelKey(instrument, channel string) string {
	return instrument + "/" + channel
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
