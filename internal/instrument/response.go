package instrument

import (
	"errors"
	"fmt"
	"sort"

	"arsynth/internal/core"
	"arsynth/internal/fsutil"
)

// responseFile is the on-disk layout of a set of temperature responses.
type responseFile struct {
	Instrument string              `json:"instrument"`
	Channels   map[string]Response `json:"channels"`
}

// LoadTemperatureResponses reads K(T) tables keyed by channel name from a
// JSON file. Decoding is strict.
func LoadTemperatureResponses(path string) (map[string]Response, error) {
	var f responseFile
	if err := fsutil.ReadJSONStrict(path, &f); err != nil {
		return nil, &core.SchemaError{Artifact: path, Cause: err}
	}
	if len(f.Channels) == 0 {
		return nil, core.Schemaf(path, "no channels")
	}
	names := make([]string, 0, len(f.Channels))
	for name := range f.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		r := f.Channels[name]
		if len(r.LogTemperature) < 2 || len(r.LogTemperature) != len(r.Values) {
			errs = append(errs, fmt.Errorf("channel %s: %d temperatures for %d values", name, len(r.LogTemperature), len(r.Values)))
			continue
		}
		for i := 1; i < len(r.LogTemperature); i++ {
			if !(r.LogTemperature[i] > r.LogTemperature[i-1]) {
				errs = append(errs, fmt.Errorf("channel %s: log temperature not increasing", name))
				break
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, &core.SchemaError{Artifact: path, Cause: err}
	}
	return f.Channels, nil
}

// SaveTemperatureResponses writes responses atomically in the layout read by
// LoadTemperatureResponses.
func SaveTemperatureResponses(path, instrument string, responses map[string]Response) error {
	b, err := fsutil.MarshalStable(responseFile{Instrument: instrument, Channels: responses})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomicDurable(path, b, 0o644)
}
