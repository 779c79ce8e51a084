// Package config loads the pipeline configuration from TOML or YAML.
//
// Decoding is strict: unknown keys are rejected. Zero values are replaced by
// defaults before the result is validated.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"arsynth/internal/core"
	"arsynth/internal/emission"
	"arsynth/internal/heating"
	"arsynth/internal/instrument"
	"arsynth/internal/nei"
)

// Preset names accepted in an instrument entry.
const (
	PresetAIA = "sdo_aia"
	PresetEIS = "hinode_eis"
)

// Heating adapters accepted in the heating section.
const (
	AdapterPrecomputed = "precomputed"
	AdapterDummy       = "dummy"
	AdapterTabulated   = "tabulated"
)

// DefaultInterval is the observing interval used when none is configured (s).
var DefaultInterval = core.Interval{Start: 0, End: 4990}

// DefaultDSArcsec is the path resampling distance used for projection.
const DefaultDSArcsec = 0.3

type Config struct {
	// Root holds the row store, detector artifacts and .arsynth records.
	Root string `toml:"root" yaml:"root" validate:"required"`
	// Skeleton is the directory of the skeleton checkpoint.
	Skeleton string `toml:"skeleton" yaml:"skeleton" validate:"required"`
	// EmissionModel is the directory of the emission model checkpoint.
	EmissionModel string `toml:"emission_model" yaml:"emission_model" validate:"required"`

	Workers     int           `toml:"workers" yaml:"workers" validate:"gte=0"`
	LogLevel    string        `toml:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error disabled"`
	MetricsAddr string        `toml:"metrics_addr" yaml:"metrics_addr"`
	Interval    core.Interval `toml:"interval" yaml:"interval"`

	Heating     HeatingConfig      `toml:"heating" yaml:"heating"`
	Ionization  IonizationConfig   `toml:"ionization" yaml:"ionization"`
	Emission    EmissionConfig     `toml:"emission" yaml:"emission"`
	Observer    ObserverConfig     `toml:"observer" yaml:"observer"`
	Instruments []InstrumentConfig `toml:"instruments" yaml:"instruments" validate:"min=1,dive"`
}

type HeatingConfig struct {
	Adapter string         `toml:"adapter" yaml:"adapter" validate:"oneof=precomputed dummy tabulated"`
	Base    map[string]any `toml:"base_config" yaml:"base_config"`
	// SeriesFile holds the per-strand series of the tabulated adapter.
	SeriesFile string `toml:"series_file" yaml:"series_file" validate:"required_if=Adapter tabulated"`
}

type IonizationConfig struct {
	Tolerance     float64 `toml:"tolerance" yaml:"tolerance" validate:"gte=0"`
	StepTolerance float64 `toml:"step_tolerance" yaml:"step_tolerance" validate:"gte=0"`
	MaxStep       float64 `toml:"max_step" yaml:"max_step" validate:"gte=0"`
	MinStep       float64 `toml:"min_step" yaml:"min_step" validate:"gte=0"`
	MaxRetries    int     `toml:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

type EmissionConfig struct {
	// Mode overrides every instrument's use_temperature_response when set.
	Mode string `toml:"mode" yaml:"mode" validate:"omitempty,oneof=direct temperature_response"`
}

type ObserverConfig struct {
	DSArcsec float64 `toml:"ds_arcsec" yaml:"ds_arcsec" validate:"gt=0"`
}

// InstrumentConfig selects a preset and overrides parts of it. Zero values
// keep the preset's setting.
type InstrumentConfig struct {
	Preset                  string                  `toml:"preset" yaml:"preset" validate:"required,oneof=sdo_aia hinode_eis"`
	Name                    string                  `toml:"name" yaml:"name" validate:"excludesall=/\\"`
	Interval                *core.Interval          `toml:"interval" yaml:"interval"`
	Cadence                 float64                 `toml:"cadence" yaml:"cadence" validate:"gte=0"`
	Exposure                float64                 `toml:"exposure" yaml:"exposure" validate:"gte=0"`
	PixelScale              float64                 `toml:"pixel_scale" yaml:"pixel_scale" validate:"gte=0"`
	FieldOfView             *instrument.FieldOfView `toml:"field_of_view" yaml:"field_of_view"`
	LineOfSight             *core.Vec3              `toml:"line_of_sight" yaml:"line_of_sight"`
	UseTemperatureResponse  bool                    `toml:"use_temperature_response" yaml:"use_temperature_response"`
	TemperatureResponseFile string                  `toml:"temperature_response_file" yaml:"temperature_response_file"`
}

// Default returns the configuration used for keys a file leaves unset.
func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Root) == "" {
		c.Root = "."
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Interval == (core.Interval{}) {
		c.Interval = DefaultInterval
	}
	if c.Heating.Adapter == "" {
		c.Heating.Adapter = AdapterPrecomputed
	}
	if c.Observer.DSArcsec == 0 {
		c.Observer.DSArcsec = DefaultDSArcsec
	}
	if len(c.Instruments) == 0 {
		c.Instruments = []InstrumentConfig{{Preset: PresetAIA}, {Preset: PresetEIS}}
	}
}

// Load reads path, choosing the format by extension (.toml, .yaml, .yml).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = decodeTOML(data, &cfg)
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func decodeTOML(data []byte, out *Config) error {
	meta, err := toml.Decode(string(data), out)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func decodeYAML(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

// resolvePaths makes relative paths relative to the config file's directory.
func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Root = abs(c.Root)
	c.Skeleton = abs(c.Skeleton)
	c.EmissionModel = abs(c.EmissionModel)
	c.Heating.SeriesFile = abs(c.Heating.SeriesFile)
	for i := range c.Instruments {
		c.Instruments[i].TemperatureResponseFile = abs(c.Instruments[i].TemperatureResponseFile)
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	if err := c.Interval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("interval: %w", err))
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr: %w", err))
		}
	}
	if err := c.NEIOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ionization: %w", err))
	}
	names := make(map[string]bool)
	for i, ic := range c.Instruments {
		if ic.Interval != nil {
			if err := ic.Interval.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("instruments[%d].interval: %w", i, err))
			}
		}
		if ic.UseTemperatureResponse && ic.Preset != PresetAIA {
			errs = append(errs, fmt.Errorf("instruments[%d]: use_temperature_response applies to imagers only", i))
		}
		name := ic.displayName()
		if names[name] {
			errs = append(errs, fmt.Errorf("instruments[%d]: duplicate instrument name %q", i, name))
		}
		names[name] = true
	}
	return errors.Join(errs...)
}

func (ic InstrumentConfig) displayName() string {
	if ic.Name != "" {
		return ic.Name
	}
	switch ic.Preset {
	case PresetAIA:
		return "SDO_AIA"
	case PresetEIS:
		return "Hinode_EIS"
	}
	return ic.Preset
}

// NEIOptions returns the ionization solver options; unset values take the
// solver defaults.
func (c Config) NEIOptions() nei.Options {
	d := nei.DefaultOptions()
	opts := nei.Options{
		Tolerance:     pick(c.Ionization.Tolerance, d.Tolerance),
		StepTolerance: pick(c.Ionization.StepTolerance, d.StepTolerance),
		MaxStep:       c.Ionization.MaxStep,
		MinStep:       pick(c.Ionization.MinStep, d.MinStep),
		MaxRetries:    d.MaxRetries,
		Workers:       c.Workers,
	}
	if c.Ionization.MaxRetries > 0 {
		opts.MaxRetries = c.Ionization.MaxRetries
	}
	return opts
}

func pick(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// EmissionMode returns the configured emission mode.
func (c Config) EmissionMode() emission.Mode { return emission.Mode(c.Emission.Mode) }

// HeatingModel returns the configured heating adapter, loading the series
// file of the tabulated adapter.
func (c Config) HeatingModel() (heating.Model, error) {
	switch c.Heating.Adapter {
	case AdapterDummy:
		return heating.Dummy(), nil
	case AdapterTabulated:
		return heating.LoadTabulated(c.Heating.SeriesFile, c.Heating.Base)
	}
	return heating.Precomputed{Config: c.Heating.Base}, nil
}

// DS converts the resampling distance to the skeleton's length unit.
func (c Config) DS(sk *core.Skeleton) float64 {
	return sk.ConvertAngleToLength(c.Observer.DSArcsec)
}

// BuildInstruments constructs the configured instruments in order.
func (c Config) BuildInstruments() ([]instrument.Instrument, error) {
	out := make([]instrument.Instrument, 0, len(c.Instruments))
	for i, ic := range c.Instruments {
		inst, err := ic.Build(c.Interval)
		if err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

// Build constructs the instrument, observing over iv unless the entry sets
// its own interval.
func (ic InstrumentConfig) Build(iv core.Interval) (instrument.Instrument, error) {
	if ic.Interval != nil {
		iv = *ic.Interval
	}
	var opts []instrument.Option
	if ic.Name != "" {
		opts = append(opts, instrument.WithName(ic.Name))
	}
	if ic.Cadence > 0 {
		opts = append(opts, instrument.WithCadence(ic.Cadence))
	}
	if ic.Exposure > 0 {
		opts = append(opts, instrument.WithExposure(ic.Exposure))
	}
	if ic.PixelScale > 0 {
		opts = append(opts, instrument.WithPixelScale(ic.PixelScale, ic.PixelScale))
	}
	if ic.FieldOfView != nil {
		opts = append(opts, instrument.WithFieldOfView(*ic.FieldOfView))
	}
	if ic.LineOfSight != nil {
		opts = append(opts, instrument.WithLineOfSight(*ic.LineOfSight))
	}
	switch ic.Preset {
	case PresetAIA:
		opts = append(opts, instrument.WithTemperatureResponse(ic.UseTemperatureResponse))
		if ic.TemperatureResponseFile != "" {
			responses, err := instrument.LoadTemperatureResponses(ic.TemperatureResponseFile)
			if err != nil {
				return nil, err
			}
			opts = append(opts, instrument.WithTemperatureResponses(responses))
		}
		return instrument.SDOAIA(iv, opts...)
	case PresetEIS:
		return instrument.HinodeEIS(iv, opts...)
	}
	return nil, fmt.Errorf("unknown instrument preset %q", ic.Preset)
}
