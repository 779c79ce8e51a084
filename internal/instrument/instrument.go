package instrument

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"arsynth/internal/core"
)

// Kind distinguishes imagers from spectrometers.
type Kind string

const (
	KindImaging       Kind = "imaging"
	KindSpectroscopic Kind = "spectroscopic"
)

// Config describes the observing setup shared by every instrument kind.
type Config struct {
	Name     string        `json:"name"`
	Interval core.Interval `json:"interval"`
	Cadence  float64       `json:"cadence"`  // s between built samples
	Exposure float64       `json:"exposure"` // s summed into one binned frame

	FieldOfView FieldOfView `json:"field_of_view"`
	PixelScaleX float64     `json:"pixel_scale_x"` // arcsec/pixel
	PixelScaleY float64     `json:"pixel_scale_y"` // arcsec/pixel
	LineOfSight core.Vec3   `json:"line_of_sight"`

	UseTemperatureResponse bool `json:"use_temperature_response"`

	// TemperatureResponses maps channel name to K(T); imaging channels only.
	TemperatureResponses map[string]Response `json:"-"`
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("instrument name is required"))
	}
	if strings.ContainsAny(c.Name, `/\`) {
		errs = append(errs, fmt.Errorf("instrument name %q must not contain path separators", c.Name))
	}
	if err := c.Interval.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !(c.Cadence > 0) {
		errs = append(errs, errors.New("cadence must be positive"))
	}
	if !(c.Exposure > 0) {
		errs = append(errs, errors.New("exposure must be positive"))
	}
	if !(c.PixelScaleX > 0) || !(c.PixelScaleY > 0) {
		errs = append(errs, errors.New("pixel scale must be positive"))
	}
	if c.FieldOfView.XMax < c.FieldOfView.XMin || c.FieldOfView.YMax < c.FieldOfView.YMin {
		errs = append(errs, errors.New("field of view bounds are inverted"))
	}
	if c.LineOfSight.Norm() == 0 {
		errs = append(errs, errors.New("line of sight must be non-zero"))
	}
	return errors.Join(errs...)
}

// Option adjusts a preset Config.
type Option func(*Config)

func WithName(name string) Option { return func(c *Config) { c.Name = name } }

func WithFieldOfView(fov FieldOfView) Option { return func(c *Config) { c.FieldOfView = fov } }

func WithLineOfSight(los core.Vec3) Option { return func(c *Config) { c.LineOfSight = los } }

func WithCadence(cadence float64) Option { return func(c *Config) { c.Cadence = cadence } }

func WithExposure(exposure float64) Option { return func(c *Config) { c.Exposure = exposure } }

func WithPixelScale(x, y float64) Option {
	return func(c *Config) { c.PixelScaleX, c.PixelScaleY = x, y }
}

// WithTemperatureResponse switches the temperature-response shortcut on or off.
func WithTemperatureResponse(use bool) Option {
	return func(c *Config) { c.UseTemperatureResponse = use }
}

// WithTemperatureResponses attaches K(T) tables keyed by channel name.
func WithTemperatureResponses(responses map[string]Response) Option {
	return func(c *Config) { c.TemperatureResponses = responses }
}

// Instrument is a stateless description of how a telescope samples the
// emission of a skeleton in space, time and wavelength.
type Instrument interface {
	Name() string
	Kind() Kind
	Interval() core.Interval

	// Times returns the built sample times.
	Times() []float64
	Channels() []Channel

	// UseTemperatureResponse is the default emission mode for this instrument.
	UseTemperatureResponse() bool

	// Grid returns the detector grid in the skeleton's length units.
	Grid(sk *core.Skeleton) Grid

	// Project returns the footprint of strand on grid at the given sample.
	Project(grid Grid, strand *core.Strand, sample int, ds float64) []PixelWeight

	// BinPlan describes how built samples and channels are summed.
	BinPlan() BinPlan
}

// ChannelGroup names a set of built channel indices summed into one binned channel.
type ChannelGroup struct {
	Name    string
	Members []int
}

// BinPlan holds the exposure windows and channel groups of an instrument.
// Windows are half-open [start, end).
type BinPlan struct {
	Windows [][2]float64
	Groups  []ChannelGroup
}

// exposureWindows tiles iv with consecutive windows of length exposure,
// starting at iv.Start; the last window begins at or before iv.End.
func exposureWindows(iv core.Interval, exposure float64) [][2]float64 {
	n := int(math.Floor((iv.End-iv.Start)/exposure+1e-9)) + 1
	out := make([][2]float64, n)
	for k := range out {
		lo := iv.Start + float64(k)*exposure
		out[k] = [2]float64{lo, lo + exposure}
	}
	return out
}

type base struct {
	cfg      Config
	channels []Channel
}

func (b *base) Name() string                 { return b.cfg.Name }
func (b *base) Interval() core.Interval      { return b.cfg.Interval }
func (b *base) Times() []float64             { return b.cfg.Interval.Grid(b.cfg.Cadence) }
func (b *base) UseTemperatureResponse() bool { return b.cfg.UseTemperatureResponse }

// Config returns a copy of the instrument configuration.
func (b *base) Config() Config { return b.cfg }

func (b *base) Channels() []Channel {
	return append([]Channel(nil), b.channels...)
}

func (b *base) Grid(sk *core.Skeleton) Grid {
	return NewGrid(sk, b.cfg.FieldOfView, b.cfg.PixelScaleX, b.cfg.PixelScaleY, b.cfg.LineOfSight)
}

// Project ignores sample: strand geometry is static.
func (b *base) Project(grid Grid, strand *core.Strand, _ int, ds float64) []PixelWeight {
	return Footprint(grid, strand, ds)
}

func newBase(cfg Config, channels []Channel) (base, error) {
	var errs []error
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(channels) == 0 {
		errs = append(errs, errors.New("instrument has no channels"))
	}
	seen := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if _, dup := seen[ch.Name()]; dup {
			errs = append(errs, fmt.Errorf("duplicate channel %q", ch.Name()))
		}
		seen[ch.Name()] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return base{}, fmt.Errorf("instrument %s: %w", cfg.Name, err)
	}
	return base{cfg: cfg, channels: channels}, nil
}

// Imaging is a filtergram imager: each channel is binned on its own.
type Imaging struct {
	base
}

// NewImaging builds an imager. Temperature responses in cfg are attached to
// the matching channels.
func NewImaging(cfg Config, channels []*ImagingChannel) (*Imaging, error) {
	chs := make([]Channel, len(channels))
	for i, ch := range channels {
		if tr, ok := cfg.TemperatureResponses[ch.Name()]; ok {
			withTR, err := ch.WithTemperatureResponse(tr)
			if err != nil {
				return nil, fmt.Errorf("instrument %s: %w", cfg.Name, err)
			}
			ch = withTR
		}
		chs[i] = ch
	}
	b, err := newBase(cfg, chs)
	if err != nil {
		return nil, err
	}
	return &Imaging{base: b}, nil
}

func (i *Imaging) Kind() Kind { return KindImaging }

func (i *Imaging) BinPlan() BinPlan {
	groups := make([]ChannelGroup, len(i.channels))
	for k, ch := range i.channels {
		groups[k] = ChannelGroup{Name: ch.Name(), Members: []int{k}}
	}
	return BinPlan{Windows: exposureWindows(i.cfg.Interval, i.cfg.Exposure), Groups: groups}
}

// Spectroscopic is a slit spectrometer: its channels are wavelength bins and
// binning sums the bins of each line window.
type Spectroscopic struct {
	base
}

func NewSpectroscopic(cfg Config, channels []*SpectralChannel) (*Spectroscopic, error) {
	chs := make([]Channel, len(channels))
	for i, ch := range channels {
		chs[i] = ch
	}
	b, err := newBase(cfg, chs)
	if err != nil {
		return nil, err
	}
	return &Spectroscopic{base: b}, nil
}

func (s *Spectroscopic) Kind() Kind { return KindSpectroscopic }

// UseTemperatureResponse is always false: spectral bins carry no K(T).
func (s *Spectroscopic) UseTemperatureResponse() bool { return false }

func (s *Spectroscopic) BinPlan() BinPlan {
	var groups []ChannelGroup
	pos := make(map[string]int)
	for k, ch := range s.channels {
		window := ch.(*SpectralChannel).Window()
		g, ok := pos[window]
		if !ok {
			g = len(groups)
			pos[window] = g
			groups = append(groups, ChannelGroup{Name: window})
		}
		groups[g].Members = append(groups[g].Members, k)
	}
	return BinPlan{Windows: exposureWindows(s.cfg.Interval, s.cfg.Exposure), Groups: groups}
}
