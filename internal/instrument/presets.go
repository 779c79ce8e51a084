package instrument

import (
	"fmt"
	"math"

	"arsynth/internal/core"
)

// aiaChannels are the EUV passbands of the AIA-like imager (Å).
var aiaChannels = []float64{94, 131, 171, 193, 211, 335}

// eisWindows are the line windows of the EIS-like spectrometer.
var eisWindows = []struct {
	Name       string
	Wavelength float64 // Å
}{
	{"fe_12_195.119", 195.119},
	{"fe_13_202.044", 202.044},
	{"fe_15_284.160", 284.160},
}

const (
	aiaPassbandFWHM = 2.5  // Å
	aiaPassbandHalf = 10.0 // Å tabulated each side of centre
	aiaPassbandStep = 0.25 // Å

	eisBinWidth  = 0.0223 // Å per spectral pixel
	eisBinsEach  = 16     // bins per line window
	eisLineSigma = 0.0238 // Å, instrumental Gaussian width
)

// DefaultFieldOfView is the field used by the presets unless overridden.
var DefaultFieldOfView = FieldOfView{XMin: -100, XMax: 100, YMin: -100, YMax: 100}

// SDOAIA returns an AIA-like imager over iv: six EUV channels, 0.6"/px,
// 6 s sampling and 12 s exposures, viewed along -z.
func SDOAIA(iv core.Interval, opts ...Option) (*Imaging, error) {
	cfg := Config{
		Name:        "SDO_AIA",
		Interval:    iv,
		Cadence:     6,
		Exposure:    12,
		FieldOfView: DefaultFieldOfView,
		PixelScaleX: 0.600698,
		PixelScaleY: 0.600698,
		LineOfSight: core.Vec3{Z: -1},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	channels := make([]*ImagingChannel, 0, len(aiaChannels))
	for _, centre := range aiaChannels {
		wl, resp := gaussianPassband(centre, aiaPassbandFWHM, aiaPassbandHalf, aiaPassbandStep)
		ch, err := NewImagingChannel(fmt.Sprintf("%d", int(centre)), wl, resp, nil)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return NewImaging(cfg, channels)
}

// HinodeEIS returns an EIS-like spectrometer over iv: wavelength bins around
// Fe XII 195.119, Fe XIII 202.044 and Fe XV 284.16 Å, 1"/px, 10 s sampling
// and 30 s exposures. Binning sums the bins of each line window.
func HinodeEIS(iv core.Interval, opts ...Option) (*Spectroscopic, error) {
	cfg := Config{
		Name:        "Hinode_EIS",
		Interval:    iv,
		Cadence:     10,
		Exposure:    30,
		FieldOfView: DefaultFieldOfView,
		PixelScaleX: 1,
		PixelScaleY: 1,
		LineOfSight: core.Vec3{Z: -1},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	channels := make([]*SpectralChannel, 0, len(eisWindows)*eisBinsEach)
	for _, w := range eisWindows {
		lo := w.Wavelength - eisBinWidth*eisBinsEach/2
		for k := 0; k < eisBinsEach; k++ {
			min := lo + float64(k)*eisBinWidth
			ch, err := NewSpectralChannel(fmt.Sprintf("%s_%02d", w.Name, k), w.Name, min, min+eisBinWidth, eisLineSigma)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		}
	}
	return NewSpectroscopic(cfg, channels)
}

// gaussianPassband tabulates a unit-peak Gaussian wavelength response.
func gaussianPassband(centre, fwhm, half, step float64) ([]float64, []float64) {
	sigma := fwhm / (2 * math.Sqrt(2*math.Ln2))
	n := int(math.Round(2*half/step)) + 1
	wl := make([]float64, n)
	resp := make([]float64, n)
	for i := range wl {
		wl[i] = centre - half + float64(i)*step
		d := (wl[i] - centre) / sigma
		resp[i] = math.Exp(-0.5 * d * d)
	}
	return wl, resp
}
