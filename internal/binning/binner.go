// Package binning turns cleaned spectra into sparse vectors over a fitted
// vocabulary of fixed-width m/z bins.
package binning

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/goccy/go-json"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

const (
	DefaultNBins    = 10_000
	DefaultMZMin    = 10.0
	DefaultMZMax    = 1000.0
	DefaultMinPeaks = 5
)

// Binner maps peaks to fixed-width bins. Fit establishes the vocabulary of
// bins seen in the training population; Transform emits vocabulary
// positions, so every index lies in [0, InputDim()).
type Binner struct {
	NBins                    int     `json:"number_of_bins"`
	MZMin                    float64 `json:"mz_min"`
	MZMax                    float64 `json:"mz_max"`
	PeakScaling              float64 `json:"peak_scaling"`
	AllowedMissingPercentage float64 `json:"allowed_missing_percentage"`
	KnownBins                []int32 `json:"known_bins"`

	position map[int32]int32
}

// New returns an unfitted binner over [10, 1000] Da.
func New(nBins int, peakScaling, allowedMissingPercentage float64) *Binner {
	return &Binner{
		NBins:                    nBins,
		MZMin:                    DefaultMZMin,
		MZMax:                    DefaultMZMax,
		PeakScaling:              peakScaling,
		AllowedMissingPercentage: allowedMissingPercentage,
	}
}

// InputDim is the size of the fitted vocabulary.
func (b *Binner) InputDim() int { return len(b.KnownBins) }

// Fitted reports whether Fit or UnmarshalJSON has run.
func (b *Binner) Fitted() bool { return b.position != nil }

func (b *Binner) validate() error {
	if b.NBins <= 0 || b.MZMax <= b.MZMin {
		return domain.Invalid("binner", "need n_bins > 0 and mz_max > mz_min, got %d bins over [%g, %g]", b.NBins, b.MZMin, b.MZMax)
	}
	return nil
}

// bin returns the fixed-width bin of mz, or -1 outside the window.
func (b *Binner) bin(mz float64) int32 {
	if mz < b.MZMin || mz > b.MZMax {
		return -1
	}
	width := (b.MZMax - b.MZMin) / float64(b.NBins)
	i := int32((mz - b.MZMin) / width)
	if int(i) >= b.NBins {
		i = int32(b.NBins - 1)
	}
	return i
}

// peaksInWindow returns the max intensity per fixed-width bin.
func (b *Binner) peaksInWindow(s *domain.Spectrum) (map[int32]float64, int) {
	bins := make(map[int32]float64)
	n := 0
	for i, mz := range s.Peaks.MZ {
		bin := b.bin(mz)
		if bin < 0 {
			continue
		}
		n++
		in := s.Peaks.Intensities[i]
		if cur, ok := bins[bin]; !ok || in > cur {
			bins[bin] = in
		}
	}
	return bins, n
}

func (b *Binner) index() {
	b.position = make(map[int32]int32, len(b.KnownBins))
	for i, bin := range b.KnownBins {
		b.position[bin] = int32(i)
	}
}

// Fit builds the vocabulary from spectra with enough peaks in the window
// and returns their binned form.
func (b *Binner) Fit(ctx context.Context, spectra []domain.Spectrum) ([]domain.BinnedSpectrum, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	seen := make(map[int32]struct{})
	for i := range spectra {
		bins, n := b.peaksInWindow(&spectra[i])
		if n < DefaultMinPeaks {
			continue
		}
		for bin := range bins {
			seen[bin] = struct{}{}
		}
	}
	b.KnownBins = make([]int32, 0, len(seen))
	for bin := range seen {
		b.KnownBins = append(b.KnownBins, bin)
	}
	sort.Slice(b.KnownBins, func(i, j int) bool { return b.KnownBins[i] < b.KnownBins[j] })
	b.index()

	logger.With(logger.Fields{
		logger.FieldCount: len(spectra),
		"input_dim":       b.InputDim(),
	}).Info(ctx, "Fitted binner over %d fixed bins", b.NBins)

	binned, _ := b.Transform(ctx, spectra)
	return binned, nil
}

// TransformOne bins a single spectrum. It returns nil when fewer than five
// peaks fall in the window, and the share of intensity lost to bins
// outside the vocabulary, in percent.
func (b *Binner) TransformOne(s *domain.Spectrum) (*domain.BinnedSpectrum, float64, error) {
	if !b.Fitted() {
		return nil, 0, domain.Invalid("binner", "transform before fit")
	}
	bins, n := b.peaksInWindow(s)
	if n < DefaultMinPeaks {
		return nil, 0, nil
	}

	type entry struct {
		pos int32
		v   float64
	}
	entries := make([]entry, 0, len(bins))
	var total, missing float64
	for bin, in := range bins {
		v := math.Pow(in, b.PeakScaling)
		total += v
		pos, ok := b.position[bin]
		if !ok {
			missing += v
			continue
		}
		entries = append(entries, entry{pos: pos, v: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })

	out := &domain.BinnedSpectrum{
		SpectrumID:  s.SpectrumID,
		InChI:       s.Metadata.InChI,
		InChIKey:    s.Metadata.InChIKey,
		Bins:        make([]int32, len(entries)),
		Intensities: make([]float32, len(entries)),
	}
	for i, e := range entries {
		out.Bins[i] = e.pos
		out.Intensities[i] = float32(e.v)
	}
	var missingPct float64
	if total > 0 {
		missingPct = 100 * missing / total
	}
	return out, missingPct, nil
}

// Stats counts the outcome of a Transform.
type Stats struct {
	Skipped     int
	OverMissing int
}

// Transform bins spectra in order, skipping those with too few peaks.
// Spectra that lose more than AllowedMissingPercentage of their intensity
// to unknown bins are kept and logged.
func (b *Binner) Transform(ctx context.Context, spectra []domain.Spectrum) ([]domain.BinnedSpectrum, Stats) {
	var stats Stats
	out := make([]domain.BinnedSpectrum, 0, len(spectra))
	for i := range spectra {
		bs, missing, err := b.TransformOne(&spectra[i])
		if err != nil || bs == nil {
			stats.Skipped++
			continue
		}
		if missing > b.AllowedMissingPercentage {
			stats.OverMissing++
			logger.CtxDebug(ctx, "Spectrum %s has %.1f%% of its intensity in unknown bins", bs.SpectrumID, missing)
		}
		out = append(out, *bs)
	}
	if stats.OverMissing > 0 {
		logger.With(logger.Fields{logger.FieldCount: stats.OverMissing}).
			Warn(ctx, "%d spectra exceed the allowed missing percentage of %g", stats.OverMissing, b.AllowedMissingPercentage)
	}
	return out, stats
}

// UnmarshalJSON restores a fitted binner.
func (b *Binner) UnmarshalJSON(data []byte) error {
	type plain Binner
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = Binner(p)
	if err := b.validate(); err != nil {
		return err
	}
	for i := 1; i < len(b.KnownBins); i++ {
		if b.KnownBins[i] <= b.KnownBins[i-1] {
			return fmt.Errorf("known_bins not strictly increasing at %d", i)
		}
	}
	if b.KnownBins == nil {
		b.KnownBins = []int32{}
	}
	b.index()
	return nil
}
