package spectrum

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/timmy/ms2sim/internal/domain"
)

const (
	// ProtonMass in Da.
	ProtonMass = 1.007276466879

	DefaultMZMin    = 10.0
	DefaultMZMax    = 1000.0
	DefaultMinPeaks = 5
)

// Filter transforms one spectrum. Returning nil with a nil error rejects
// the spectrum.
type Filter func(s *domain.Spectrum) (*domain.Spectrum, error)

// Pipeline applies filters in order, stopping at the first rejection.
type Pipeline []Filter

// Apply runs the pipeline on a copy of s.
func (p Pipeline) Apply(s *domain.Spectrum) (*domain.Spectrum, error) {
	cur := &domain.Spectrum{SpectrumID: s.SpectrumID, Peaks: s.Peaks.Clone(), Metadata: s.Metadata}
	for _, f := range p {
		next, err := f(cur)
		if err != nil || next == nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// DefaultMetadata normalises the ion mode and charge. A missing ion mode is
// inferred from the charge sign, a missing charge from the ion mode.
func DefaultMetadata(s *domain.Spectrum) (*domain.Spectrum, error) {
	md := &s.Metadata
	switch mode := strings.ToLower(strings.TrimSpace(string(md.IonMode))); mode {
	case "positive", "pos", "p", "+":
		md.IonMode = domain.IonModePositive
	case "negative", "neg", "n", "-":
		md.IonMode = domain.IonModeNegative
	default:
		switch {
		case md.Charge > 0:
			md.IonMode = domain.IonModePositive
		case md.Charge < 0:
			md.IonMode = domain.IonModeNegative
		default:
			md.IonMode = ""
		}
	}
	if md.Charge == 0 && md.IonMode != "" {
		md.Charge = md.IonMode.Sign()
	}
	if md.IonMode == domain.IonModeNegative && md.Charge > 0 {
		md.Charge = -md.Charge
	}
	if md.IonMode == domain.IonModePositive && md.Charge < 0 {
		md.Charge = -md.Charge
	}
	if math.IsNaN(md.PrecursorMZ) || md.PrecursorMZ < 0 {
		md.PrecursorMZ = 0
	}
	return s, nil
}

// RejectNegativeIntensities drops spectra with any intensity below zero.
func RejectNegativeIntensities(s *domain.Spectrum) (*domain.Spectrum, error) {
	for _, v := range s.Peaks.Intensities {
		if v < 0 || math.IsNaN(v) {
			return nil, nil
		}
	}
	return s, nil
}

// SortPeaks orders peaks by m/z and merges duplicate m/z values, keeping
// the highest intensity.
func SortPeaks(s *domain.Spectrum) (*domain.Spectrum, error) {
	n := s.Peaks.Len()
	if len(s.Peaks.Intensities) != n {
		return nil, domain.BadRecord("sort peaks", fmt.Errorf("%s: %d m/z values for %d intensities", s.SpectrumID, n, len(s.Peaks.Intensities)))
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return s.Peaks.MZ[idx[a]] < s.Peaks.MZ[idx[b]] })

	out := domain.Peaks{MZ: make([]float64, 0, n), Intensities: make([]float64, 0, n)}
	for _, i := range idx {
		mz, in := s.Peaks.MZ[i], s.Peaks.Intensities[i]
		if last := len(out.MZ) - 1; last >= 0 && out.MZ[last] == mz {
			if in > out.Intensities[last] {
				out.Intensities[last] = in
			}
			continue
		}
		out.MZ = append(out.MZ, mz)
		out.Intensities = append(out.Intensities, in)
	}
	s.Peaks = out
	return s, nil
}

// DeriveParentMass sets the neutral parent mass from the exact mass when it
// is positive, otherwise from the precursor m/z and charge. Spectra with
// neither are rejected.
func DeriveParentMass(s *domain.Spectrum) (*domain.Spectrum, error) {
	md := &s.Metadata
	if md.ExactMass > 0 {
		md.ParentMass = md.ExactMass
		return s, nil
	}
	if md.PrecursorMZ <= 0 {
		return nil, nil
	}
	z := md.Charge
	if z == 0 {
		z = md.IonMode.Sign()
	}
	absZ := math.Abs(float64(z))
	md.ParentMass = md.PrecursorMZ*absZ - float64(z)*ProtonMass
	if md.ParentMass <= 0 {
		return nil, nil
	}
	return s, nil
}

// SelectByMZ keeps peaks with m/z in [min, max].
func SelectByMZ(min, max float64) Filter {
	return func(s *domain.Spectrum) (*domain.Spectrum, error) {
		out := domain.Peaks{MZ: make([]float64, 0, s.Peaks.Len()), Intensities: make([]float64, 0, s.Peaks.Len())}
		for i, mz := range s.Peaks.MZ {
			if mz >= min && mz <= max {
				out.MZ = append(out.MZ, mz)
				out.Intensities = append(out.Intensities, s.Peaks.Intensities[i])
			}
		}
		s.Peaks = out
		return s, nil
	}
}

// RequireMinimumPeaks rejects spectra with fewer than n peaks.
func RequireMinimumPeaks(n int) Filter {
	return func(s *domain.Spectrum) (*domain.Spectrum, error) {
		if s.Peaks.Len() < n {
			return nil, nil
		}
		return s, nil
	}
}

// RequirePositiveIntensity rejects spectra whose intensities are all zero.
func RequirePositiveIntensity(s *domain.Spectrum) (*domain.Spectrum, error) {
	for _, v := range s.Peaks.Intensities {
		if v > 0 {
			return s, nil
		}
	}
	return nil, nil
}

// RequireIonMode rejects spectra of any other polarity.
func RequireIonMode(mode domain.IonMode) Filter {
	return func(s *domain.Spectrum) (*domain.Spectrum, error) {
		if s.Metadata.IonMode != mode {
			return nil, nil
		}
		return s, nil
	}
}

// NormalizeIntensities returns a copy of p with intensities scaled to sum
// to one. All-zero spectra are returned unchanged.
func NormalizeIntensities(p domain.Peaks) domain.Peaks {
	out := p.Clone()
	var sum float64
	for _, v := range out.Intensities {
		sum += v
	}
	if sum <= 0 {
		return out
	}
	for i := range out.Intensities {
		out.Intensities[i] /= sum
	}
	return out
}
