package spectrum

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/timmy/ms2sim/internal/domain"
)

// FromRaw converts a library record into an uncleaned spectrum. Records
// whose peaks or numeric fields cannot be parsed are BadRecord errors.
func FromRaw(r domain.RawSpectrum) (*domain.Spectrum, error) {
	const op = "convert raw spectrum"
	if r.SpectrumID == "" {
		return nil, domain.BadRecord(op, fmt.Errorf("spectrum_id missing"))
	}
	peaks, err := r.ParsePeaks()
	if err != nil {
		return nil, domain.BadRecord(op, fmt.Errorf("%s: %w", r.SpectrumID, err))
	}
	precursor, err := parseFloat(r.PrecursorMZ)
	if err != nil {
		return nil, domain.BadRecord(op, fmt.Errorf("%s: precursor_mz: %w", r.SpectrumID, err))
	}
	exact, err := parseFloat(r.ExactMass)
	if err != nil {
		exact = 0
	}
	charge, err := ParseCharge(r.Charge)
	if err != nil {
		return nil, domain.BadRecord(op, fmt.Errorf("%s: %w", r.SpectrumID, err))
	}

	return &domain.Spectrum{
		SpectrumID: r.SpectrumID,
		Peaks:      peaks,
		Metadata: domain.Metadata{
			PrecursorMZ:  precursor,
			ExactMass:    exact,
			Charge:       charge,
			IonMode:      domain.IonMode(strings.ToLower(strings.TrimSpace(r.IonMode))),
			InChI:        r.InChI,
			InChIKey:     r.InChIKey,
			SMILES:       r.SMILES,
			CompoundName: strings.TrimSpace(r.CompoundName),
			Adduct:       strings.TrimSpace(r.Adduct),
		},
	}, nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// ParseCharge accepts "2", "+2", "2+", "-1", "1-" and the empty string.
func ParseCharge(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	sign := 1
	switch {
	case strings.HasSuffix(s, "+"):
		s = strings.TrimSuffix(s, "+")
	case strings.HasSuffix(s, "-"):
		s, sign = strings.TrimSuffix(s, "-"), -1
	}
	if s == "" {
		return sign, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("charge %q: %w", s, err)
	}
	return sign * int(f), nil
}
