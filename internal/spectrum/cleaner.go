package spectrum

import (
	"context"
	"errors"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

// DefaultPipeline is the cleaning sequence applied to library spectra.
func DefaultPipeline() Pipeline {
	return Pipeline{
		DefaultMetadata,
		RejectNegativeIntensities,
		SortPeaks,
		DeriveParentMass,
		HarmonizeUndefinedChemistry,
		RepairSwappedChemistry,
		DeriveMissingChemistry,
		SelectByMZ(DefaultMZMin, DefaultMZMax),
		RequireMinimumPeaks(DefaultMinPeaks),
		RequirePositiveIntensity,
	}
}

// Stats counts the outcome of a cleaning pass.
type Stats struct {
	Input    int
	Kept     int
	Rejected int
	Failed   int
}

// Dropped is the number of records that did not survive cleaning.
func (s Stats) Dropped() int { return s.Rejected + s.Failed }

// Cleaner turns raw records into cleaned spectra.
type Cleaner struct {
	pipeline Pipeline
}

// NewCleaner creates a cleaner. Extra filters run after the default ones.
func NewCleaner(extra ...Filter) *Cleaner {
	p := DefaultPipeline()
	p = append(p, extra...)
	return &Cleaner{pipeline: p}
}

// Clean converts and cleans one record. A nil spectrum with a nil error
// means the record was rejected; a BadRecord error means it could not be
// read.
func (c *Cleaner) Clean(r domain.RawSpectrum) (*domain.Spectrum, error) {
	s, err := FromRaw(r)
	if err != nil {
		return nil, err
	}
	return c.CleanSpectrum(s)
}

// CleanSpectrum runs the pipeline on an already converted spectrum.
func (c *Cleaner) CleanSpectrum(s *domain.Spectrum) (*domain.Spectrum, error) {
	out, err := c.pipeline.Apply(s)
	if err != nil {
		var de *domain.Error
		if !errors.As(err, &de) {
			err = domain.BadRecord("clean spectrum", err)
		}
		return nil, err
	}
	return out, nil
}

// CleanAll cleans records in order. Rejections and unreadable records are
// counted, never returned.
func (c *Cleaner) CleanAll(ctx context.Context, records []domain.RawSpectrum) ([]domain.Spectrum, Stats) {
	stats := Stats{Input: len(records)}
	out := make([]domain.Spectrum, 0, len(records))
	for _, r := range records {
		s, err := c.Clean(r)
		switch {
		case err != nil:
			stats.Failed++
			logger.CtxDebug(ctx, "Dropped spectrum %s: %v", r.SpectrumID, err)
		case s == nil:
			stats.Rejected++
		default:
			out = append(out, *s)
		}
	}
	stats.Kept = len(out)
	if stats.Dropped() > 0 {
		logger.With(logger.Fields{
			logger.FieldCount: stats.Dropped(),
			"rejected":        stats.Rejected,
			"failed":          stats.Failed,
		}).Info(ctx, "Cleaning dropped %d of %d spectra", stats.Dropped(), stats.Input)
	}
	return out, stats
}
