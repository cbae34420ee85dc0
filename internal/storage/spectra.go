package storage

import (
	"bufio"
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

// RawRecord is one library record projected onto the whitelisted keys.
// Fields keeps the original key spelling so chunks round-trip unchanged.
type RawRecord struct {
	Spectrum domain.RawSpectrum
	Fields   map[string]json.RawMessage
}

// StreamRecords decodes the JSON array at p one record at a time, in file
// order. Records that cannot be read as spectra are dropped and counted;
// a malformed array aborts with CorruptArtifact.
func (g *Gateway) StreamRecords(ctx context.Context, p string, fn func(RawRecord) error) (dropped int, err error) {
	rc, err := g.Open(ctx, p)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(rc, 1<<20))
	tok, err := dec.Token()
	if err != nil {
		return 0, domain.Corrupt("load spectra "+p, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, domain.Corrupt("load spectra "+p, fmt.Errorf("expected JSON array, got %v", tok))
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		var fields map[string]json.RawMessage
		if err := dec.Decode(&fields); err != nil {
			return dropped, domain.Corrupt("load spectra "+p, err)
		}
		projected := domain.ProjectFields(fields)
		s, err := domain.NewRawSpectrum(projected)
		if err != nil || s.SpectrumID == "" {
			dropped++
			continue
		}
		if err := fn(RawRecord{Spectrum: s, Fields: projected}); err != nil {
			return dropped, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return dropped, domain.Corrupt("load spectra "+p, err)
	}
	if dropped > 0 {
		logger.With(logger.Fields{logger.FieldCount: dropped}).Warn(ctx, "Dropped unreadable records from %s", p)
	}
	return dropped, nil
}

// LoadSpectra returns the raw spectra of p in file order.
func (g *Gateway) LoadSpectra(ctx context.Context, p string) ([]domain.RawSpectrum, error) {
	var spectra []domain.RawSpectrum
	_, err := g.StreamRecords(ctx, p, func(r RawRecord) error {
		spectra = append(spectra, r.Spectrum)
		return nil
	})
	return spectra, err
}

// SpectrumIDs returns the spectrum ids of p in file order.
func (g *Gateway) SpectrumIDs(ctx context.Context, p string) ([]string, error) {
	var ids []string
	_, err := g.StreamRecords(ctx, p, func(r RawRecord) error {
		ids = append(ids, r.Spectrum.SpectrumID)
		return nil
	})
	return ids, err
}
