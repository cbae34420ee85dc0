// Package document builds the bag-of-peaks view of spectra used to train
// and query word embeddings.
package document

import (
	"math"
	"strconv"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/spectrum"
)

// WordPrefix starts every peak word.
const WordPrefix = "peak@"

// Word returns the token for mz at nDecimals precision.
func Word(mz float64, nDecimals int) string {
	return WordPrefix + strconv.FormatFloat(mz, 'f', nDecimals, 64)
}

// New builds the document of s. Words follow the peak order; weights are
// the normalised intensities raised to power.
func New(s *domain.Spectrum, nDecimals int, power float64) domain.Document {
	peaks := spectrum.NormalizeIntensities(s.Peaks)
	doc := domain.Document{
		SpectrumID: s.SpectrumID,
		Words:      make([]string, peaks.Len()),
		Weights:    make([]float64, peaks.Len()),
		NDecimals:  nDecimals,
	}
	for i, mz := range peaks.MZ {
		doc.Words[i] = Word(mz, nDecimals)
		doc.Weights[i] = math.Pow(peaks.Intensities[i], power)
	}
	return doc
}

// FromSpectra builds documents for spectra, preserving order.
func FromSpectra(spectra []domain.Spectrum, nDecimals int, power float64) []domain.Document {
	docs := make([]domain.Document, len(spectra))
	for i := range spectra {
		docs[i] = New(&spectra[i], nDecimals, power)
	}
	return docs
}
