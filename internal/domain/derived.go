package domain

import "math"

// BinnedSpectrum is a sparse spectrum over a fitted bin vocabulary. Bins
// holds vocabulary positions in ascending order.
type BinnedSpectrum struct {
	SpectrumID  string    `json:"spectrum_id"`
	InChI       string    `json:"inchi"`
	InChIKey    string    `json:"inchikey"`
	Bins        []int32   `json:"bins"`
	Intensities []float32 `json:"intensities"`
}

// Dense expands b into a zero-initialised vector of length dim.
func (b *BinnedSpectrum) Dense(dim int) []float64 {
	x := make([]float64, dim)
	for i, bin := range b.Bins {
		if int(bin) < dim {
			x[bin] = float64(b.Intensities[i])
		}
	}
	return x
}

// Document is the bag-of-peaks view of a spectrum.
type Document struct {
	SpectrumID string    `json:"spectrum_id"`
	Words      []string  `json:"words"`
	Weights    []float64 `json:"weights"`
	NDecimals  int       `json:"n_decimals"`
}

// Embedding is one reference vector produced by a registered run.
type Embedding struct {
	SpectrumID string    `json:"spectrum_id"`
	InChIKey   string    `json:"inchikey"`
	RunID      string    `json:"run_id"`
	Vector     []float32 `json:"vector"`
}

// ScoreMatrix is a symmetric similarity table indexed by InChIKey prefix.
type ScoreMatrix struct {
	Keys     []string    `json:"keys"`
	Values   [][]float64 `json:"values"`
	Decimals int         `json:"decimals"`
}

// Index returns the row of key, or -1.
func (m *ScoreMatrix) Index(key string) int {
	for i, k := range m.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

// Cosine returns the cosine similarity of a and b, 0 when either is a
// zero vector.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
