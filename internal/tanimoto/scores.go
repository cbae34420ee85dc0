// Package tanimoto precomputes the chemical similarity targets used to
// train Siamese models.
package tanimoto

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

// CanonicalInChIs picks one InChI per 14-character InChIKey prefix: the
// most frequent one, ties going to the earliest seen. Keys are returned
// sorted. Spectra without a prefix or an InChI are ignored.
func CanonicalInChIs(binned []domain.BinnedSpectrum) (keys, inchis []string) {
	type vote struct {
		count int
		first int
	}
	votes := make(map[string]map[string]*vote)
	for i, b := range binned {
		key := domain.InChIKeyPrefix(b.InChIKey)
		if key == "" || b.InChI == "" {
			continue
		}
		byInChI, ok := votes[key]
		if !ok {
			byInChI = make(map[string]*vote)
			votes[key] = byInChI
		}
		v, ok := byInChI[b.InChI]
		if !ok {
			v = &vote{first: i}
			byInChI[b.InChI] = v
		}
		v.count++
	}

	keys = make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	inchis = make([]string, len(keys))
	for i, k := range keys {
		var best string
		var bestVote *vote
		for inchi, v := range votes[k] {
			if bestVote == nil || v.count > bestVote.count || (v.count == bestVote.count && v.first < bestVote.first) {
				best, bestVote = inchi, v
			}
		}
		inchis[i] = best
	}
	return keys, inchis
}

// Round rounds v to decimals places.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Compute returns the symmetric Tanimoto matrix of the canonical InChIs,
// rounded to decimals. The diagonal is 1. Rows are filled in parallel.
func Compute(ctx context.Context, fper Fingerprinter, keys, inchis []string, decimals int) (*domain.ScoreMatrix, error) {
	n := len(keys)
	fps := make([]*Fingerprint, n)
	for i, inchi := range inchis {
		fps[i] = fper.Fingerprint(inchi)
	}

	values := make([][]float64, n)
	for i := range values {
		values[i] = make([]float64, n)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			values[i][i] = 1
			for j := i + 1; j < n; j++ {
				s := Round(Similarity(fps[i], fps[j]), decimals)
				values[i][j] = s
				values[j][i] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{logger.FieldCount: n}).Info(ctx, "Computed %dx%d Tanimoto matrix", n, n)
	return &domain.ScoreMatrix{Keys: keys, Values: values, Decimals: decimals}, nil
}

// FromBinned runs CanonicalInChIs and Compute with a path fingerprint of
// nBits bits.
func FromBinned(ctx context.Context, binned []domain.BinnedSpectrum, nBits, decimals int) (*domain.ScoreMatrix, error) {
	keys, inchis := CanonicalInChIs(binned)
	return Compute(ctx, NewPathFingerprinter(nBits), keys, inchis, decimals)
}
