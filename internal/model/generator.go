package model

import (
	"math/rand"
	"sort"

	"github.com/timmy/ms2sim/internal/domain"
)

// Pair is one training example: two spectra and their target similarity.
type Pair struct {
	A, B   sparse
	Target float64
}

// NewPair builds a pair from binned spectra.
func NewPair(a, b *domain.BinnedSpectrum, target float64) Pair {
	return Pair{A: toSparse(a), B: toSparse(b), Target: target}
}

// PairSource yields the training pairs of one epoch.
type PairSource interface {
	Epoch() []Pair
}

// scoreBins split [0, 1] into the target ranges sampled uniformly by
// PairGenerator, so rare high similarities are seen as often as common
// low ones.
var scoreBins = [][2]float64{
	{-0.01, 0.1}, {0.1, 0.2}, {0.2, 0.3}, {0.3, 0.4}, {0.4, 0.5},
	{0.5, 0.6}, {0.6, 0.7}, {0.7, 0.8}, {0.8, 0.9}, {0.9, 1.0},
}

// PairGenerator draws one pair per InChIKey prefix per epoch. The partner
// is chosen so its Tanimoto score falls in a randomly picked score bin;
// when that bin is empty the nearest non-empty bin is used.
type PairGenerator struct {
	spectra []domain.BinnedSpectrum
	byKey   map[string][]int
	keys    []string
	scores  *domain.ScoreMatrix
	rows    map[string]int
	rng     *rand.Rand
}

// NewPairGenerator indexes spectra by InChIKey prefix. Spectra whose prefix
// has no row in scores are ignored.
func NewPairGenerator(spectra []domain.BinnedSpectrum, scores *domain.ScoreMatrix, seed int64) (*PairGenerator, error) {
	g := &PairGenerator{
		spectra: spectra,
		byKey:   make(map[string][]int),
		scores:  scores,
		rows:    make(map[string]int, len(scores.Keys)),
		rng:     rand.New(rand.NewSource(seed)), //nolint:gosec
	}
	for i, k := range scores.Keys {
		g.rows[k] = i
	}
	for i := range spectra {
		key := domain.InChIKeyPrefix(spectra[i].InChIKey)
		if _, ok := g.rows[key]; !ok {
			continue
		}
		if _, seen := g.byKey[key]; !seen {
			g.keys = append(g.keys, key)
		}
		g.byKey[key] = append(g.byKey[key], i)
	}
	if len(g.keys) == 0 {
		return nil, domain.Invalid("pair generator", "no spectrum has an InChIKey in the score matrix")
	}
	sort.Strings(g.keys)
	return g, nil
}

// Len is the number of distinct InChIKey prefixes.
func (g *PairGenerator) Len() int { return len(g.keys) }

func (g *PairGenerator) pick(key string) *domain.BinnedSpectrum {
	idx := g.byKey[key]
	return &g.spectra[idx[g.rng.Intn(len(idx))]]
}

func (g *PairGenerator) partner(key string) (string, float64) {
	row := g.scores.Values[g.rows[key]]
	bin := g.rng.Intn(len(scoreBins))
	for dist := 0; dist < len(scoreBins); dist++ {
		for side, b := range []int{bin - dist, bin + dist} {
			if b < 0 || b >= len(scoreBins) || (dist == 0 && side == 1) {
				continue
			}
			var candidates []string
			for _, other := range g.keys {
				s := row[g.rows[other]]
				if s > scoreBins[b][0] && s <= scoreBins[b][1] {
					candidates = append(candidates, other)
				}
			}
			if len(candidates) > 0 {
				c := candidates[g.rng.Intn(len(candidates))]
				return c, row[g.rows[c]]
			}
		}
	}
	return key, 1
}

// Epoch returns one shuffled pair per InChIKey prefix.
func (g *PairGenerator) Epoch() []Pair {
	order := g.rng.Perm(len(g.keys))
	pairs := make([]Pair, 0, len(order))
	for _, i := range order {
		key := g.keys[i]
		other, target := g.partner(key)
		pairs = append(pairs, NewPair(g.pick(key), g.pick(other), target))
	}
	return pairs
}

// Fixed draws one epoch to be reused as a validation set.
func (g *PairGenerator) Fixed() []Pair {
	return g.Epoch()
}
