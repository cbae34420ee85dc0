package service

import (
	"math"
	"math/rand"
	"sort"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
)

// Split is a train/validation/test partition of binned spectra. No
// InChIKey prefix appears in more than one part.
type Split struct {
	Train      []domain.BinnedSpectrum
	Validation []domain.BinnedSpectrum
	Test       []domain.BinnedSpectrum
}

// SplitByInChIKey partitions spectra by their 14-character InChIKey prefix.
// Prefixes are shuffled with seed and the validation and test parts take
// round(ratio * n) of them; the train part keeps at least one prefix.
// Spectra without a prefix are dropped.
func SplitByInChIKey(spectra []domain.BinnedSpectrum, train, validation, test float64, seed int64) (Split, error) {
	if err := config.ValidateRatios(train, validation, test); err != nil {
		return Split{}, err
	}
	groups := make(map[string][]int)
	for i := range spectra {
		if key := domain.InChIKeyPrefix(spectra[i].InChIKey); key != "" {
			groups[key] = append(groups[key], i)
		}
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	n := len(keys)
	nVal := int(math.Round(validation * float64(n)))
	nTest := int(math.Round(test * float64(n)))
	for n > 0 && nVal+nTest >= n {
		if nTest >= nVal && nTest > 0 {
			nTest--
		} else {
			nVal--
		}
	}

	var out Split
	take := func(dst *[]domain.BinnedSpectrum, ks []string) {
		for _, k := range ks {
			for _, i := range groups[k] {
				*dst = append(*dst, spectra[i])
			}
		}
	}
	take(&out.Validation, keys[:nVal])
	take(&out.Test, keys[nVal:nVal+nTest])
	take(&out.Train, keys[nVal+nTest:])
	return out, nil
}
