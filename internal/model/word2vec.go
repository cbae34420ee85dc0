package model

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/storage"
)

// Corpus streams documents and can be rewound. document.Iterator
// satisfies it.
type Corpus interface {
	Next(ctx context.Context) bool
	Document() domain.Document
	Err() error
	Reset()
}

// Word2VecConfig configures skip-gram training with negative sampling.
type Word2VecConfig struct {
	VectorSize      int
	Window          int
	Iterations      int
	LearningRate    float64
	MinLearningRate float64
	NegativeSamples int
	Seed            int64
}

// Word2Vec holds peak-word vectors.
type Word2Vec struct {
	Words   []string
	Vectors [][]float32

	index map[string]int
}

// NewWord2Vec wraps trained or loaded vectors.
func NewWord2Vec(words []string, vectors [][]float32) *Word2Vec {
	m := &Word2Vec{Words: words, Vectors: vectors, index: make(map[string]int, len(words))}
	for i, w := range words {
		m.index[w] = i
	}
	return m
}

// Dim is the vector size.
func (m *Word2Vec) Dim() int {
	if len(m.Vectors) == 0 {
		return 0
	}
	return len(m.Vectors[0])
}

// Vector returns the vector of word.
func (m *Word2Vec) Vector(word string) ([]float32, bool) {
	i, ok := m.index[word]
	if !ok {
		return nil, false
	}
	return m.Vectors[i], true
}

// vocabulary counts words and orders them by frequency, then lexically.
func vocabulary(ctx context.Context, corpus Corpus) ([]string, []int, int, error) {
	counts := make(map[string]int)
	total := 0
	corpus.Reset()
	for corpus.Next(ctx) {
		for _, w := range corpus.Document().Words {
			counts[w]++
			total++
		}
	}
	if err := corpus.Err(); err != nil {
		return nil, nil, 0, err
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	freq := make([]int, len(words))
	for i, w := range words {
		freq[i] = counts[w]
	}
	return words, freq, total, nil
}

// TrainWord2Vec learns word vectors from corpus. Training is
// single-threaded, so equal seeds give equal vectors.
func TrainWord2Vec(ctx context.Context, corpus Corpus, cfg Word2VecConfig) (*Word2Vec, error) {
	const op = "train word2vec"
	if cfg.VectorSize <= 0 || cfg.Window <= 0 || cfg.Iterations <= 0 || cfg.NegativeSamples <= 0 || cfg.LearningRate <= 0 {
		return nil, domain.Invalid(op, "vector_size, window, iterations, negative and learning_rate must be positive")
	}
	if cfg.MinLearningRate <= 0 {
		cfg.MinLearningRate = 0.0001
	}

	words, freq, total, err := vocabulary(ctx, corpus)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, domain.Invalid(op, "corpus has no words")
	}
	index := make(map[string]int, len(words))
	for i, w := range words {
		index[w] = i
	}

	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec
	dim := cfg.VectorSize
	in := make([]float64, len(words)*dim)
	out := make([]float64, len(words)*dim)
	for i := range in {
		in[i] = (rng.Float64() - 0.5) / float64(dim)
	}

	// unigram^0.75 distribution for negatives
	cum := make([]float64, len(words))
	var acc float64
	for i, f := range freq {
		acc += math.Pow(float64(f), 0.75)
		cum[i] = acc
	}
	sample := func() int {
		i := sort.SearchFloat64s(cum, rng.Float64()*acc)
		if i >= len(cum) {
			i = len(cum) - 1
		}
		return i
	}

	grad := make([]float64, dim)
	step := func(center, neighbour int, alpha float64) {
		l1 := in[neighbour*dim : (neighbour+1)*dim]
		clear(grad)
		for d := 0; d <= cfg.NegativeSamples; d++ {
			target, label := center, 1.0
			if d > 0 {
				target, label = sample(), 0
				if target == center {
					continue
				}
			}
			l2 := out[target*dim : (target+1)*dim]
			var f float64
			for k := range l1 {
				f += l1[k] * l2[k]
			}
			g := (label - sigmoid(f)) * alpha
			for k := range l1 {
				grad[k] += g * l2[k]
				l2[k] += g * l1[k]
			}
		}
		for k := range l1 {
			l1[k] += grad[k]
		}
	}

	budget := float64(cfg.Iterations * total)
	var seen int
	ids := make([]int, 0, 256)
	for iter := 1; iter <= cfg.Iterations; iter++ {
		corpus.Reset()
		for corpus.Next(ctx) {
			doc := corpus.Document()
			ids = ids[:0]
			for _, w := range doc.Words {
				ids = append(ids, index[w])
			}
			for pos, center := range ids {
				alpha := cfg.LearningRate - (cfg.LearningRate-cfg.MinLearningRate)*float64(seen)/budget
				seen++
				shrink := rng.Intn(cfg.Window)
				lo := max(0, pos-cfg.Window+shrink)
				hi := min(len(ids)-1, pos+cfg.Window-shrink)
				for c := lo; c <= hi; c++ {
					if c != pos {
						step(center, ids[c], alpha)
					}
				}
			}
		}
		if err := corpus.Err(); err != nil {
			return nil, err
		}
		logger.With(logger.Fields{"iteration": iter, logger.FieldCount: len(words)}).
			Info(ctx, "Word2Vec iteration %d of %d done", iter, cfg.Iterations)
	}

	vectors := make([][]float32, len(words))
	for i := range words {
		v := make([]float32, dim)
		for k := range v {
			v[k] = float32(in[i*dim+k])
		}
		vectors[i] = v
	}
	return NewWord2Vec(words, vectors), nil
}

func sigmoid(x float64) float64 {
	switch {
	case x > 6:
		return 1
	case x < -6:
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}

// Embed returns the weighted sum of the vectors of doc's words and the
// share of weight carried by words outside the vocabulary, in percent.
func (m *Word2Vec) Embed(doc domain.Document) ([]float32, float64) {
	sum := make([]float64, m.Dim())
	var total, missing float64
	for i, w := range doc.Words {
		weight := 1.0
		if i < len(doc.Weights) {
			weight = doc.Weights[i]
		}
		total += weight
		v, ok := m.Vector(w)
		if !ok {
			missing += weight
			continue
		}
		for k, x := range v {
			sum[k] += weight * float64(x)
		}
	}
	out := make([]float32, len(sum))
	for k, x := range sum {
		out[k] = float32(x)
	}
	var pct float64
	if total > 0 {
		pct = 100 * missing / total
	}
	return out, pct
}

// WordVectors exposes m for the word2vec binary format.
func (m *Word2Vec) WordVectors() *storage.WordVectors {
	return &storage.WordVectors{Words: m.Words, Vectors: m.Vectors}
}

// Save writes m in the word2vec binary format.
func (m *Word2Vec) Save(ctx context.Context, g *storage.Gateway, p string) error {
	return g.SaveWord2Vec(ctx, m.WordVectors(), p)
}

// LoadWord2Vec reads a word2vec binary file.
func LoadWord2Vec(ctx context.Context, g *storage.Gateway, p string) (*Word2Vec, error) {
	wv, err := g.LoadWord2Vec(ctx, p)
	if err != nil {
		return nil, err
	}
	return NewWord2Vec(wv.Words, wv.Vectors), nil
}
