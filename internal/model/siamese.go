package model

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"
	"math/rand"

	"github.com/goccy/go-json"

	"github.com/timmy/ms2sim/internal/binning"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/storage"
)

// Model kinds recorded in model files and registry runs.
const (
	KindSpec2Vec     = "spec2vec"
	KindMS2DeepScore = "ms2deepscore"
)

const binnerAttribute = "spectrum_binner"

// SiameseConfig shapes the base network.
type SiameseConfig struct {
	InputDim     int     `json:"input_dim"`
	BaseDims     []int   `json:"base_dims"`
	EmbeddingDim int     `json:"embedding_dim"`
	Dropout      float64 `json:"dropout"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

// Siamese is a two-branch network sharing one base. The base maps a binned
// spectrum to an embedding; the head scores a pair by the cosine of their
// embeddings.
type Siamese struct {
	Config SiameseConfig
	Binner *binning.Binner

	layers []dense
	rng    *rand.Rand
	opt    *adam
}

// NewSiamese initialises a network for binner's vocabulary. Dense layers
// follow cfg.BaseDims and end in an embedding layer; every layer uses ReLU.
func NewSiamese(cfg SiameseConfig, binner *binning.Binner) (*Siamese, error) {
	if binner == nil || !binner.Fitted() {
		return nil, domain.Invalid("new siamese", "a fitted spectrum binner is required")
	}
	cfg.InputDim = binner.InputDim()
	if cfg.InputDim == 0 || cfg.EmbeddingDim <= 0 {
		return nil, domain.Invalid("new siamese", "input_dim and embedding_dim must be positive, got %d and %d", cfg.InputDim, cfg.EmbeddingDim)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, domain.Invalid("new siamese", "dropout must be in [0, 1), got %g", cfg.Dropout)
	}
	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec
	m := &Siamese{Config: cfg, Binner: binner, rng: rng}
	in := cfg.InputDim
	for _, out := range append(append([]int(nil), cfg.BaseDims...), cfg.EmbeddingDim) {
		m.layers = append(m.layers, newDense(in, out, rng))
		in = out
	}
	return m, nil
}

func toSparse(b *domain.BinnedSpectrum) sparse {
	x := sparse{Index: b.Bins, Value: make([]float64, len(b.Intensities))}
	for i, v := range b.Intensities {
		x.Value[i] = float64(v)
	}
	return x
}

func (m *Siamese) base(x sparse) []float64 {
	h := relu(m.layers[0].forwardSparse(x))
	for k := 1; k < len(m.layers); k++ {
		h = relu(m.layers[k].forward(h))
	}
	return h
}

// Embed runs the base network on b.
func (m *Siamese) Embed(b *domain.BinnedSpectrum) []float32 {
	h := m.base(toSparse(b))
	out := make([]float32, len(h))
	for i, v := range h {
		out[i] = float32(v)
	}
	return out
}

// Score predicts the similarity of two binned spectra.
func (m *Siamese) Score(a, b *domain.BinnedSpectrum) float64 {
	c, _, _ := cosine64(m.base(toSparse(a)), m.base(toSparse(b)))
	return c
}

// trace keeps what backward needs from one training forward pass.
type trace struct {
	x    sparse
	ins  [][]float64
	mult [][]float64
	out  []float64
}

func (m *Siamese) forwardTrain(x sparse) trace {
	tr := trace{x: x, ins: make([][]float64, len(m.layers)), mult: make([][]float64, len(m.layers))}
	keep := 1 / (1 - m.Config.Dropout)
	last := len(m.layers) - 1
	var h []float64
	for k := range m.layers {
		if k == 0 {
			h = m.layers[0].forwardSparse(x)
		} else {
			tr.ins[k] = h
			h = m.layers[k].forward(h)
		}
		mult := make([]float64, len(h))
		for j, v := range h {
			switch {
			case v <= 0:
			case k < last && m.Config.Dropout > 0 && m.rng.Float64() < m.Config.Dropout:
			case k < last:
				mult[j] = keep
			default:
				mult[j] = 1
			}
			h[j] = v * mult[j]
		}
		tr.mult[k] = mult
	}
	tr.out = h
	return tr
}

func (m *Siamese) backward(tr trace, d []float64, grads []dense) {
	for k := len(m.layers) - 1; k >= 0; k-- {
		dz := make([]float64, len(d))
		for j := range d {
			dz[j] = d[j] * tr.mult[k][j]
		}
		if k == 0 {
			m.layers[0].backwardSparse(tr.x, dz, &grads[0])
			return
		}
		d = m.layers[k].backward(tr.ins[k], dz, &grads[k])
	}
}

// trainPair accumulates the gradient of the squared error of one pair and
// returns that error.
func (m *Siamese) trainPair(p Pair, grads []dense) float64 {
	ta := m.forwardTrain(p.A)
	tb := m.forwardTrain(p.B)
	c, na, nb := cosine64(ta.out, tb.out)
	diff := c - p.Target
	if na == 0 || nb == 0 {
		return diff * diff
	}
	dc := 2 * diff
	da := make([]float64, len(ta.out))
	db := make([]float64, len(tb.out))
	for i := range da {
		da[i] = dc * (tb.out[i]/(na*nb) - c*ta.out[i]/(na*na))
		db[i] = dc * (ta.out[i]/(na*nb) - c*tb.out[i]/(nb*nb))
	}
	m.backward(ta, da, grads)
	m.backward(tb, db, grads)
	return diff * diff
}

// Loss is the mean squared error of the network on pairs, without dropout.
func (m *Siamese) Loss(pairs []Pair) float64 {
	if len(pairs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, p := range pairs {
		c, _, _ := cosine64(m.base(p.A), m.base(p.B))
		sum += (c - p.Target) * (c - p.Target)
	}
	return sum / float64(len(pairs))
}

// History holds the per-epoch losses of Fit.
type History struct {
	Loss           []float64 `json:"loss"`
	ValidationLoss []float64 `json:"val_loss"`
}

// FinalValidationLoss returns the validation loss of the last epoch.
func (h History) FinalValidationLoss() float64 {
	if len(h.ValidationLoss) == 0 {
		return math.NaN()
	}
	return h.ValidationLoss[len(h.ValidationLoss)-1]
}

// Fit trains with MSE and Adam for epochs, drawing fresh training pairs
// from train each epoch and scoring the fixed validation pairs after it.
func (m *Siamese) Fit(ctx context.Context, train PairSource, validation []Pair, epochs, batchSize int) (History, error) {
	if epochs <= 0 || batchSize <= 0 {
		return History{}, domain.Invalid("fit siamese", "epochs and batch_size must be positive, got %d and %d", epochs, batchSize)
	}
	if m.opt == nil {
		m.opt = newAdam(m.Config.LearningRate, m.layers)
	}
	grads := make([]dense, len(m.layers))
	for i := range m.layers {
		grads[i] = m.layers[i].zeroLike()
	}

	var h History
	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return h, err
		}
		pairs := train.Epoch()
		if len(pairs) == 0 {
			return h, domain.Invalid("fit siamese", "training set yields no pairs")
		}
		var total float64
		for start := 0; start < len(pairs); start += batchSize {
			end := min(start+batchSize, len(pairs))
			for i := range grads {
				grads[i].reset()
			}
			for _, p := range pairs[start:end] {
				total += m.trainPair(p, grads)
			}
			m.opt.step(m.layers, grads, 1/float64(end-start))
		}
		h.Loss = append(h.Loss, total/float64(len(pairs)))
		h.ValidationLoss = append(h.ValidationLoss, m.Loss(validation))
		logger.With(logger.Fields{"epoch": epoch}).
			Debug(ctx, "loss %.5f, val_loss %.5f", h.Loss[epoch-1], h.ValidationLoss[epoch-1])
	}
	logger.With(logger.Fields{"epochs": epochs}).
		Info(ctx, "Siamese training finished, val_loss %.5f", h.FinalValidationLoss())
	return h, nil
}

type siameseWeights struct {
	Config SiameseConfig
	Layers []dense
}

// File packs the network and its binner into a model file.
func (m *Siamese) File() (*storage.ModelFile, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(siameseWeights{Config: m.Config, Layers: m.layers}); err != nil {
		return nil, err
	}
	binner, err := json.Marshal(m.Binner)
	if err != nil {
		return nil, err
	}
	f := &storage.ModelFile{Kind: KindMS2DeepScore, Weights: buf.Bytes()}
	f.SetAttribute(binnerAttribute, binner)
	return f, nil
}

// SiameseFromFile restores a network saved with File.
func SiameseFromFile(f *storage.ModelFile) (*Siamese, error) {
	const op = "load siamese"
	if f.Kind != KindMS2DeepScore {
		return nil, domain.Corrupt(op, errKind(f.Kind, KindMS2DeepScore))
	}
	var w siameseWeights
	if err := gob.NewDecoder(bytes.NewReader(f.Weights)).Decode(&w); err != nil {
		return nil, domain.Corrupt(op, err)
	}
	raw, ok := f.Attribute(binnerAttribute)
	if !ok {
		return nil, domain.Corrupt(op, errMissingAttribute(binnerAttribute))
	}
	binner := &binning.Binner{}
	if err := json.Unmarshal(raw, binner); err != nil {
		return nil, domain.Corrupt(op, err)
	}
	if len(w.Layers) == 0 || w.Layers[0].In != binner.InputDim() {
		return nil, domain.Corrupt(op, errShape(binner.InputDim()))
	}
	return &Siamese{
		Config: w.Config,
		Binner: binner,
		layers: w.Layers,
		rng:    rand.New(rand.NewSource(w.Config.Seed)), //nolint:gosec
	}, nil
}

// Save writes the network to p through g.
func (m *Siamese) Save(ctx context.Context, g *storage.Gateway, p string) error {
	f, err := m.File()
	if err != nil {
		return domain.Permanent("save siamese", err)
	}
	return g.SaveModel(ctx, f, p)
}

// LoadSiamese reads a network from p.
func LoadSiamese(ctx context.Context, g *storage.Gateway, p string) (*Siamese, error) {
	f, err := g.LoadModel(ctx, p)
	if err != nil {
		return nil, err
	}
	return SiameseFromFile(f)
}
