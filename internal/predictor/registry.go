package predictor

import (
	"sort"
	"sync"

	"github.com/timmy/ms2sim/internal/domain"
)

// Loaded is a predictor together with the run that produced it.
type Loaded struct {
	RunID     string
	Predictor Predictor
}

// Registry holds the predictor served for each ion mode. It is safe for
// concurrent use; Set swaps a mode's predictor atomically.
type Registry struct {
	mu     sync.RWMutex
	loaded map[domain.IonMode]Loaded
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaded: make(map[domain.IonMode]Loaded)}
}

// Set serves p for its ion mode.
func (r *Registry) Set(runID string, p Predictor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded[p.IonMode()] = Loaded{RunID: runID, Predictor: p}
}

// Get returns the predictor of mode, or a ModelNotLoaded error.
func (r *Registry) Get(mode domain.IonMode) (Loaded, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaded[mode]
	if !ok {
		return Loaded{}, domain.ModelNotLoaded("get predictor", mode)
	}
	return l, nil
}

// List returns the loaded predictors ordered by ion mode.
func (r *Registry) List() []Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Loaded, 0, len(r.loaded))
	for _, l := range r.loaded {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Predictor.IonMode() < out[j].Predictor.IonMode() })
	return out
}
