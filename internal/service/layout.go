package service

import (
	"strings"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/storage"
)

// Layout names the artifacts of a flow under its dataset directory. The
// downloaded library is shared by both ion modes; everything derived from
// it is kept per ion mode.
type Layout struct {
	Root string
}

// NewLayout returns the layout of params.
func NewLayout(p config.FlowParams) Layout {
	return Layout{Root: storage.Join(p.DatasetDirectory, p.DatasetID)}
}

func (l Layout) mode(p config.FlowParams, elem ...string) string {
	return storage.Join(l.Root, append([]string{string(p.IonMode)}, elem...)...)
}

// Library is where the downloaded library file is kept.
func (l Layout) Library(fileName string) string { return storage.Join(l.Root, fileName) }

// SpectrumIDs is the checkpoint of the library's spectrum ids.
func (l Layout) SpectrumIDs() string { return storage.Join(l.Root, "spectrum_ids.pkl") }

// Chunks is the chunker output directory.
func (l Layout) Chunks(p config.FlowParams) string { return l.mode(p, "chunks") }

// Cleaned is the cleaned-spectra pickle of one chunk.
func (l Layout) Cleaned(p config.FlowParams, chunk string) string {
	return l.mode(p, "cleaned", stem(chunk)+".pickle")
}

// Documents is the documents pickle of one cleaned chunk.
func (l Layout) Documents(p config.FlowParams, cleaned string) string {
	return l.mode(p, "documents", storage.Base(cleaned))
}

// Binned is the binned-spectra pickle.
func (l Layout) Binned(p config.FlowParams) string { return l.mode(p, "binned_spectra.pickle") }

// Binner is the fitted spectrum binner.
func (l Layout) Binner(p config.FlowParams) string { return l.mode(p, "spectrum_binner.pickle") }

// TanimotoScores is the gzip score matrix.
func (l Layout) TanimotoScores(p config.FlowParams) string {
	return l.mode(p, "tanimoto_scores.pickle.gz")
}

// Model is a trained model file of the flow.
func (l Layout) Model(p config.FlowParams, name string) string { return l.mode(p, "models", name) }

func stem(p string) string {
	base := storage.Base(p)
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i]
	}
	return base
}
