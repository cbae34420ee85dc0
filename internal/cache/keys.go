package cache

import (
	"fmt"

	"github.com/timmy/ms2sim/internal/domain"
)

// Keys composes cache key names from a namespace prefix, the project, the
// ion mode and a run id.
type Keys struct {
	Namespace string
	Project   string
}

func (k Keys) name(s string) string {
	if k.Namespace == "" {
		return s
	}
	return k.Namespace + ":" + s
}

// Spectra is the hash of cleaned spectra by spectrum id.
func (k Keys) Spectra() string { return k.name("spectrum_hashes") }

// PrecursorIndex is the sorted set of spectrum ids scored by precursor m/z.
func (k Keys) PrecursorIndex() string { return k.name("spectrum_id_precursor_mz_sorted_set") }

// Binned is the hash of binned spectra for one ion mode.
func (k Keys) Binned(mode domain.IonMode) string {
	return k.name(fmt.Sprintf("binned_spectrum_hashes_%s", mode))
}

// Documents is the hash of spectrum documents.
func (k Keys) Documents() string { return k.name("document_hashes") }

// Embeddings is the live embedding hash served for one ion mode.
func (k Keys) Embeddings(mode domain.IonMode) string {
	return k.name(fmt.Sprintf("embedding_hashes_%s_%s", k.Project, mode))
}

// StagedEmbeddings holds the embeddings of a run until they are published.
func (k Keys) StagedEmbeddings(mode domain.IonMode, runID string) string {
	return k.name(fmt.Sprintf("embedding_hashes_%s_%s_%s", k.Project, mode, runID))
}
