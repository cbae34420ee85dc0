package source

import (
	"strings"

	"github.com/timmy/ms2sim/internal/domain"
)

// Dataset is a spectral library file a flow can be trained on.
type Dataset struct {
	ID       string // small, small_500, 10k or complete
	FileName string // name of the downloaded file
	URI      string // http(s) URL or local path
}

// Remote reports whether the dataset must be downloaded before use.
func (d Dataset) Remote() bool {
	return strings.HasPrefix(d.URI, "http://") || strings.HasPrefix(d.URI, "https://")
}

// Source resolves dataset ids to library files.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	// Parameters: none.
	// Returns:
	//   - string: stable source identifier.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	// Parameters: none.
	// Returns:
	//   - string: display-friendly source name.
	GetDisplayName() string

	// Resolve returns the dataset registered under id.
	// Parameters:
	//   - id: dataset id.
	// Returns:
	//   - Dataset: file name and location of the dataset.
	//   - error: a validation error for unknown ids.
	Resolve(id string) (Dataset, error)
}

// FileNames maps dataset ids to library file names.
var FileNames = map[string]string{
	"small":     "SMALL_GNPS.json",
	"small_500": "SMALL_GNPS_500.json",
	"10k":       "GNPS_10K.json",
	"complete":  "ALL_GNPS.json",
}

func fileName(id string) (string, error) {
	name, ok := FileNames[id]
	if !ok {
		return "", domain.Invalid("resolve dataset", "unknown dataset_id %q", id)
	}
	return name, nil
}
