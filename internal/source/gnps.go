package source

import (
	"fmt"
	"strings"
)

// DefaultBaseURL is where the public GNPS library exports live.
const DefaultBaseURL = "https://gnps-external.ucsd.edu/gnpslibrary"

// GNPSLibrary resolves datasets to files under a remote base URL.
type GNPSLibrary struct {
	baseURL string
}

// NewGNPSLibrary creates a library rooted at baseURL, or DefaultBaseURL
// when empty.
func NewGNPSLibrary(baseURL string) *GNPSLibrary {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GNPSLibrary{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (l *GNPSLibrary) GetSourceID() string { return "gnps" }

func (l *GNPSLibrary) GetDisplayName() string {
	return fmt.Sprintf("GNPS library (%s)", l.baseURL)
}

// Resolve returns the remote dataset for id.
func (l *GNPSLibrary) Resolve(id string) (Dataset, error) {
	name, err := fileName(id)
	if err != nil {
		return Dataset{}, err
	}
	return Dataset{ID: id, FileName: name, URI: l.baseURL + "/" + name}, nil
}
