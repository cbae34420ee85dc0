package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/timmy/ms2sim/internal/domain"
)

// LocalDirectory serves datasets already present in a directory, so a flow
// can run without network access.
type LocalDirectory struct {
	basePath string
}

// NewLocalDirectory creates a source over basePath.
// Parameters:
//   - basePath: directory holding library files named as in FileNames.
// Returns:
//   - *LocalDirectory: initialized local source.
func NewLocalDirectory(basePath string) *LocalDirectory {
	return &LocalDirectory{basePath: basePath}
}

func (d *LocalDirectory) GetSourceID() string { return "local:" + d.basePath }

func (d *LocalDirectory) GetDisplayName() string {
	return fmt.Sprintf("Local (%s)", d.basePath)
}

// Resolve returns the dataset for id. The file must exist.
func (d *LocalDirectory) Resolve(id string) (Dataset, error) {
	name, err := fileName(id)
	if err != nil {
		return Dataset{}, err
	}
	p := filepath.Join(d.basePath, name)
	if _, err := os.Stat(p); err != nil {
		return Dataset{}, domain.Permanent("resolve dataset", err)
	}
	return Dataset{ID: id, FileName: name, URI: p}, nil
}

// Available lists the dataset ids present in the directory.
// Parameters: none.
// Returns:
//   - []string: sorted dataset ids.
//   - error: non-nil if reading the directory fails.
func (d *LocalDirectory) Available() ([]string, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			present[e.Name()] = true
		}
	}
	var ids []string
	for id, name := range FileNames {
		if present[name] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Chain resolves through each source in order and returns the first hit.
type Chain []Source

func (c Chain) GetSourceID() string { return "chain" }

func (c Chain) GetDisplayName() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.GetDisplayName()
	}
	return fmt.Sprintf("%v", names)
}

// Resolve returns the first source's dataset that resolves without error.
func (c Chain) Resolve(id string) (Dataset, error) {
	var lastErr error = domain.Invalid("resolve dataset", "no sources configured")
	for _, s := range c {
		ds, err := s.Resolve(id)
		if err == nil {
			return ds, nil
		}
		lastErr = err
	}
	return Dataset{}, lastErr
}
