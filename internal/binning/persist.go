package binning

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/timmy/ms2sim/internal/domain"
)

// Store reads and writes serialized blobs. storage.Gateway satisfies it.
type Store interface {
	Serialize(ctx context.Context, p string, v interface{}) error
	Read(ctx context.Context, p string, v interface{}) error
}

// Save persists a fitted binner at p. The blob wraps the JSON form, which
// is also what model files embed.
func Save(ctx context.Context, s Store, b *Binner, p string) error {
	if !b.Fitted() {
		return domain.Invalid("save binner", "binner is not fitted")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return domain.Permanent("save binner", err)
	}
	return s.Serialize(ctx, p, data)
}

// Load restores a binner written by Save.
func Load(ctx context.Context, s Store, p string) (*Binner, error) {
	var data []byte
	if err := s.Read(ctx, p, &data); err != nil {
		return nil, err
	}
	var b Binner
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, domain.Corrupt("load binner", err)
	}
	return &b, nil
}
