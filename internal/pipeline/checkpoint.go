package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"

	"github.com/goccy/go-json"
	"github.com/timmy/ms2sim/internal/domain"
)

// ParamsSuffix names the sidecar holding the parameter fingerprint of a
// checkpoint.
const ParamsSuffix = ".params"

// CheckpointStore is the slice of the data gateway used for checkpoints.
type CheckpointStore interface {
	Exists(ctx context.Context, p string) (bool, error)
	Serialize(ctx context.Context, p string, v interface{}) error
	Read(ctx context.Context, p string, v interface{}) error
	Remove(ctx context.Context, p string) error
}

// Fingerprint hashes params. JSON is used because it orders map keys.
func Fingerprint(params any) (string, error) {
	if params == nil {
		return "", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", domain.Invalid("fingerprint params", "%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// fresh reports whether the checkpoint at p exists and was produced with
// the same parameters. A checkpoint without a sidecar is trusted.
func fresh(ctx context.Context, store CheckpointStore, p, fingerprint string) (bool, error) {
	ok, err := store.Exists(ctx, p)
	if err != nil || !ok {
		return false, err
	}
	if fingerprint == "" {
		return true, nil
	}
	var stored string
	err = store.Read(ctx, p+ParamsSuffix, &stored)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return true, nil
	case err != nil:
		return false, err
	}
	return stored == fingerprint, nil
}

func writeFingerprint(ctx context.Context, store CheckpointStore, p, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	return store.Serialize(ctx, p+ParamsSuffix, fingerprint)
}
