package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/timmy/ms2sim/internal/domain"
)

var modelMagic = []byte("MS2SIM-MODEL\x00")

const modelFormatVersion = 1

// ModelAttribute is a named side-channel value stored next to the weights.
type ModelAttribute struct {
	Name  string
	Value []byte
}

// ModelFile is the on-disk container of a trained network.
type ModelFile struct {
	Kind       string
	Version    int
	Weights    []byte
	Attributes []ModelAttribute
}

// Attribute returns the value of the named attribute.
func (m *ModelFile) Attribute(name string) ([]byte, bool) {
	for _, a := range m.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// SetAttribute adds or replaces an attribute.
func (m *ModelFile) SetAttribute(name string, value []byte) {
	for i, a := range m.Attributes {
		if a.Name == name {
			m.Attributes[i].Value = value
			return
		}
	}
	m.Attributes = append(m.Attributes, ModelAttribute{Name: name, Value: value})
}

// SaveModel writes m to p. Object-store destinations are staged in a local
// temp file that is removed whether or not the upload succeeds.
func (g *Gateway) SaveModel(ctx context.Context, m *ModelFile, p string) error {
	m.Version = modelFormatVersion
	return g.WriteFile(ctx, p, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if _, err := bw.Write(modelMagic); err != nil {
			return domain.Transient("save model", err)
		}
		if err := gob.NewEncoder(bw).Encode(m); err != nil {
			return domain.Permanent("save model", err)
		}
		return bw.Flush()
	})
}

// LoadModel reads the model container at p.
func (g *Gateway) LoadModel(ctx context.Context, p string) (*ModelFile, error) {
	rc, err := g.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	header := make([]byte, len(modelMagic))
	if _, err := io.ReadFull(br, header); err != nil || !bytes.Equal(header, modelMagic) {
		return nil, domain.Corrupt("load model "+p, fmt.Errorf("not a model file"))
	}
	var m ModelFile
	if err := gob.NewDecoder(br).Decode(&m); err != nil {
		return nil, domain.Corrupt("load model "+p, err)
	}
	if m.Version != modelFormatVersion {
		return nil, domain.Corrupt("load model "+p, fmt.Errorf("unsupported model format version %d", m.Version))
	}
	return &m, nil
}
