package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/ms2sim/internal/domain"
)

const libraryJSON = `[
  {"spectrum_id": "CCMSLIB1", "peaks_json": "[[100.0, 1.0]]", "Precursor_MZ": "200.1", "Ion_Mode": "Positive", "Instrument": "qTof"},
  {"spectrum_id": "CCMSLIB2", "peaks_json": [[150.0, 2.0]], "Precursor_MZ": 300.2, "Ion_Mode": "negative"},
  {"spectrum_id": {"nested": true}},
  {"spectrum_id": "CCMSLIB3", "peaks_json": "[]", "Ion_Mode": "positive"}
]`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestStreamRecordsPreservesOrderAndWhitelist(t *testing.T) {
	g := NewGateway()
	p := writeFile(t, t.TempDir(), "library.json", libraryJSON)

	var ids []string
	dropped, err := g.StreamRecords(context.Background(), p, func(r RawRecord) error {
		ids = append(ids, r.Spectrum.SpectrumID)
		_, hasInstrument := r.Fields["Instrument"]
		assert.False(t, hasInstrument)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"CCMSLIB1", "CCMSLIB2", "CCMSLIB3"}, ids)
	assert.Equal(t, 1, dropped)
}

func TestSpectrumIDsRejectsNonArray(t *testing.T) {
	g := NewGateway()
	p := writeFile(t, t.TempDir(), "bad.json", `{"spectrum_id": "x"}`)

	_, err := g.SpectrumIDs(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrCorruptArtifact)
}

func TestSerializeReadRoundTrip(t *testing.T) {
	g := NewGateway()
	dir := t.TempDir()
	ctx := context.Background()

	for _, name := range []string{"ids.pkl", "scores.pkl.gz"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, "nested", name)
			in := []string{"a", "b", "c"}
			require.NoError(t, g.Serialize(ctx, p, in))

			var out []string
			require.NoError(t, g.Read(ctx, p, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestReadCorruptBlob(t *testing.T) {
	g := NewGateway()
	p := writeFile(t, t.TempDir(), "broken.pkl", "not gob")

	var out []string
	err := g.Read(context.Background(), p, &out)
	assert.ErrorIs(t, err, domain.ErrCorruptArtifact)
}

func TestReadMissingIsPermanent(t *testing.T) {
	g := NewGateway()
	var out []string
	err := g.Read(context.Background(), filepath.Join(t.TempDir(), "missing.pkl"), &out)
	assert.ErrorIs(t, err, domain.ErrPermanentIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteFileFailureLeavesNothing(t *testing.T) {
	g := NewGateway()
	dir := t.TempDir()
	p := filepath.Join(dir, "out.bin")

	err := g.WriteFile(context.Background(), p, func(w io.Writer) error {
		if _, err := w.Write([]byte("partial")); err != nil {
			return err
		}
		return errors.New("encoder failed")
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListFilesIsNonRecursive(t *testing.T) {
	g := NewGateway()
	dir := t.TempDir()
	writeFile(t, dir, "chunk_1.json", "[]")
	writeFile(t, dir, "chunk_0.json", "[]")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub"), "inner.json", "[]")

	files, err := g.ListFiles(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, strings.HasSuffix(files[0], "chunk_0.json"))
	assert.True(t, strings.HasSuffix(files[1], "chunk_1.json"))
}

func TestModelFileRoundTrip(t *testing.T) {
	g := NewGateway()
	p := filepath.Join(t.TempDir(), "model.bin")
	ctx := context.Background()

	m := &ModelFile{Kind: "siamese", Weights: []byte{1, 2, 3}}
	m.SetAttribute("spectrum_binner", []byte(`{"n_bins":10}`))
	require.NoError(t, g.SaveModel(ctx, m, p))

	loaded, err := g.LoadModel(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "siamese", loaded.Kind)
	assert.Equal(t, []byte{1, 2, 3}, loaded.Weights)
	binner, ok := loaded.Attribute("spectrum_binner")
	require.True(t, ok)
	assert.JSONEq(t, `{"n_bins":10}`, string(binner))
}

func TestResolveUnknownScheme(t *testing.T) {
	g := NewGateway()
	_, err := g.Stat(context.Background(), "gs://bucket/key")
	assert.ErrorIs(t, err, domain.ErrPermanentIO)
}

func TestJoinKeepsScheme(t *testing.T) {
	assert.Equal(t, "s3://bucket/a/b.json", Join("s3://bucket/a", "b.json"))
	assert.Equal(t, filepath.Join("data", "x"), Join("data", "x"))
	assert.Equal(t, "b.json", Base("s3://bucket/a/b.json"))
}

func TestWord2VecRoundTrip(t *testing.T) {
	g := NewGateway()
	p := filepath.Join(t.TempDir(), "model.w2v")
	ctx := context.Background()

	wv := &WordVectors{
		Words:   []string{"peak@100.00", "peak@10.10"},
		Vectors: [][]float32{{0.5, -1, 10}, {0, 0.25, 1e-3}},
	}
	require.NoError(t, g.SaveWord2Vec(ctx, wv, p))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "2 3\npeak@100.00 "))

	loaded, err := g.LoadWord2Vec(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, wv, loaded)
}
