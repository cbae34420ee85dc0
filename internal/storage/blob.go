package storage

import (
	"bufio"
	"context"
	"encoding/gob"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/timmy/ms2sim/internal/domain"
)

// Serialize writes v as a gob blob at p. Paths ending in .gz are gzipped.
func (g *Gateway) Serialize(ctx context.Context, p string, v interface{}) error {
	return g.WriteFile(ctx, p, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		var out io.Writer = bw
		var zw *gzip.Writer
		if strings.HasSuffix(p, ".gz") {
			zw = gzip.NewWriter(bw)
			out = zw
		}
		if err := gob.NewEncoder(out).Encode(v); err != nil {
			return domain.Permanent("serialize "+p, err)
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return domain.Transient("serialize "+p, err)
			}
		}
		return bw.Flush()
	})
}

// Read decodes the gob blob at p into v. A blob that exists but cannot be
// decoded is reported as CorruptArtifact.
func (g *Gateway) Read(ctx context.Context, p string, v interface{}) error {
	rc, err := g.Open(ctx, p)
	if err != nil {
		return err
	}
	defer rc.Close()

	var in io.Reader = bufio.NewReader(rc)
	if strings.HasSuffix(p, ".gz") {
		zr, err := gzip.NewReader(in)
		if err != nil {
			return domain.Corrupt("read "+p, err)
		}
		defer zr.Close()
		in = zr
	}
	if err := gob.NewDecoder(in).Decode(v); err != nil {
		return domain.Corrupt("read "+p, err)
	}
	return nil
}
