package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/timmy/ms2sim/internal/domain"
)

// WordVectors is a vocabulary with one vector per word.
type WordVectors struct {
	Words   []string
	Vectors [][]float32
}

// SaveWord2Vec writes wv in the word2vec binary layout: a "<vocab> <dim>"
// header line, then per word the token, a space, dim little-endian
// float32s and a newline.
func (g *Gateway) SaveWord2Vec(ctx context.Context, wv *WordVectors, p string) error {
	dim := 0
	if len(wv.Vectors) > 0 {
		dim = len(wv.Vectors[0])
	}
	return g.WriteFile(ctx, p, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if _, err := fmt.Fprintf(bw, "%d %d\n", len(wv.Words), dim); err != nil {
			return err
		}
		buf := make([]byte, 4*dim)
		for i, word := range wv.Words {
			if len(wv.Vectors[i]) != dim {
				return domain.Invalid("save word2vec", "vector %d has dimension %d, want %d", i, len(wv.Vectors[i]), dim)
			}
			for j, v := range wv.Vectors[i] {
				binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(v))
			}
			if _, err := bw.WriteString(word + " "); err != nil {
				return err
			}
			if _, err := bw.Write(buf); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

// LoadWord2Vec reads a word2vec binary file.
func (g *Gateway) LoadWord2Vec(ctx context.Context, p string) (*WordVectors, error) {
	rc, err := g.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	corrupt := func(err error) error { return domain.Corrupt("load word2vec "+p, err) }
	br := bufio.NewReader(rc)
	header, err := br.ReadString('\n')
	if err != nil {
		return nil, corrupt(err)
	}
	var vocab, dim int
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "%d %d", &vocab, &dim); err != nil {
		return nil, corrupt(fmt.Errorf("header %q: %w", header, err))
	}
	if vocab < 0 || dim < 0 {
		return nil, corrupt(fmt.Errorf("header %q", header))
	}

	wv := &WordVectors{Words: make([]string, vocab), Vectors: make([][]float32, vocab)}
	buf := make([]byte, 4*dim)
	for i := 0; i < vocab; i++ {
		word, err := br.ReadString(' ')
		if err != nil {
			return nil, corrupt(err)
		}
		wv.Words[i] = strings.TrimLeft(strings.TrimSuffix(word, " "), "\n")
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, corrupt(err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		wv.Vectors[i] = vec
		if b, err := br.Peek(1); err == nil && b[0] == '\n' {
			br.ReadByte()
		}
	}
	return wv, nil
}
