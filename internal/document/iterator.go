package document

import (
	"context"

	"github.com/timmy/ms2sim/internal/domain"
)

// Reader loads a serialized blob. storage.Gateway satisfies it.
type Reader interface {
	Read(ctx context.Context, path string, v any) error
}

// Iterator streams documents from per-chunk files, holding one file in
// memory at a time.
//
//	it := document.NewIterator(gw, paths)
//	for it.Next(ctx) {
//		doc := it.Document()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	reader Reader
	paths  []string

	file   int
	buf    []domain.Document
	pos    int
	cur    domain.Document
	err    error
	length int
}

// NewIterator creates an iterator over the document files at paths.
func NewIterator(r Reader, paths []string) *Iterator {
	return &Iterator{reader: r, paths: paths, length: -1}
}

// Next advances to the next document, loading the next file when the
// current one is exhausted.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.file >= len(it.paths) {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		var docs []domain.Document
		if err := it.reader.Read(ctx, it.paths[it.file], &docs); err != nil {
			it.err = err
			return false
		}
		it.file++
		it.buf, it.pos = docs, 0
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

// Document returns the current document.
func (it *Iterator) Document() domain.Document { return it.cur }

// Err returns the error that stopped iteration.
func (it *Iterator) Err() error { return it.err }

// Reset rewinds to the first file.
func (it *Iterator) Reset() {
	it.file, it.buf, it.pos, it.err = 0, nil, 0, nil
	it.cur = domain.Document{}
}

// Len counts the documents on first use by reading every file once; later
// calls return the memoised count.
func (it *Iterator) Len(ctx context.Context) (int, error) {
	if it.length >= 0 {
		return it.length, nil
	}
	n := 0
	for _, p := range it.paths {
		var docs []domain.Document
		if err := it.reader.Read(ctx, p, &docs); err != nil {
			return 0, err
		}
		n += len(docs)
	}
	it.length = n
	return n, nil
}
