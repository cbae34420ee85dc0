package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/timmy/ms2sim/internal/domain"
)

// FileInfo describes a file reachable through the gateway.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend is one storage scheme.
type Backend interface {
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	// Write calls fn with a writer and publishes its output at p only if fn
	// and the flush succeed.
	Write(ctx context.Context, p string, fn func(w io.Writer) error) error
	Stat(ctx context.Context, p string) (FileInfo, error)
	List(ctx context.Context, dir string) ([]string, error)
	Remove(ctx context.Context, p string) error
}

// Gateway routes paths to the backend of their URI scheme. Bare paths and
// file:// URIs go to the local filesystem.
type Gateway struct {
	local   Backend
	objects map[string]*objectBackend
}

// NewGateway creates a gateway with the local backend and any object stores.
func NewGateway(stores ...ObjectStorage) *Gateway {
	g := &Gateway{
		local:   localBackend{},
		objects: make(map[string]*objectBackend),
	}
	for _, s := range stores {
		if s != nil {
			g.objects[Scheme(s)] = &objectBackend{store: s, scheme: Scheme(s)}
		}
	}
	return g
}

func (g *Gateway) resolve(p string) (Backend, string, error) {
	scheme, rest, ok := strings.Cut(p, "://")
	if !ok {
		return g.local, p, nil
	}
	if scheme == "file" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, "", domain.Permanent("resolve path", err)
		}
		return g.local, u.Path, nil
	}
	ob, ok := g.objects[scheme]
	if !ok {
		return nil, "", domain.Permanent("resolve path", fmt.Errorf("no backend configured for scheme %q", scheme))
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket != ob.store.Bucket() {
		return nil, "", domain.Permanent("resolve path", fmt.Errorf("bucket %q is not configured for scheme %q", bucket, scheme))
	}
	return ob, key, nil
}

// IsRemote reports whether p lives in an object store.
func IsRemote(p string) bool {
	scheme, _, ok := strings.Cut(p, "://")
	return ok && scheme != "file"
}

// Join joins path elements, keeping a URI scheme intact.
func Join(base string, elem ...string) string {
	if scheme, rest, ok := strings.Cut(base, "://"); ok {
		return scheme + "://" + path.Join(append([]string{rest}, elem...)...)
	}
	return filepath.Join(append([]string{base}, elem...)...)
}

// Base returns the last element of p.
func Base(p string) string {
	if _, rest, ok := strings.Cut(p, "://"); ok {
		return path.Base(rest)
	}
	return filepath.Base(p)
}

// Open opens p for reading.
func (g *Gateway) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	b, key, err := g.resolve(p)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, key)
}

// WriteFile writes p through fn. Nothing is published when fn fails.
func (g *Gateway) WriteFile(ctx context.Context, p string, fn func(w io.Writer) error) error {
	b, key, err := g.resolve(p)
	if err != nil {
		return err
	}
	return b.Write(ctx, key, fn)
}

// Stat returns file metadata.
func (g *Gateway) Stat(ctx context.Context, p string) (FileInfo, error) {
	b, key, err := g.resolve(p)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := b.Stat(ctx, key)
	if err != nil {
		return FileInfo{}, err
	}
	info.Path = p
	return info, nil
}

// Exists reports whether p exists.
func (g *Gateway) Exists(ctx context.Context, p string) (bool, error) {
	_, err := g.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ListFiles returns the files directly inside dir, sorted, as full paths.
func (g *Gateway) ListFiles(ctx context.Context, dir string) ([]string, error) {
	b, key, err := g.resolve(dir)
	if err != nil {
		return nil, err
	}
	names, err := b.List(ctx, key)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = Join(dir, name)
	}
	return paths, nil
}

// Remove deletes p. Missing files are not an error.
func (g *Gateway) Remove(ctx context.Context, p string) error {
	b, key, err := g.resolve(p)
	if err != nil {
		return err
	}
	return b.Remove(ctx, key)
}

// URL returns an address a reader outside the process can use for p.
func (g *Gateway) URL(p string) string {
	b, key, err := g.resolve(p)
	if err != nil {
		return p
	}
	if ob, ok := b.(*objectBackend); ok {
		return ob.store.GetURL(key)
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return p
	}
	return "file://" + abs
}

type localBackend struct{}

func localError(op string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return domain.Permanent(op, err)
	}
	return domain.Transient(op, err)
}

func (localBackend) Open(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, localError("open", err)
	}
	return f, nil
}

// Write goes through a temp file in the target directory and a rename, so
// readers never observe a partial file.
func (localBackend) Write(_ context.Context, p string, fn func(w io.Writer) error) (err error) {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return localError("mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return localError("create temp", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = fn(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return localError("close", err)
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return localError("rename", err)
	}
	return nil
}

func (localBackend) Stat(_ context.Context, p string) (FileInfo, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return FileInfo{}, localError("stat", err)
	}
	return FileInfo{Path: p, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (localBackend) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, localError("list", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (localBackend) Remove(_ context.Context, p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return localError("remove", err)
	}
	return nil
}

type objectBackend struct {
	store  ObjectStorage
	scheme string
}

func (b *objectBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.store.Download(ctx, key)
}

// Write stages the object in a local temp file, uploads it, and removes the
// temp file on every path.
func (b *objectBackend) Write(ctx context.Context, key string, fn func(w io.Writer) error) error {
	tmp, err := os.CreateTemp("", "ms2sim-upload-*")
	if err != nil {
		return localError("create temp", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := fn(tmp); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return localError("seek temp", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return localError("seek temp", err)
	}
	return b.store.Upload(ctx, key, tmp, size, "application/octet-stream")
}

func (b *objectBackend) Stat(ctx context.Context, key string) (FileInfo, error) {
	info, err := b.store.Stat(ctx, key)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: key, Size: info.Size, ModTime: info.ModTime}, nil
}

func (b *objectBackend) List(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	objects, err := b.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (b *objectBackend) Remove(ctx context.Context, key string) error {
	return b.store.Delete(ctx, key)
}
