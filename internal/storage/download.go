package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

const (
	defaultBlockSize = 10 << 20
	defaultFreshness = 30 * 24 * time.Hour
)

// DownloadConfig configures Downloader.
type DownloadConfig struct {
	BlockSize int64
	Retries   int
	Freshness time.Duration
	RetryWait time.Duration
	Timeout   time.Duration
}

// Downloader fetches library files over HTTP, resuming interrupted
// transfers with Range requests.
type Downloader struct {
	client  *resty.Client
	gateway *Gateway
	cfg     DownloadConfig
}

// NewDownloader creates a Downloader writing through g.
func NewDownloader(g *Gateway, cfg DownloadConfig) *Downloader {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = defaultFreshness
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	client := resty.New().
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetTimeout(cfg.Timeout)
	return &Downloader{client: client, gateway: g, cfg: cfg}
}

// Download fetches uri into dest unless dest is younger than the freshness
// window. It reports whether the transfer was skipped.
func (d *Downloader) Download(ctx context.Context, uri, dest string) (bool, error) {
	if info, err := d.gateway.Stat(ctx, dest); err == nil && time.Since(info.ModTime) < d.cfg.Freshness {
		logger.CtxInfo(ctx, "Download skipped, %s is fresh (modified %s)", dest, info.ModTime.Format(time.RFC3339))
		return true, nil
	}

	part := partialPath(dest)
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return false, domain.Permanent("download", err)
	}
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, domain.Permanent("download", err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return false, domain.Permanent("download", err)
	}

	start := time.Now()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.RetryWait
	policy.MaxElapsedTime = 0
	policy.Reset()

	for attempt := 0; ; attempt++ {
		var done bool
		offset, done, err = d.fetch(ctx, uri, f, offset)
		if done {
			break
		}
		if domain.KindOf(err) == domain.KindPermanentIO || ctx.Err() != nil {
			return false, err
		}
		if attempt >= d.cfg.Retries {
			return false, domain.Transient("download", fmt.Errorf("giving up on %s after %d attempts at byte %d: %w", uri, attempt+1, offset, err))
		}
		wait := policy.NextBackOff()
		logger.FromContext(ctx).WithError(err).Warnf("Download interrupted at byte %d, resuming in %s", offset, wait)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := f.Close(); err != nil {
		return false, domain.Transient("download", err)
	}
	if err := d.publish(ctx, part, dest); err != nil {
		return false, err
	}

	logger.With(logger.Fields{
		logger.FieldSize:       offset,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Downloaded %s to %s", uri, dest)
	return false, nil
}

// fetch transfers from offset to the end of the resource and returns the
// new offset. done is true once the body has been read completely.
func (d *Downloader) fetch(ctx context.Context, uri string, f *os.File, offset int64) (int64, bool, error) {
	req := d.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := req.Get(uri)
	if err != nil {
		return offset, false, domain.Transient("download", err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch status := resp.StatusCode(); {
	case status == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		return offset, true, nil
	case status == http.StatusOK:
		// range ignored, start over
		if err := f.Truncate(0); err != nil {
			return 0, false, domain.Permanent("download", err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, false, domain.Permanent("download", err)
		}
		offset = 0
	case status == http.StatusPartialContent:
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return offset, false, domain.Transient("download", fmt.Errorf("%s: HTTP %d", uri, status))
	default:
		return offset, false, domain.Permanent("download", fmt.Errorf("%s: HTTP %d", uri, status))
	}

	expected := resp.RawResponse.ContentLength
	var received int64
	buf := make([]byte, d.cfg.BlockSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return offset + received, false, domain.Permanent("download", err)
			}
			received += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return offset + received, false, domain.Transient("download", readErr)
		}
	}
	if expected >= 0 && received < expected {
		return offset + received, false, domain.Transient("download", io.ErrUnexpectedEOF)
	}
	return offset + received, true, nil
}

func (d *Downloader) publish(ctx context.Context, part, dest string) error {
	if !IsRemote(dest) {
		if err := os.Rename(part, dest); err != nil {
			return domain.Permanent("download", err)
		}
		return nil
	}
	defer os.Remove(part)
	return d.gateway.WriteFile(ctx, dest, func(w io.Writer) error {
		src, err := os.Open(part)
		if err != nil {
			return domain.Permanent("download", err)
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

// partialPath is where an in-flight download accumulates. Remote
// destinations are staged in the temp directory.
func partialPath(dest string) string {
	if !IsRemote(dest) {
		return dest + ".part"
	}
	sum := sha1.Sum([]byte(dest))
	return filepath.Join(os.TempDir(), "ms2sim-"+hex.EncodeToString(sum[:8])+".part")
}
