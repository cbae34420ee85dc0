package cache

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/logger"
)

// Factory hands out one process-local Redis client, created on first use.
// A Factory is cheap to copy into tasks; the connection is not.
type Factory struct {
	cfg    config.RedisConfig
	once   sync.Once
	client *redis.Client
}

// NewFactory creates a factory for cfg without connecting.
func NewFactory(cfg config.RedisConfig) *Factory {
	return &Factory{cfg: cfg}
}

// NewFactoryFromClient wraps an existing client.
func NewFactoryFromClient(client *redis.Client) *Factory {
	f := &Factory{client: client}
	f.once.Do(func() {})
	return f
}

// Client returns the shared client, connecting lazily.
func (f *Factory) Client() *redis.Client {
	f.once.Do(func() {
		f.client = redis.NewClient(&redis.Options{
			Addr:         f.cfg.Addr,
			Username:     f.cfg.Username,
			Password:     f.cfg.Password,
			DB:           f.cfg.DB,
			PoolSize:     f.cfg.PoolSize,
			DialTimeout:  f.cfg.DialTimeout,
			ReadTimeout:  f.cfg.ReadTimeout,
			WriteTimeout: f.cfg.WriteTimeout,
		})
		logger.Info("Spectrum cache client created for %s (db %d)", f.cfg.Addr, f.cfg.DB)
	})
	return f.client
}

// Close closes the client if it was ever created.
func (f *Factory) Close() error {
	f.once.Do(func() {})
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
