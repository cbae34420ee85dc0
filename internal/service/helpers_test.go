package service

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/storage"
)

func newTestCache(t *testing.T) (*cache.SpectrumCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.New(cache.NewFactoryFromClient(client), cache.Keys{Namespace: "test", Project: "ms2sim"}, 0), mr
}

func newTestEngine(t *testing.T) (*pipeline.Engine, *pipeline.MemoryRecorder) {
	t.Helper()
	rec := pipeline.NewMemoryRecorder()
	e := pipeline.NewEngine("test-flow", config.PipelineConfig{Workers: 2, MaxRetries: 1}, storage.NewGateway(), rec, nil)
	e.Retry.Delay = 0
	return e, rec
}
