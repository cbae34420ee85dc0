// Package pipeline runs flow tasks with retries, checkpoints and bounded
// fan-out, and records each task's state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/metrics"
)

// RetryPolicy is a constant-delay retry.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetry is three retries ten seconds apart.
var DefaultRetry = RetryPolicy{MaxRetries: 3, Delay: 10 * time.Second}

// TaskSpec describes one task. At most one of ResultPath and OutputPath
// is used: ResultPath stores the task's return value, OutputPath names the
// file the task produces. Either one short-circuits the task when present
// and produced with the same Params.
type TaskSpec struct {
	Name       string
	Retry      *RetryPolicy
	Timeout    time.Duration
	ResultPath string
	OutputPath string
	Params     any
}

// Engine executes tasks of one flow run.
type Engine struct {
	Flow      string
	FlowRunID string
	Workers   int
	Retry     RetryPolicy
	Timeout   time.Duration
	Store     CheckpointStore
	Recorder  Recorder
	Metrics   *metrics.Metrics
}

// NewEngine creates an engine for a new run of flow.
func NewEngine(flow string, cfg config.PipelineConfig, store CheckpointStore, rec Recorder, m *metrics.Metrics) *Engine {
	retry := DefaultRetry
	if cfg.MaxRetries >= 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		retry.Delay = cfg.RetryDelay
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	if rec == nil {
		rec = NewMemoryRecorder()
	}
	return &Engine{
		Flow:      flow,
		FlowRunID: uuid.NewString(),
		Workers:   workers,
		Retry:     retry,
		Timeout:   cfg.TaskTimeout,
		Store:     store,
		Recorder:  rec,
		Metrics:   m,
	}
}

// tracker walks one task through its states.
type tracker struct {
	e   *Engine
	run domain.TaskRun
}

func (e *Engine) track(ctx context.Context, name string) *tracker {
	t := &tracker{e: e, run: domain.TaskRun{
		ID:        uuid.NewString(),
		FlowRunID: e.FlowRunID,
		Flow:      e.Flow,
		Task:      name,
		State:     domain.TaskPending,
	}}
	t.save(ctx)
	return t
}

func (t *tracker) to(ctx context.Context, next domain.TaskState, cause error) {
	if !t.run.State.CanTransition(next) {
		logger.CtxError(ctx, "Illegal task transition %s -> %s", t.run.State, next)
		return
	}
	now := time.Now()
	switch next {
	case domain.TaskRunning:
		t.run.Attempts++
		if t.run.StartedAt == nil {
			t.run.StartedAt = &now
		}
	case domain.TaskSucceeded, domain.TaskAborted:
		t.run.CompletedAt = &now
	}
	if cause != nil {
		t.run.ErrorLog = cause.Error()
	}
	t.run.State = next
	t.save(ctx)
}

func (t *tracker) save(ctx context.Context) {
	t.e.Metrics.TaskTransition(t.e.Flow, t.run.Task, string(t.run.State))
	if t.e.Recorder == nil {
		return
	}
	if err := t.e.Recorder.Record(ctx, &t.run); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to record task state")
	}
}

func (e *Engine) retryPolicy(spec TaskSpec) RetryPolicy {
	if spec.Retry != nil {
		return *spec.Retry
	}
	return e.Retry
}

// attempt runs fn under the retry policy. Cancellation is observed before
// each attempt; errors that are not retryable stop immediately.
func (e *Engine) attempt(ctx context.Context, t *tracker, spec TaskSpec, fn func(ctx context.Context) error) error {
	policy := e.retryPolicy(spec)
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		t.to(ctx, domain.TaskRunning, nil)
		actx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		start := time.Now()
		err := fn(actx)
		e.Metrics.TaskDuration(e.Flow, spec.Name, time.Since(start))
		if err == nil {
			return nil
		}
		t.to(ctx, domain.TaskFailed, err)
		if ctx.Err() != nil || !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.With(logger.Fields{logger.FieldAttempt: t.run.Attempts}).
			Warn(ctx, "Task failed, retrying in %s: %v", wait, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(policy.MaxRetries)), ctx)
	return backoff.RetryNotify(op, b, notify)
}

func (e *Engine) taskContext(ctx context.Context, name string) context.Context {
	ctx = logger.SetFlow(ctx, e.Flow)
	return logger.SetTask(ctx, name)
}

// execute drives one task: a checkpoint probe that may satisfy it, then
// body under the retry policy.
func (e *Engine) execute(ctx context.Context, spec TaskSpec, probe func(ctx context.Context) (bool, error), body func(ctx context.Context) error) error {
	ctx = e.taskContext(ctx, spec.Name)
	t := e.track(ctx, spec.Name)
	start := time.Now()

	if err := ctx.Err(); err != nil {
		t.to(ctx, domain.TaskAborted, err)
		return err
	}

	if probe != nil {
		cached, err := probe(ctx)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("Checkpoint unusable, delete it to rerun the task")
			t.to(ctx, domain.TaskAborted, err)
			return err
		}
		if cached {
			t.run.Cached = true
			t.to(ctx, domain.TaskSucceeded, nil)
			logger.CtxInfo(ctx, "Task satisfied by checkpoint")
			return nil
		}
	}

	logger.CtxInfo(ctx, "Task started")
	if err := e.attempt(ctx, t, spec, body); err != nil {
		t.to(ctx, domain.TaskAborted, err)
		logger.FromContext(ctx).WithError(err).Errorf("Task aborted after %d attempt(s)", t.run.Attempts)
		return err
	}
	t.to(ctx, domain.TaskSucceeded, nil)
	logger.With(nil).Since(start).Info(ctx, "Task succeeded")
	return nil
}

// Run executes fn as a task returning a value. With a ResultPath, the
// value is stored after success and reloaded instead of running fn when
// the checkpoint is fresh.
func Run[T any](ctx context.Context, e *Engine, spec TaskSpec, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	fingerprint, err := Fingerprint(spec.Params)
	if err != nil {
		return result, err
	}

	var probe func(ctx context.Context) (bool, error)
	if spec.ResultPath != "" && e.Store != nil {
		probe = func(ctx context.Context) (bool, error) {
			ok, err := fresh(ctx, e.Store, spec.ResultPath, fingerprint)
			if err != nil || !ok {
				return false, err
			}
			if err := e.Store.Read(ctx, spec.ResultPath, &result); err != nil {
				if !errors.Is(err, domain.ErrCorruptArtifact) {
					err = domain.Corrupt("load checkpoint "+spec.ResultPath, err)
				}
				return false, err
			}
			return true, nil
		}
	}

	err = e.execute(ctx, spec, probe, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		if spec.ResultPath != "" && e.Store != nil {
			if err := e.Store.Serialize(ctx, spec.ResultPath, v); err != nil {
				return err
			}
			if err := writeFingerprint(ctx, e.Store, spec.ResultPath, fingerprint); err != nil {
				return err
			}
		}
		result = v
		return nil
	})
	return result, err
}

// RunFile executes fn as a task producing spec.OutputPath and returns
// that path. An existing, fresh output skips fn.
func RunFile(ctx context.Context, e *Engine, spec TaskSpec, fn func(ctx context.Context, out string) error) (string, error) {
	if spec.OutputPath == "" {
		return "", domain.Invalid("run task "+spec.Name, "output path required")
	}
	fingerprint, err := Fingerprint(spec.Params)
	if err != nil {
		return "", err
	}

	var probe func(ctx context.Context) (bool, error)
	if e.Store != nil {
		probe = func(ctx context.Context) (bool, error) {
			return fresh(ctx, e.Store, spec.OutputPath, fingerprint)
		}
	}
	err = e.execute(ctx, spec, probe, func(ctx context.Context) error {
		if err := fn(ctx, spec.OutputPath); err != nil {
			return err
		}
		if e.Store != nil {
			return writeFingerprint(ctx, e.Store, spec.OutputPath, fingerprint)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return spec.OutputPath, nil
}

// MapSpec describes a task mapped over a collection. Path functions give
// each element its own checkpoint.
type MapSpec[In any] struct {
	Name       string
	Retry      *RetryPolicy
	Timeout    time.Duration
	ResultPath func(i int, item In) string
	OutputPath func(i int, item In) string
	Params     any
}

func (m MapSpec[In]) element(i int, item In) TaskSpec {
	spec := TaskSpec{
		Name:    fmt.Sprintf("%s[%d]", m.Name, i),
		Retry:   m.Retry,
		Timeout: m.Timeout,
		Params:  m.Params,
	}
	if m.ResultPath != nil {
		spec.ResultPath = m.ResultPath(i, item)
	}
	if m.OutputPath != nil {
		spec.OutputPath = m.OutputPath(i, item)
	}
	return spec
}

// Map runs fn once per item on at most e.Workers goroutines. Results keep
// the order of items. The first failure cancels the elements not yet
// started.
func Map[In, Out any](ctx context.Context, e *Engine, spec MapSpec[In], items []In, fn func(ctx context.Context, item In) (Out, error)) ([]Out, error) {
	out := make([]Out, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)
	for i, item := range items {
		g.Go(func() error {
			v, err := Run(gctx, e, spec.element(i, item), func(actx context.Context) (Out, error) {
				return fn(actx, item)
			})
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// MapFiles runs fn once per item, each producing the file named by
// spec.OutputPath, and returns the paths in item order.
func MapFiles[In any](ctx context.Context, e *Engine, spec MapSpec[In], items []In, fn func(ctx context.Context, item In, out string) error) ([]string, error) {
	if spec.OutputPath == nil {
		return nil, domain.Invalid("map task "+spec.Name, "output path required")
	}
	out := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)
	for i, item := range items {
		g.Go(func() error {
			p, err := RunFile(gctx, e, spec.element(i, item), func(actx context.Context, path string) error {
				return fn(actx, item, path)
			})
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
