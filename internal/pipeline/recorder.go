package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/timmy/ms2sim/internal/domain"
)

// Recorder persists task state. Record is called on every transition with
// the full current row.
type Recorder interface {
	Record(ctx context.Context, run *domain.TaskRun) error
}

// MemoryRecorder keeps task state in process, for local runs and tests.
type MemoryRecorder struct {
	mu   sync.Mutex
	runs map[string]domain.TaskRun
	log  []domain.TaskState
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{runs: make(map[string]domain.TaskRun)}
}

func (m *MemoryRecorder) Record(_ context.Context, run *domain.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	m.log = append(m.log, run.State)
	return nil
}

// Task returns the last recorded state of the named task.
func (m *MemoryRecorder) Task(name string) (domain.TaskRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Task == name {
			return r, true
		}
	}
	return domain.TaskRun{}, false
}

// Tasks returns every recorded task, sorted by name.
func (m *MemoryRecorder) Tasks() []domain.TaskRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TaskRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// States returns every recorded state in order, across tasks.
func (m *MemoryRecorder) States() []domain.TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TaskState(nil), m.log...)
}
