package journal

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Journal for tests and ephemeral runs.
type Memory struct {
	mu   sync.Mutex
	runs map[string][]Record
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{runs: map[string][]Record{}}
}

func (m *Memory) Append(ctx context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Seq = int64(len(m.runs[r.RunID])) + 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.runs[r.RunID] = append(m.runs[r.RunID], r)
	return r, nil
}

func (m *Memory) List(ctx context.Context, runID string, afterSeq int64, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.runs[runID] {
		if r.Seq <= afterSeq {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Runs returns the ids of all runs with at least one record.
func (m *Memory) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	return out
}

func (m *Memory) LastSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.runs[runID])), nil
}

func (m *Memory) Close() error { return nil }
