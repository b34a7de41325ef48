package durable

import (
	"context"
	"sync"

	"wake-dispatch/internal/models"
)

// MemoryLog is an in-process StepLog. It does not survive a restart; use it for tests
// and local runs.
type MemoryLog struct {
	mu    sync.Mutex
	steps map[string][]models.StepRecord
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{steps: make(map[string][]models.StepRecord)}
}

func (m *MemoryLog) LoadSteps(_ context.Context, executionID string) ([]models.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StepRecord, len(m.steps[executionID]))
	copy(out, m.steps[executionID])
	return out, nil
}

func (m *MemoryLog) RecordStep(_ context.Context, executionID string, rec models.StepRecord) (models.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.steps[executionID] {
		if existing.Name == rec.Name {
			return existing, nil
		}
	}
	m.steps[executionID] = append(m.steps[executionID], rec)
	return rec, nil
}
