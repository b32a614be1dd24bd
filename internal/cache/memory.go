package cache

import (
	"context"
	"sync"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// ExecutionFeed serves recent executions per instrument, newest first.
type ExecutionFeed interface {
	Recent(ctx context.Context, instrument uint32, limit int) ([]models.Execution, error)
}

// MemoryFeed keeps the last executions per instrument in process. It is used
// when Redis is not configured.
type MemoryFeed struct {
	mu    sync.RWMutex
	size  int
	items map[uint32][]models.Execution
}

func NewMemoryFeed(size int) *MemoryFeed {
	if size <= 0 {
		size = recentExecutionsLimit
	}
	return &MemoryFeed{size: size, items: make(map[uint32][]models.Execution)}
}

func (f *MemoryFeed) OnExecution(e models.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := append([]models.Execution{e}, f.items[e.InstrumentID]...)
	if len(list) > f.size {
		list = list[:f.size]
	}
	f.items[e.InstrumentID] = list
}

func (f *MemoryFeed) Recent(_ context.Context, instrument uint32, limit int) ([]models.Execution, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := f.items[instrument]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	return append([]models.Execution(nil), list[:limit]...), nil
}
