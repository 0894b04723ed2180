package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// DefaultPushBuffer is the number of pushed metrics held per collector
// between collections. Settings: buffer (int) overrides it.
const DefaultPushBuffer = 10000

// pushStrategy holds batches received through Service.Push until the next
// collection drains them.
type pushStrategy struct {
	mu      sync.Mutex
	pending []metrics.Metric
	limit   int
}

func newPushStrategy(c Collector) (Strategy, error) {
	limit := configInt(c.Config, "buffer")
	if limit <= 0 {
		limit = DefaultPushBuffer
	}
	return &pushStrategy{limit: limit}, nil
}

// enqueue appends batch, refusing it whole when it would overflow the buffer.
func (s *pushStrategy) enqueue(batch []metrics.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending)+len(batch) > s.limit {
		return fmt.Errorf("push buffer full (%d of %d pending)", len(s.pending), s.limit)
	}
	s.pending = append(s.pending, batch...)
	return nil
}

func (s *pushStrategy) Collect(context.Context) ([]metrics.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}
