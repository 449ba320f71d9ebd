// Package dagtest provides test doubles for exercising pkg/dag's executor
// without a real cache or storage backend, grounded on dozer-core's
// tests/sinks.rs CountingSink: count processed operations, flip a latch
// once an expected count is reached.
package dagtest

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/streamrunner/pkg/dag"
	"github.com/cuemby/streamrunner/pkg/types"
)

// CountingSink records every operation it receives and signals Done once
// it has seen Expected operations.
type CountingSink struct {
	Expected uint64

	mu      sync.Mutex
	ops     []types.Operation
	current uint64
	done    chan struct{}
	closeOnce sync.Once
}

// NewCountingSink creates a sink that closes its Done channel after
// Expected operations have been processed.
func NewCountingSink(expected uint64) *CountingSink {
	return &CountingSink{Expected: expected, done: make(chan struct{})}
}

// Step implements dag.SinkStep.
func (s *CountingSink) Step(op types.Operation, _ dag.Port) error {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()

	if atomic.AddUint64(&s.current, 1) == s.Expected {
		s.closeOnce.Do(func() { close(s.done) })
	}
	return nil
}

// Commit implements dag.CommitFunc; the test sink has no durable state of
// its own to persist.
func (s *CountingSink) Commit(_ types.Epoch) error { return nil }

// Done closes once Expected operations have been processed.
func (s *CountingSink) Done() <-chan struct{} { return s.done }

// Current returns how many operations have been processed so far.
func (s *CountingSink) Current() uint64 { return atomic.LoadUint64(&s.current) }

// Operations returns a snapshot of every operation received, in arrival
// order.
func (s *CountingSink) Operations() []types.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Operation, len(s.ops))
	copy(out, s.ops)
	return out
}
