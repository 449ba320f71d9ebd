// Package dag implements the DAG executor and its inter-node channels
// (spec.md §4.3, §5): bounded FIFO edges carrying ExecutorOperation
// envelopes, one goroutine per node, fan-out-by-cloning, and the
// per-input Commit merge contract processors and sinks must honor before
// forwarding their own commit.
//
// One goroutine per node over golang.org/x/sync/errgroup is the same
// worker-lifecycle shape cuemby-warren's reconciler.Start/Stop uses for
// its background loop, generalized from a single ticker loop to an
// arbitrary node count. The counting test sink is grounded on
// dozer-core's tests/sinks.rs CountingSink (count ops, flip a latch at
// an expected count).
package dag

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/streamrunner/pkg/log"
	"github.com/cuemby/streamrunner/pkg/metrics"
	"github.com/cuemby/streamrunner/pkg/types"
)

// Port identifies one of a node's named input or output ports.
type Port uint16

// DefaultPort is used by nodes with exactly one input and one output.
const DefaultPort Port = 0

// OpKind tags an ExecutorOperation variant.
type OpKind uint8

const (
	ExecOp OpKind = iota
	ExecCommit
	ExecSnapshotDone
	ExecTerminate
)

// ExecutorOperation is the envelope carried on every edge (spec.md §4.3).
type ExecutorOperation struct {
	Kind  OpKind
	Op    *types.Operation // meaningful when Kind == ExecOp
	Epoch *types.Epoch     // meaningful when Kind == ExecCommit
}

func cloneExecOp(msg ExecutorOperation) ExecutorOperation {
	out := msg
	if msg.Op != nil {
		opCopy := *msg.Op
		out.Op = &opCopy
	}
	if msg.Epoch != nil {
		epCopy := *msg.Epoch
		epCopy.Details = make(map[string]types.TxID, len(msg.Epoch.Details))
		for k, v := range msg.Epoch.Details {
			epCopy.Details[k] = v
		}
		out.Epoch = &epCopy
	}
	return out
}

// Edge is a bounded, single-producer channel between two nodes. Send
// blocks when the edge is full, the backpressure spec.md §4.3 calls for.
type Edge struct {
	Name string
	Port Port
	ch   chan ExecutorOperation
}

// NewEdge creates an edge with the given buffer capacity.
func NewEdge(name string, port Port, capacity int) *Edge {
	return &Edge{Name: name, Port: port, ch: make(chan ExecutorOperation, capacity)}
}

// Send delivers msg, blocking if the edge's buffer is full. Returns
// ctx.Err() if ctx is cancelled while blocked.
func (e *Edge) Send(ctx context.Context, msg ExecutorOperation) error {
	select {
	case e.ch <- msg:
		metrics.ChannelDepth.WithLabelValues(e.Name).Set(float64(len(e.ch)))
		return nil
	default:
		metrics.ChannelSendBlockedTotal.WithLabelValues(e.Name).Inc()
	}
	select {
	case e.ch <- msg:
		metrics.ChannelDepth.WithLabelValues(e.Name).Set(float64(len(e.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next message, returning ok=false if the edge was
// closed or ctx was cancelled.
func (e *Edge) Recv(ctx context.Context) (ExecutorOperation, bool) {
	select {
	case msg, ok := <-e.ch:
		if !ok {
			return ExecutorOperation{}, false
		}
		metrics.ChannelDepth.WithLabelValues(e.Name).Set(float64(len(e.ch)))
		return msg, true
	case <-ctx.Done():
		return ExecutorOperation{}, false
	}
}

// Close closes the underlying channel. Only the sending node may call it.
func (e *Edge) Close() { close(e.ch) }

// SendFanOut delivers msg to every edge in outs, cloning it for every
// edge except the last (spec.md §4.3's fan-out rule: "cloning the op for
// every sender except the last, which receives the unique original").
func SendFanOut(ctx context.Context, outs []*Edge, msg ExecutorOperation) error {
	if len(outs) == 0 {
		return nil
	}
	for i := 0; i < len(outs)-1; i++ {
		if err := outs[i].Send(ctx, cloneExecOp(msg)); err != nil {
			return err
		}
	}
	return outs[len(outs)-1].Send(ctx, msg)
}

type inboundMsg struct {
	edge *Edge
	msg  ExecutorOperation
}

// mergeEdges fans multiple inbound edges into a single channel. Each
// source edge gets its own forwarding goroutine; the merged channel
// closes once every input edge has closed or ctx is done.
func mergeEdges(ctx context.Context, ins []*Edge) <-chan inboundMsg {
	out := make(chan inboundMsg)
	var wg sync.WaitGroup
	for _, e := range ins {
		wg.Add(1)
		go func(e *Edge) {
			defer wg.Done()
			for {
				msg, ok := e.Recv(ctx)
				if !ok {
					return
				}
				select {
				case out <- inboundMsg{edge: e, msg: msg}:
				case <-ctx.Done():
					return
				}
			}
		}(e)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// commitTracker merges per-edge Commit messages for one epoch round
// (spec.md §4.4: "processors merge details from all inbound Commit
// messages ... require one Commit per input edge, same epoch_id, before
// emitting their own Commit").
type commitTracker struct {
	total int
	have  map[*Edge]bool
	epoch *types.Epoch
}

func newCommitTracker(total int) *commitTracker {
	return &commitTracker{total: total, have: make(map[*Edge]bool, total)}
}

// add folds in one edge's Commit. It returns the merged epoch and true
// once every input edge has delivered a Commit for the same epoch id.
func (c *commitTracker) add(edge *Edge, ep *types.Epoch) (*types.Epoch, bool, error) {
	if c.have[edge] {
		return nil, false, fmt.Errorf("dag: duplicate commit on edge %q before round completed", edge.Name)
	}
	c.have[edge] = true

	if c.epoch == nil {
		merged := *ep
		merged.Details = make(map[string]types.TxID, len(ep.Details))
		for k, v := range ep.Details {
			merged.Details[k] = v
		}
		c.epoch = &merged
	} else {
		if c.epoch.EpochID != ep.EpochID {
			return nil, false, fmt.Errorf("dag: mismatched epoch ids across inputs: %d vs %d", c.epoch.EpochID, ep.EpochID)
		}
		for k, v := range ep.Details {
			c.epoch.Details[k] = v
		}
	}

	if len(c.have) < c.total {
		return nil, false, nil
	}
	result := c.epoch
	c.have = make(map[*Edge]bool, c.total)
	c.epoch = nil
	return result, true, nil
}

// StepFunc processes one operation arriving on fromPort and returns the
// operations to forward.
type StepFunc func(op types.Operation, fromPort Port) ([]types.Operation, error)

// RunProcessor drives a single processor node: read from ins, fold
// through step, forward results to outs, and merge/forward Commit once
// every input edge has delivered one for the same epoch.
func RunProcessor(ctx context.Context, name string, ins, outs []*Edge, step StepFunc) error {
	merged := mergeEdges(ctx, ins)
	tracker := newCommitTracker(len(ins))

	for inb := range merged {
		switch inb.msg.Kind {
		case ExecOp:
			results, err := step(*inb.msg.Op, inb.edge.Port)
			if err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			for i := range results {
				if err := SendFanOut(ctx, outs, ExecutorOperation{Kind: ExecOp, Op: &results[i]}); err != nil {
					return fmt.Errorf("node %s: %w", name, err)
				}
			}
		case ExecCommit:
			merged, done, err := tracker.add(inb.edge, inb.msg.Epoch)
			if err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			if done {
				if err := SendFanOut(ctx, outs, ExecutorOperation{Kind: ExecCommit, Epoch: merged}); err != nil {
					return fmt.Errorf("node %s: %w", name, err)
				}
			}
		case ExecSnapshotDone, ExecTerminate:
			if err := SendFanOut(ctx, outs, inb.msg); err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			if inb.msg.Kind == ExecTerminate {
				return nil
			}
		}
	}
	return nil
}

// SinkStep applies one operation to a sink's own state.
type SinkStep func(op types.Operation, fromPort Port) error

// CommitFunc persists a fully-merged epoch atomically with a sink's state.
type CommitFunc func(epoch types.Epoch) error

// RunSink drives a single sink node: no outbound edges, so Commit is
// persisted locally once the round completes rather than forwarded.
func RunSink(ctx context.Context, name string, ins []*Edge, step SinkStep, commit CommitFunc) error {
	merged := mergeEdges(ctx, ins)
	tracker := newCommitTracker(len(ins))
	logger := log.WithNode(name)

	for inb := range merged {
		switch inb.msg.Kind {
		case ExecOp:
			if err := step(*inb.msg.Op, inb.edge.Port); err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
		case ExecCommit:
			ep, done, err := tracker.add(inb.edge, inb.msg.Epoch)
			if err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			if done {
				if err := commit(*ep); err != nil {
					return fmt.Errorf("node %s: commit: %w", name, err)
				}
				logger.Debug().Uint64("epoch", ep.EpochID).Msg("sink committed")
			}
		case ExecTerminate:
			return nil
		case ExecSnapshotDone:
			// nothing to persist; sinks don't emit further downstream.
		}
	}
	return nil
}

// NodeFunc is one node's goroutine body.
type NodeFunc func(ctx context.Context) error

// Executor runs every registered node concurrently and returns the first
// error any of them produces, cancelling the rest (spec.md §5: "one OS-
// level thread per DAG node").
type Executor struct {
	nodes map[string]NodeFunc
}

// NewExecutor creates an empty executor.
func NewExecutor() *Executor {
	return &Executor{nodes: make(map[string]NodeFunc)}
}

// AddNode registers a node's goroutine body under name.
func (e *Executor) AddNode(name string, fn NodeFunc) {
	e.nodes[name] = fn
}

// Run starts every node and blocks until they all finish or one fails.
func (e *Executor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range e.nodes {
		fn := fn
		g.Go(func() error {
			return fn(gctx)
		})
	}
	return g.Wait()
}
