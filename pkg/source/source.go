// Package source implements the source channel manager (spec.md §4.8):
// the wrapper around a source's emit logic and its commit decision,
// directly grounded on dozer-core's forwarder.rs SourceChannelManager
// (send_and_trigger_commit_if_needed / should_participate_in_commit /
// commit), re-expressed with pkg/dag edges and a pkg/epoch.Manager in
// place of forwarder.rs's Sender<ExecutorOperation> / Arc<EpochManager>.
package source

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/streamrunner/pkg/dag"
	"github.com/cuemby/streamrunner/pkg/epoch"
	"github.com/cuemby/streamrunner/pkg/log"
	"github.com/cuemby/streamrunner/pkg/metrics"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

// metaDB is the sub-database name a ChannelManager stores its source's
// last-committed (txid, seq_in_tx) offset under.
const metaDB = "_source_meta"

// ID returns a fresh random identifier that a caller can pass as a
// ChannelManager name when it has no stable one (spec.md §4.8 doesn't
// require this, but two instances of the same connector must not share
// metadata keys). Nothing in pkg/source calls it; NewChannelManager
// always takes the name from its caller.
func ID() string { return uuid.NewString() }

// ChannelManager wraps one source's outbound ports, votes into the epoch
// barrier on its behalf, and persists its own offset durably before
// broadcasting Commit.
type ChannelManager struct {
	Name  string
	Store storage.Store
	Epoch *epoch.Manager
	Ports map[dag.Port][]*dag.Edge

	currTxID           uint64
	currSeqInTx        uint32
	commitSize         uint32
	numUncommittedOps  uint32
	maxDurationBetween time.Duration
	lastCommit         time.Time
	snapshotDone       bool

	logger zerolog.Logger
}

// NewChannelManager creates a channel manager for one source, registering
// it with em as a live voter.
func NewChannelManager(name string, store storage.Store, em *epoch.Manager, ports map[dag.Port][]*dag.Edge, commitSize uint32, maxDuration time.Duration) *ChannelManager {
	em.RegisterSource(name)
	return &ChannelManager{
		Name:               name,
		Store:              store,
		Epoch:              em,
		Ports:              ports,
		commitSize:         commitSize,
		maxDurationBetween: maxDuration,
		lastCommit:         time.Now(),
		logger:             log.WithComponent("source." + name),
	}
}

func (c *ChannelManager) shouldParticipateInCommit() bool {
	return c.numUncommittedOps >= c.commitSize || time.Since(c.lastCommit) >= c.maxDurationBetween
}

// restoreOffset loads the last durably committed (txid, seq_in_tx) for
// this source plus whether its snapshot had completed as of that commit
// (spec.md §9 open question: "if SnapshotDone was not yet committed,
// restart the snapshot from scratch; otherwise resume from the last
// committed (txid, seq_in_tx)").
func (c *ChannelManager) restoreOffset(txn storage.ReadTxn) (types.TxID, bool, bool, error) {
	v, err := txn.Get(metaDB, []byte(c.Name))
	if err != nil || v == nil {
		return types.TxID{}, false, false, err
	}
	if len(v) < 13 {
		return types.TxID{}, false, false, nil
	}
	return types.TxID{
		Txid:    beUint64(v[0:8]),
		SeqInTx: beUint32(v[8:12]),
	}, v[12] != 0, true, nil
}

// Resume restores this source's last durably committed offset and
// snapshot-completion flag, if any. snapshotDone is meaningful only when
// found is true; a connector should restart its snapshot from scratch
// when found is true but snapshotDone is false, per spec.md §9.
func (c *ChannelManager) Resume() (offset types.TxID, snapshotDone bool, found bool, err error) {
	txn, err := c.Store.BeginRead()
	if err != nil {
		return types.TxID{}, false, false, err
	}
	defer txn.Rollback()

	offset, snapshotDone, found, err = c.restoreOffset(txn)
	if err != nil || !found {
		return offset, snapshotDone, found, err
	}
	c.currTxID, c.currSeqInTx = offset.Txid, offset.SeqInTx
	c.snapshotDone = snapshotDone
	return offset, snapshotDone, true, nil
}

func (c *ChannelManager) persistOffset(txn storage.WriteTxn) error {
	buf := make([]byte, 13)
	putUint64(buf[0:8], c.currTxID)
	putUint32(buf[8:12], c.currSeqInTx)
	if c.snapshotDone {
		buf[12] = 1
	}
	return txn.Put(metaDB, []byte(c.Name), buf)
}

// commit casts this source's vote into the epoch barrier; if the manager
// mints an epoch, it persists this source's offset, commits that write,
// and only then broadcasts Commit on every outbound port.
func (c *ChannelManager) commit(ctx context.Context, requestTermination bool) (bool, error) {
	dec := c.Epoch.WaitForEpochClose(c.Name, requestTermination, c.numUncommittedOps > 0)

	if dec.EpochID != nil {
		txn, err := c.Store.BeginWrite()
		if err != nil {
			return false, err
		}
		if err := c.persistOffset(txn); err != nil {
			txn.Rollback()
			return false, err
		}
		if err := txn.Commit(); err != nil {
			return false, err
		}

		ep := types.Epoch{
			EpochID: *dec.EpochID,
			Details: map[string]types.TxID{
				c.Name: {Txid: c.currTxID, SeqInTx: c.currSeqInTx},
			},
		}
		for _, edges := range c.Ports {
			if err := dag.SendFanOut(ctx, edges, dag.ExecutorOperation{Kind: dag.ExecCommit, Epoch: &ep}); err != nil {
				return false, err
			}
		}
	}

	c.numUncommittedOps = 0
	metrics.SourceUncommittedOps.WithLabelValues(c.Name).Set(0)
	c.lastCommit = dec.DecisionTime
	return dec.Terminating, nil
}

// TriggerCommitIfNeeded calls commit only when the source's local trigger
// has fired (spec.md §4.4's "either num_uncommitted_ops >= commit_sz or
// elapsed >= max_duration_between_commits, or at termination").
func (c *ChannelManager) TriggerCommitIfNeeded(ctx context.Context, requestTermination bool) (bool, error) {
	if requestTermination || c.shouldParticipateInCommit() {
		return c.commit(ctx, requestTermination)
	}
	return false, nil
}

// SendAndTriggerCommitIfNeeded forwards one ingestion message to its
// port, updates this source's offset, and triggers a commit check —
// spec.md §4.8's send_and_trigger_commit_if_needed.
func (c *ChannelManager) SendAndTriggerCommitIfNeeded(ctx context.Context, msg types.IngestionMessage, port dag.Port, requestTermination bool) (bool, error) {
	c.currTxID = msg.Identifier.Txid
	c.currSeqInTx = msg.Identifier.SeqInTx

	edges, ok := c.Ports[port]
	if !ok {
		edges = nil
	}

	switch msg.Kind {
	case types.MessageOperationEvent:
		op := msg.Op
		if err := dag.SendFanOut(ctx, edges, dag.ExecutorOperation{Kind: dag.ExecOp, Op: &op}); err != nil {
			return false, err
		}
		c.numUncommittedOps++
		metrics.SourceOpsTotal.WithLabelValues(c.Name).Inc()
		metrics.SourceUncommittedOps.WithLabelValues(c.Name).Set(float64(c.numUncommittedOps))
		return c.TriggerCommitIfNeeded(ctx, requestTermination)
	case types.MessageSnapshotDone:
		c.numUncommittedOps++
		c.snapshotDone = true
		for _, e := range c.Ports {
			if err := dag.SendFanOut(ctx, e, dag.ExecutorOperation{Kind: dag.ExecSnapshotDone}); err != nil {
				return false, err
			}
		}
		return c.commit(ctx, requestTermination)
	default:
		return false, nil
	}
}

// Terminate broadcasts a Terminate envelope on every outbound port.
func (c *ChannelManager) Terminate(ctx context.Context) error {
	for _, edges := range c.Ports {
		if err := dag.SendFanOut(ctx, edges, dag.ExecutorOperation{Kind: dag.ExecTerminate}); err != nil {
			return err
		}
	}
	return nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func beUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putUint32(b []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
