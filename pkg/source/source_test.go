package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/streamrunner/pkg/dag"
	"github.com/cuemby/streamrunner/pkg/epoch"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

func openSourceStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "src.db"), []storage.DBConfig{{Name: metaDB}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func opMsg(txid uint64, seq uint32) types.IngestionMessage {
	rec := &types.Record{Values: []types.Field{types.UIntField(txid)}}
	return types.IngestionMessage{
		Identifier: types.TxID{Txid: txid, SeqInTx: seq},
		Kind:       types.MessageOperationEvent,
		Op:         types.InsertOp(rec),
	}
}

func TestSendAndTriggerCommitTriggersAtCommitSize(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("src")
	out := dag.NewEdge("out", dag.DefaultPort, 16)

	cm := NewChannelManager("src", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {out}}, 2, time.Hour)
	ctx := context.Background()

	terminating, err := cm.SendAndTriggerCommitIfNeeded(ctx, opMsg(1, 0), dag.DefaultPort, false)
	require.NoError(t, err)
	assert.False(t, terminating)

	// Second op reaches commitSize=2 and should trigger a commit.
	terminating, err = cm.SendAndTriggerCommitIfNeeded(ctx, opMsg(1, 1), dag.DefaultPort, false)
	require.NoError(t, err)
	assert.False(t, terminating)

	// Two ops plus one Commit envelope must be on the edge.
	msg, ok := out.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, dag.ExecOp, msg.Kind)
	msg, ok = out.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, dag.ExecOp, msg.Kind)
	msg, ok = out.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, dag.ExecCommit, msg.Kind)
	require.NotNil(t, msg.Epoch)
	assert.Contains(t, msg.Epoch.Details, "src")
}

func TestSendAndTriggerCommitDoesNotTriggerBelowThreshold(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("src")
	out := dag.NewEdge("out", dag.DefaultPort, 16)

	cm := NewChannelManager("src", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {out}}, 100, time.Hour)
	ctx := context.Background()

	_, err := cm.SendAndTriggerCommitIfNeeded(ctx, opMsg(1, 0), dag.DefaultPort, false)
	require.NoError(t, err)

	msg, ok := out.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, dag.ExecOp, msg.Kind)

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, ok = out.Recv(ctxTimeout)
	assert.False(t, ok, "no commit should have been forwarded yet")
}

func TestResumeWithNoPriorStateReturnsNotFound(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("src")
	cm := NewChannelManager("src", s, em, nil, 10, time.Hour)

	_, _, found, err := cm.Resume()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResumeRestoresOffsetAndSnapshotFlag(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("src")
	out := dag.NewEdge("out", dag.DefaultPort, 16)
	cm := NewChannelManager("src", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {out}}, 1, time.Hour)
	ctx := context.Background()

	snapshotMsg := types.IngestionMessage{Identifier: types.TxID{Txid: 5, SeqInTx: 3}, Kind: types.MessageSnapshotDone}
	_, err := cm.SendAndTriggerCommitIfNeeded(ctx, snapshotMsg, dag.DefaultPort, false)
	require.NoError(t, err)

	// Drain the forwarded SnapshotDone + Commit envelopes.
	_, ok := out.Recv(ctx)
	require.True(t, ok)
	_, ok = out.Recv(ctx)
	require.True(t, ok)

	cm2 := NewChannelManager("src", s, em, nil, 1, time.Hour)
	offset, snapshotDone, found, err := cm2.Resume()
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, snapshotDone)
	assert.Equal(t, types.TxID{Txid: 5, SeqInTx: 3}, offset)
}

func TestResumeReportsSnapshotNotDoneWhenOnlyOpsCommitted(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("src")
	out := dag.NewEdge("out", dag.DefaultPort, 16)
	cm := NewChannelManager("src", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {out}}, 1, time.Hour)
	ctx := context.Background()

	_, err := cm.SendAndTriggerCommitIfNeeded(ctx, opMsg(1, 0), dag.DefaultPort, false)
	require.NoError(t, err)

	_, ok := out.Recv(ctx)
	require.True(t, ok)
	_, ok = out.Recv(ctx)
	require.True(t, ok)

	cm2 := NewChannelManager("src", s, em, nil, 1, time.Hour)
	_, snapshotDone, found, err := cm2.Resume()
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, snapshotDone, "restart must replay the snapshot from scratch")
}

func TestTerminateBroadcastsOnEveryPort(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("src")
	out1 := dag.NewEdge("out1", dag.DefaultPort, 4)
	out2 := dag.NewEdge("out2", dag.DefaultPort, 4)
	cm := NewChannelManager("src", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {out1, out2}}, 10, time.Hour)

	require.NoError(t, cm.Terminate(context.Background()))

	msg, ok := out1.Recv(context.Background())
	require.True(t, ok)
	assert.Equal(t, dag.ExecTerminate, msg.Kind)

	msg, ok = out2.Recv(context.Background())
	require.True(t, ok)
	assert.Equal(t, dag.ExecTerminate, msg.Kind)
}

func TestMultiSourceCommitMintsSameEpochAndMergesDetails(t *testing.T) {
	s := openSourceStore(t)
	em := epoch.New("A", "B")
	outA := dag.NewEdge("outA", dag.DefaultPort, 8)
	outB := dag.NewEdge("outB", dag.DefaultPort, 8)

	cmA := NewChannelManager("A", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {outA}}, 1, time.Hour)
	cmB := NewChannelManager("B", s, em, map[dag.Port][]*dag.Edge{dag.DefaultPort: {outB}}, 1, time.Hour)
	ctx := context.Background()

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() {
		_, err := cmA.SendAndTriggerCommitIfNeeded(ctx, opMsg(1, 0), dag.DefaultPort, false)
		doneA <- err
	}()
	go func() {
		_, err := cmB.SendAndTriggerCommitIfNeeded(ctx, opMsg(2, 0), dag.DefaultPort, false)
		doneB <- err
	}()
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)

	_, ok := outA.Recv(ctx)
	require.True(t, ok)
	commitA, ok := outA.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, dag.ExecCommit, commitA.Kind)

	_, ok = outB.Recv(ctx)
	require.True(t, ok)
	commitB, ok := outB.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, dag.ExecCommit, commitB.Kind)

	assert.Equal(t, commitA.Epoch.EpochID, commitB.Epoch.EpochID)
}
