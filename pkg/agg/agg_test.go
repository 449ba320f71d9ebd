package agg

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/streamrunner/pkg/errs"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

func openAggStore(t *testing.T, names ...string) storage.Store {
	t.Helper()
	cfgs := make([]storage.DBConfig, len(names))
	for i, n := range names {
		cfgs[i] = storage.DBConfig{Name: n}
	}
	s, err := storage.Open(filepath.Join(t.TempDir(), "agg.db"), cfgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGroupSumLifecycleInsertUpdateDelete(t *testing.T) {
	s := openAggStore(t, "counts", "sums")
	g := &Group{CountDB: "counts", Kernel: &SumKernel{DB: "sums", ValueType: types.FieldTypeInt}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)

	key := []byte("customer:1")
	result, lifecycle, err := g.ApplyInsert(txn, key, types.IntField(100))
	require.NoError(t, err)
	assert.Equal(t, LifecycleInsert, lifecycle)
	assert.Equal(t, int64(100), result.Int)

	result, lifecycle, err = g.ApplyInsert(txn, key, types.IntField(50))
	require.NoError(t, err)
	assert.Equal(t, LifecycleUpdate, lifecycle)
	assert.Equal(t, int64(150), result.Int)

	result, lifecycle, err = g.ApplyDelete(txn, key, types.IntField(50))
	require.NoError(t, err)
	assert.Equal(t, LifecycleUpdate, lifecycle)
	assert.Equal(t, int64(100), result.Int)

	result, lifecycle, err = g.ApplyDelete(txn, key, types.IntField(100))
	require.NoError(t, err)
	assert.Equal(t, LifecycleDelete, lifecycle)
	assert.Equal(t, types.FieldTypeNull, result.Type)

	require.NoError(t, txn.Commit())
}

func TestGroupSumApplyUpdateWithinGroup(t *testing.T) {
	s := openAggStore(t, "counts", "sums")
	g := &Group{CountDB: "counts", Kernel: &SumKernel{DB: "sums", ValueType: types.FieldTypeInt}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	key := []byte("customer:1")

	_, _, err = g.ApplyInsert(txn, key, types.IntField(100))
	require.NoError(t, err)

	result, lifecycle, err := g.ApplyUpdate(txn, key, types.IntField(100), types.IntField(175))
	require.NoError(t, err)
	assert.Equal(t, LifecycleUpdate, lifecycle)
	assert.Equal(t, int64(175), result.Int)

	require.NoError(t, txn.Commit())
}

func TestGroupSumUIntOverflowErrors(t *testing.T) {
	s := openAggStore(t, "counts", "sums")
	g := &Group{CountDB: "counts", Kernel: &SumKernel{DB: "sums", ValueType: types.FieldTypeUInt}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	defer txn.Rollback()

	key := []byte("g")
	_, _, err = g.ApplyInsert(txn, key, types.UIntField(1<<64-1))
	require.NoError(t, err)

	_, _, err = g.ApplyInsert(txn, key, types.UIntField(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNumericOverflow))
}

func TestGroupSumDeleteUnderflowNotAllowed(t *testing.T) {
	s := openAggStore(t, "counts", "sums")
	g := &Group{CountDB: "counts", Kernel: &SumKernel{DB: "sums", ValueType: types.FieldTypeUInt}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	defer txn.Rollback()

	key := []byte("g")
	// Two rows keep the group's count above zero after one retraction, so
	// the delete actually recomputes instead of short-circuiting to Null.
	_, _, err = g.ApplyInsert(txn, key, types.UIntField(5))
	require.NoError(t, err)
	_, _, err = g.ApplyInsert(txn, key, types.UIntField(1))
	require.NoError(t, err)

	// Retracting more than the running total is a numeric overflow, not a
	// silently clamped result.
	_, _, err = g.ApplyDelete(txn, key, types.UIntField(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNumericOverflow))
}

func TestGroupMinMaxRecomputeAcrossValues(t *testing.T) {
	s := openAggStore(t, "counts", "minmax")
	min := &Group{CountDB: "counts", Kernel: &MinMaxKernel{DB: "minmax", ValueType: types.FieldTypeInt, Max: false}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	key := []byte("g")

	result, _, err := min.ApplyInsert(txn, key, types.IntField(50))
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.Int)

	result, _, err = min.ApplyInsert(txn, key, types.IntField(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Int)

	result, _, err = min.ApplyInsert(txn, key, types.IntField(30))
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Int, "min must stay 10 until it is retracted")

	result, _, err = min.ApplyDelete(txn, key, types.IntField(10))
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.Int, "min must recompute to the next-lowest surviving value")

	require.NoError(t, txn.Commit())
}

func TestGroupMaxRecomputeAcrossValues(t *testing.T) {
	s := openAggStore(t, "counts", "minmax")
	max := &Group{CountDB: "counts", Kernel: &MinMaxKernel{DB: "minmax", ValueType: types.FieldTypeInt, Max: true}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	key := []byte("g")

	_, _, err = max.ApplyInsert(txn, key, types.IntField(10))
	require.NoError(t, err)
	_, _, err = max.ApplyInsert(txn, key, types.IntField(90))
	require.NoError(t, err)
	result, _, err := max.ApplyInsert(txn, key, types.IntField(40))
	require.NoError(t, err)
	assert.Equal(t, int64(90), result.Int)

	result, _, err = max.ApplyDelete(txn, key, types.IntField(90))
	require.NoError(t, err)
	assert.Equal(t, int64(40), result.Int)

	require.NoError(t, txn.Commit())
}

func TestGroupMinMaxEmptyGroupRecomputesNull(t *testing.T) {
	s := openAggStore(t, "counts", "minmax")
	min := &Group{CountDB: "counts", Kernel: &MinMaxKernel{DB: "minmax", ValueType: types.FieldTypeInt}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	key := []byte("g")

	_, _, err = min.ApplyInsert(txn, key, types.IntField(5))
	require.NoError(t, err)
	result, lifecycle, err := min.ApplyDelete(txn, key, types.IntField(5))
	require.NoError(t, err)
	assert.Equal(t, LifecycleDelete, lifecycle)
	assert.True(t, result.IsNull())

	require.NoError(t, txn.Commit())
}

func TestGroupAvgComputesMeanAndResetsOnEmpty(t *testing.T) {
	s := openAggStore(t, "counts", "sums")
	sum := &SumKernel{DB: "sums", ValueType: types.FieldTypeInt}
	g := &Group{CountDB: "counts", Kernel: &AvgKernel{Sum: sum}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	key := []byte("g")

	_, _, err = g.ApplyInsert(txn, key, types.IntField(10))
	require.NoError(t, err)
	result, _, err := g.ApplyInsert(txn, key, types.IntField(20))
	require.NoError(t, err)
	assert.InDelta(t, 15.0, result.Float, 0.0001)

	result, _, err = g.ApplyDelete(txn, key, types.IntField(20))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, result.Float, 0.0001)

	result, lifecycle, err := g.ApplyDelete(txn, key, types.IntField(10))
	require.NoError(t, err)
	assert.Equal(t, LifecycleDelete, lifecycle)
	assert.True(t, result.IsNull())

	require.NoError(t, txn.Commit())
}

func TestGroupCountTracksRowCount(t *testing.T) {
	s := openAggStore(t, "counts")
	g := &Group{CountDB: "counts", Kernel: CountKernel{}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)
	key := []byte("g")

	result, _, err := g.ApplyInsert(txn, key, types.NullField())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.UInt)

	result, _, err = g.ApplyInsert(txn, key, types.NullField())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.UInt)

	result, lifecycle, err := g.ApplyDelete(txn, key, types.NullField())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.UInt)
	assert.Equal(t, LifecycleUpdate, lifecycle)

	result, lifecycle, err = g.ApplyDelete(txn, key, types.NullField())
	require.NoError(t, err)
	assert.True(t, result.IsNull())
	assert.Equal(t, LifecycleDelete, lifecycle)

	require.NoError(t, txn.Commit())
}

func TestGroupIndependentGroupKeysDoNotInterfere(t *testing.T) {
	s := openAggStore(t, "counts", "sums")
	g := &Group{CountDB: "counts", Kernel: &SumKernel{DB: "sums", ValueType: types.FieldTypeInt}}

	txn, err := s.BeginWrite()
	require.NoError(t, err)

	_, _, err = g.ApplyInsert(txn, []byte("a"), types.IntField(10))
	require.NoError(t, err)
	result, _, err := g.ApplyInsert(txn, []byte("b"), types.IntField(999))
	require.NoError(t, err)
	assert.Equal(t, int64(999), result.Int)

	result, _, err = g.ApplyInsert(txn, []byte("a"), types.IntField(5))
	require.NoError(t, err)
	assert.Equal(t, int64(15), result.Int, "group a's total must be unaffected by group b's inserts")

	require.NoError(t, txn.Commit())
}
