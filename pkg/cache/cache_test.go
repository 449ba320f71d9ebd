package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

func customersSchema() *types.Schema {
	return &types.Schema{
		Name: "customers",
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.FieldTypeUInt},
			{Name: "region", Type: types.FieldTypeString},
			{Name: "age", Type: types.FieldTypeInt},
			{Name: "bio", Type: types.FieldTypeText, Nullable: true},
		},
		PrimaryIndex: []int{0},
	}
}

func newTestCache(t *testing.T, indexes []types.IndexDefinition) (*Cache, storage.Store) {
	t.Helper()
	c, err := New(nil, customersSchema(), indexes, false)
	require.NoError(t, err)

	s, err := storage.Open(filepath.Join(t.TempDir(), "cache.db"), c.DBConfigs())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err = New(s, customersSchema(), indexes, false)
	require.NoError(t, err)
	return c, s
}

func customer(id uint64, region string, age int64, bio string) *types.Record {
	return &types.Record{Values: []types.Field{
		types.UIntField(id),
		types.StringField(region),
		types.IntField(age),
		types.TextField(bio),
	}}
}

func TestNewRequiresIndexesWhenDeclared(t *testing.T) {
	_, err := New(nil, customersSchema(), nil, true)
	assert.Error(t, err)
}

func TestCacheInsertAndGet(t *testing.T) {
	c, s := newTestCache(t, nil)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(1, "west", 30, "hi"))))
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	r, ok, err := c.Get(rtxn, []types.Field{types.UIntField(1)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "west", r.Values[1].Str)
}

func TestCacheUpdateRewritesIndexes(t *testing.T) {
	idx := []types.IndexDefinition{{Kind: types.IndexSortedInverted, Fields: []int{1}}}
	c, s := newTestCache(t, idx)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(1, "west", 30, ""))))
	require.NoError(t, wtxn.Commit())

	wtxn, err = s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.UpdateOp(nil, customer(1, "east", 31, ""))))
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	westResults, err := c.Run(rtxn, Query{Index: 0, EqValues: []types.Field{types.StringField("west")}})
	require.NoError(t, err)
	assert.Empty(t, westResults, "stale index entry for old value must be removed")

	eastResults, err := c.Run(rtxn, Query{Index: 0, EqValues: []types.Field{types.StringField("east")}})
	require.NoError(t, err)
	require.Len(t, eastResults, 1)
	assert.Equal(t, int64(31), eastResults[0].Values[2].Int)
}

func TestCacheDeleteCleansUpIndexesAndPrimary(t *testing.T) {
	idx := []types.IndexDefinition{{Kind: types.IndexSortedInverted, Fields: []int{1}}}
	c, s := newTestCache(t, idx)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(1, "west", 30, ""))))
	require.NoError(t, wtxn.Commit())

	wtxn, err = s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.DeleteOp(customer(1, "west", 30, ""))))
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	_, ok, err := c.Get(rtxn, []types.Field{types.UIntField(1)})
	require.NoError(t, err)
	assert.False(t, ok)

	results, err := c.Run(rtxn, Query{Index: 0, EqValues: []types.Field{types.StringField("west")}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCacheDeleteIsIdempotent(t *testing.T) {
	c, s := newTestCache(t, nil)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	// Deleting a row that was never inserted must not error.
	require.NoError(t, c.ApplyOperation(wtxn, types.DeleteOp(customer(99, "west", 1, ""))))
	require.NoError(t, wtxn.Commit())
}

func TestCacheSortedInvertedRangeQuery(t *testing.T) {
	idx := []types.IndexDefinition{{Kind: types.IndexSortedInverted, Fields: []int{1, 2}}}
	c, s := newTestCache(t, idx)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(1, "west", 20, ""))))
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(2, "west", 30, ""))))
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(3, "west", 40, ""))))
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(4, "east", 99, ""))))
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	rangeVal := types.IntField(25)
	results, err := c.Run(rtxn, Query{
		Index:    0,
		EqValues: []types.Field{types.StringField("west")},
		RangeOp:  RangeGte,
		RangeVal: &rangeVal,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(30), results[0].Values[2].Int)
	assert.Equal(t, int64(40), results[1].Values[2].Int)
}

func TestCacheCountMatchesRunLength(t *testing.T) {
	idx := []types.IndexDefinition{{Kind: types.IndexSortedInverted, Fields: []int{1}}}
	c, s := newTestCache(t, idx)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(1, "west", 20, ""))))
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(2, "west", 30, ""))))
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	q := Query{Index: 0, EqValues: []types.Field{types.StringField("west")}}
	n, err := c.Count(rtxn, q)
	require.NoError(t, err)
	results, err := c.Run(rtxn, q)
	require.NoError(t, err)
	assert.Equal(t, len(results), n)
}

func TestCacheFullTextQueryDedupesRepeatedWords(t *testing.T) {
	idx := []types.IndexDefinition{{Kind: types.IndexFullText, Fields: []int{3}}}
	c, s := newTestCache(t, idx)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	// "go go go" must only produce one index entry for "go", not three.
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(1, "west", 20, "go go go"))))
	require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(2, "west", 30, "rust programming"))))
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	results, err := c.RunFullText(rtxn, 0, "go", Skip{}, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = c.RunFullText(rtxn, 0, "rust", Skip{}, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestCacheSkipAndLimit(t *testing.T) {
	idx := []types.IndexDefinition{{Kind: types.IndexSortedInverted, Fields: []int{1}}}
	c, s := newTestCache(t, idx)

	wtxn, err := s.BeginWrite()
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, c.ApplyOperation(wtxn, types.InsertOp(customer(i, "west", int64(i), ""))))
	}
	require.NoError(t, wtxn.Commit())

	rtxn, err := s.BeginRead()
	require.NoError(t, err)
	defer rtxn.Rollback()

	limit := 2
	results, err := c.Run(rtxn, Query{
		Index:    0,
		EqValues: []types.Field{types.StringField("west")},
		Skip:     Skip{Kind: SkipN, N: 1},
		Limit:    &limit,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].Values[2].Int)
	assert.Equal(t, int64(3), results[1].Values[2].Int)
}
