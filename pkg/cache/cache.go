// Package cache implements the engine's materialized view (spec.md §4.7):
// a primary record store, a primary-key index and one sub-database per
// declared secondary index, all updated atomically in a single write
// transaction per record change.
//
// It is grounded on cuemby-warren's pkg/storage/boltdb.go for the
// transactional multi-bucket write shape and on dozer-cache's lmdb
// indexer (build_indexes/delete_indexes, one database per
// IndexDefinition, SortedInverted vs FullText handling).
package cache

import (
	"bytes"
	"fmt"

	"github.com/cuemby/streamrunner/pkg/codec"
	"github.com/cuemby/streamrunner/pkg/errs"
	"github.com/cuemby/streamrunner/pkg/recordstore"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

// Cache is a materialized view over one schema.
type Cache struct {
	store   storage.Store
	schema  *types.Schema
	indexes []types.IndexDefinition

	primaryDB string
	pkDB      string
	indexDBs  []string
}

// New builds a Cache for schema, backed by store, with the given
// secondary indexes. requireIndexes mirrors dozer-cache's
// MissingSecondaryIndexes guard: set it when the caller's configuration
// declares this schema must have secondary indexes, so an empty list at
// construction time is a misconfiguration rather than "no indexes".
func New(store storage.Store, schema *types.Schema, indexes []types.IndexDefinition, requireIndexes bool) (*Cache, error) {
	if requireIndexes && len(indexes) == 0 {
		return nil, errs.ErrMissingSecondaryIndexes
	}
	c := &Cache{
		store:     store,
		schema:    schema,
		indexes:   indexes,
		primaryDB: "cache:" + schema.Name + ":primary",
		pkDB:      "cache:" + schema.Name + ":pk",
	}
	c.indexDBs = make([]string, len(indexes))
	for i := range indexes {
		c.indexDBs[i] = fmt.Sprintf("cache:%s:idx:%d", schema.Name, i)
	}
	return c, nil
}

// DBConfigs lists the sub-databases this cache needs, for wiring into
// storage.Open's setup call.
func (c *Cache) DBConfigs() []storage.DBConfig {
	cfgs := []storage.DBConfig{
		{Name: c.primaryDB},
		{Name: c.pkDB},
	}
	for _, db := range c.indexDBs {
		cfgs = append(cfgs, storage.DBConfig{Name: db, DupSort: true})
	}
	return cfgs
}

func (c *Cache) pkOf(r *types.Record) []byte {
	var key []byte
	for _, f := range r.PrimaryKeyValues(c.schema) {
		key = codec.EncodeField(key, f)
	}
	return key
}

// ApplyOperation applies an Insert, Update or Delete to the cache in one
// atomic transaction, the cache-sink's write path.
func (c *Cache) ApplyOperation(txn storage.WriteTxn, op types.Operation) error {
	switch op.Kind {
	case types.OperationInsert:
		return c.insert(txn, op.New)
	case types.OperationUpdate:
		return c.update(txn, op.Old, op.New)
	case types.OperationDelete:
		return c.delete(txn, op.Old)
	default:
		return fmt.Errorf("cache: unknown operation kind %v", op.Kind)
	}
}

func (c *Cache) insert(txn storage.WriteTxn, r *types.Record) error {
	id, err := c.nextID(txn)
	if err != nil {
		return err
	}
	if err := c.putPrimary(txn, id, r); err != nil {
		return err
	}
	pk := c.pkOf(r)
	if err := txn.Put(c.pkDB, pk, codec.EncodeCounter(id)); err != nil {
		return err
	}
	return c.addIndexes(txn, r, id)
}

func (c *Cache) update(txn storage.WriteTxn, old, new *types.Record) error {
	pk := c.pkOf(new)
	idBytes, err := txn.Get(c.pkDB, pk)
	if err != nil {
		return err
	}
	if idBytes == nil {
		// No prior row under this PK: treat like an insert (idempotent
		// replace after a crash-recovery replay).
		return c.insert(txn, new)
	}
	id := codec.DecodeCounter(idBytes)

	if old == nil {
		old, err = c.getByID(txn, id)
		if err != nil {
			return err
		}
	}
	if old != nil {
		if err := c.diffIndexes(txn, old, new, id); err != nil {
			return err
		}
	} else if err := c.addIndexes(txn, new, id); err != nil {
		return err
	}
	return c.putPrimary(txn, id, new)
}

func (c *Cache) delete(txn storage.WriteTxn, old *types.Record) error {
	pk := c.pkOf(old)
	idBytes, err := txn.Get(c.pkDB, pk)
	if err != nil {
		return err
	}
	if idBytes == nil {
		return nil // already absent: idempotent delete
	}
	id := codec.DecodeCounter(idBytes)

	if len(old.Values) == 0 {
		full, err := c.getByID(txn, id)
		if err != nil {
			return err
		}
		if full != nil {
			old = full
		}
	}
	if err := c.removeIndexes(txn, old, id); err != nil {
		return err
	}
	if err := txn.Del(c.pkDB, pk); err != nil {
		return err
	}
	return txn.Del(c.primaryDB, codec.EncodeCounter(id))
}

func (c *Cache) addIndexes(txn storage.WriteTxn, r *types.Record, id uint64) error {
	idb := codec.EncodeCounter(id)
	for i := range c.indexes {
		idx := &c.indexes[i]
		switch idx.Kind {
		case types.IndexSortedInverted:
			key, err := buildSortedInverted(idx, r.Values)
			if err != nil {
				return err
			}
			if err := txn.DupPut(c.indexDBs[i], key, idb); err != nil {
				return err
			}
		case types.IndexFullText:
			words, err := buildFullText(idx.Fields[0], r.Values)
			if err != nil {
				return err
			}
			for _, w := range words {
				if err := txn.DupPut(c.indexDBs[i], fullTextKey(w), idb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Cache) removeIndexes(txn storage.WriteTxn, r *types.Record, id uint64) error {
	idb := codec.EncodeCounter(id)
	for i := range c.indexes {
		idx := &c.indexes[i]
		switch idx.Kind {
		case types.IndexSortedInverted:
			key, err := buildSortedInverted(idx, r.Values)
			if err != nil {
				return err
			}
			if err := txn.DupDel(c.indexDBs[i], key, idb); err != nil {
				return err
			}
		case types.IndexFullText:
			words, err := buildFullText(idx.Fields[0], r.Values)
			if err != nil {
				return err
			}
			for _, w := range words {
				if err := txn.DupDel(c.indexDBs[i], fullTextKey(w), idb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// diffIndexes rewrites only the index entries that actually changed
// between old and new, rather than a blanket removeIndexes+addIndexes:
// a SortedInverted key that encodes identically for both records is left
// untouched, and a FullText field only has its added/removed words
// touched rather than every word being deleted and reinserted.
func (c *Cache) diffIndexes(txn storage.WriteTxn, old, new *types.Record, id uint64) error {
	idb := codec.EncodeCounter(id)
	for i := range c.indexes {
		idx := &c.indexes[i]
		switch idx.Kind {
		case types.IndexSortedInverted:
			oldKey, err := buildSortedInverted(idx, old.Values)
			if err != nil {
				return err
			}
			newKey, err := buildSortedInverted(idx, new.Values)
			if err != nil {
				return err
			}
			if bytes.Equal(oldKey, newKey) {
				continue
			}
			if err := txn.DupDel(c.indexDBs[i], oldKey, idb); err != nil {
				return err
			}
			if err := txn.DupPut(c.indexDBs[i], newKey, idb); err != nil {
				return err
			}
		case types.IndexFullText:
			oldWords, err := buildFullText(idx.Fields[0], old.Values)
			if err != nil {
				return err
			}
			newWords, err := buildFullText(idx.Fields[0], new.Values)
			if err != nil {
				return err
			}
			newSet := make(map[string]struct{}, len(newWords))
			for _, w := range newWords {
				newSet[w] = struct{}{}
			}
			oldSet := make(map[string]struct{}, len(oldWords))
			for _, w := range oldWords {
				oldSet[w] = struct{}{}
			}
			for _, w := range oldWords {
				if _, keep := newSet[w]; keep {
					continue
				}
				if err := txn.DupDel(c.indexDBs[i], fullTextKey(w), idb); err != nil {
					return err
				}
			}
			for _, w := range newWords {
				if _, existed := oldSet[w]; existed {
					continue
				}
				if err := txn.DupPut(c.indexDBs[i], fullTextKey(w), idb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Cache) putPrimary(txn storage.WriteTxn, id uint64, r *types.Record) error {
	val, err := recordstore.EncodeRecord(r)
	if err != nil {
		return err
	}
	return txn.Put(c.primaryDB, codec.EncodeCounter(id), val)
}

func (c *Cache) nextID(txn storage.WriteTxn) (uint64, error) {
	v, err := txn.Get(c.primaryDB, seqKey)
	if err != nil {
		return 0, err
	}
	var id uint64
	if v != nil {
		id = codec.DecodeCounter(v)
	}
	id++
	if err := txn.Put(c.primaryDB, seqKey, codec.EncodeCounter(id)); err != nil {
		return 0, err
	}
	return id, nil
}

var seqKey = []byte("_seq")

func (c *Cache) getByID(txn storage.ReadTxn, id uint64) (*types.Record, error) {
	v, err := txn.Get(c.primaryDB, codec.EncodeCounter(id))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return recordstore.DecodeRecord(v)
}

// Get returns the record for the given primary key values, or
// (nil, false, nil) if no such row exists.
func (c *Cache) Get(txn storage.ReadTxn, pkValues []types.Field) (*types.Record, bool, error) {
	var key []byte
	for _, f := range pkValues {
		key = codec.EncodeField(key, f)
	}
	idBytes, err := txn.Get(c.pkDB, key)
	if err != nil {
		return nil, false, err
	}
	if idBytes == nil {
		return nil, false, nil
	}
	r, err := c.getByID(txn, codec.DecodeCounter(idBytes))
	if err != nil {
		return nil, false, err
	}
	return r, r != nil, nil
}

// RangeOp names the comparison applied to the field following the
// equality prefix in a SortedInverted query.
type RangeOp int

const (
	RangeNone RangeOp = iota
	RangeLt
	RangeLte
	RangeGt
	RangeGte
)

// SkipKind selects between the two skip semantics spec.md §4.7 describes.
type SkipKind int

const (
	SkipNone SkipKind = iota
	SkipN
	SkipAfter
)

// Skip is the query planner's skip directive.
type Skip struct {
	Kind  SkipKind
	N     int
	After uint64
}

// Query is a predicate against one SortedInverted secondary index: exact
// match on EqValues (a prefix of idx.Fields), optionally followed by a
// range comparison against RangeVal on the field immediately after the
// equality prefix.
type Query struct {
	Index     int
	EqValues  []types.Field
	RangeOp   RangeOp
	RangeVal  *types.Field
	Skip      Skip
	Limit     *int
}

func (c *Cache) sortedInvertedIDs(txn storage.ReadTxn, q Query) ([]uint64, error) {
	idx := &c.indexes[q.Index]
	if idx.Kind != types.IndexSortedInverted {
		return nil, errs.ErrFieldNotCompatible
	}

	dc, err := txn.DupCursor(c.indexDBs[q.Index])
	if err != nil {
		return nil, err
	}
	defer dc.Close()

	prefixVals := make([]types.Field, len(q.EqValues))
	copy(prefixVals, q.EqValues)
	prefix, err := sortedInvertedPrefix(idx, prefixVals, len(prefixVals))
	if err != nil {
		return nil, err
	}

	var lowBound []byte
	if q.RangeOp == RangeGt || q.RangeOp == RangeGte {
		full := append([]types.Field{}, q.EqValues...)
		full = append(full, *q.RangeVal)
		lowBound, err = encodeIndexKey(idx, full, len(full))
		if err != nil {
			return nil, err
		}
	}

	seekKey := prefix
	if lowBound != nil {
		seekKey = lowBound
	}

	var ids []uint64
	k, v, err := dc.Seek(seekKey)
	if err != nil {
		return nil, err
	}
	for k != nil {
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if q.RangeOp == RangeGt && bytes.Equal(k, lowBound) {
			k, v, err = dc.Next()
			if err != nil {
				return nil, err
			}
			continue
		}
		if (q.RangeOp == RangeLt || q.RangeOp == RangeLte) && q.RangeVal != nil {
			full := append([]types.Field{}, q.EqValues...)
			full = append(full, *q.RangeVal)
			highBound, err := encodeIndexKey(idx, full, len(full))
			if err != nil {
				return nil, err
			}
			cmp := bytes.Compare(k, highBound)
			if cmp > 0 || (cmp == 0 && q.RangeOp == RangeLt) {
				break
			}
		}
		ids = append(ids, codec.DecodeCounter(v))
		k, v, err = dc.Next()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// fullTextIDs returns record ids whose indexed field contains word.
func (c *Cache) fullTextIDs(txn storage.ReadTxn, index int, word string) ([]uint64, error) {
	idx := &c.indexes[index]
	if idx.Kind != types.IndexFullText {
		return nil, errs.ErrFieldNotCompatible
	}
	dc, err := txn.DupCursor(c.indexDBs[index])
	if err != nil {
		return nil, err
	}
	defer dc.Close()

	key := fullTextKey(word)
	var ids []uint64
	k, v, err := dc.Seek(key)
	if err != nil {
		return nil, err
	}
	for k != nil && bytes.Equal(k, key) {
		ids = append(ids, codec.DecodeCounter(v))
		k, v, err = dc.Next()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func applySkipLimit(ids []uint64, skip Skip, limit *int) []uint64 {
	switch skip.Kind {
	case SkipN:
		if skip.N >= len(ids) {
			ids = nil
		} else {
			ids = ids[skip.N:]
		}
	case SkipAfter:
		idx := -1
		for i, id := range ids {
			if id == skip.After {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil
		}
		ids = ids[idx+1:]
	}
	if limit != nil && len(ids) > *limit {
		ids = ids[:*limit]
	}
	return ids
}

// Run executes q against a SortedInverted index and dereferences matches
// through the primary store.
func (c *Cache) Run(txn storage.ReadTxn, q Query) ([]*types.Record, error) {
	ids, err := c.sortedInvertedIDs(txn, q)
	if err != nil {
		return nil, err
	}
	ids = applySkipLimit(ids, q.Skip, q.Limit)
	out := make([]*types.Record, 0, len(ids))
	for _, id := range ids {
		r, err := c.getByID(txn, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// RunFullText executes a contains(word) query against a FullText index.
func (c *Cache) RunFullText(txn storage.ReadTxn, index int, word string, skip Skip, limit *int) ([]*types.Record, error) {
	ids, err := c.fullTextIDs(txn, index, word)
	if err != nil {
		return nil, err
	}
	ids = applySkipLimit(ids, skip, limit)
	out := make([]*types.Record, 0, len(ids))
	for _, id := range ids {
		r, err := c.getByID(txn, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Count returns min(all-skip, limit) for q without materializing records,
// per spec.md §4.7.
func (c *Cache) Count(txn storage.ReadTxn, q Query) (int, error) {
	ids, err := c.sortedInvertedIDs(txn, q)
	if err != nil {
		return 0, err
	}
	ids = applySkipLimit(ids, q.Skip, q.Limit)
	return len(ids), nil
}
