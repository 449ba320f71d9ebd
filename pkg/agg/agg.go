// Package agg implements the engine's stateful aggregation operators
// (spec.md §4.5): SUM, MIN, MAX, COUNT, AVG, one instance per (group-by
// key, aggregated field) pair, each keeping its state in its own
// transactional sub-database.
//
// Grounded on dozer-sql's max.rs (occurrence-count table keyed by value,
// cursor last() recompute for MAX / first() for MIN) and
// aggregation_null.rs (empty group recomputes to Null, not a type-level
// sentinel). Unlike the original, MIN/MAX here is generic across every
// Field type rather than branching per FieldType, because pkg/codec's
// order-preserving encoding makes "first/last in byte order" equivalent
// to "min/max in natural order" for any type — one cursor-based kernel
// instead of one hand-written comparator per type.
package agg

import (
	"bytes"
	"fmt"
	"math"

	"github.com/cuemby/streamrunner/pkg/codec"
	"github.com/cuemby/streamrunner/pkg/errs"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

// Kernel is the per-type, per-function aggregation contract: model every
// aggregator as one operator skeleton parameterized by this interface
// (spec.md §9 design note).
type Kernel interface {
	// Insert folds new into the group's state (after the driver has
	// already incremented the group's row count to count) and returns
	// the recomputed result.
	Insert(txn storage.WriteTxn, groupKey []byte, new types.Field, count uint64) (types.Field, error)
	// Delete retracts old from the group's state (count is the row count
	// after the driver's decrement; 0 means the group is now empty).
	Delete(txn storage.WriteTxn, groupKey []byte, old types.Field, count uint64) (types.Field, error)
	// Update replaces old with new within the same group (count is
	// unchanged, the row stays in the group).
	Update(txn storage.WriteTxn, groupKey []byte, old, new types.Field, count uint64) (types.Field, error)
}

// Lifecycle tags what kind of output row an Apply call produced, per
// spec.md §4.5's group-key lifecycle rule.
type Lifecycle int

const (
	LifecycleInsert Lifecycle = iota
	LifecycleUpdate
	LifecycleDelete
)

// Group drives one Kernel through the group-count lifecycle: insert when
// a group's count goes 0→1, delete when it goes to 0, update otherwise.
// Group owns the row-count sub-database; the Kernel owns whatever state
// it needs for its own recomputation.
type Group struct {
	CountDB string
	Kernel  Kernel
}

func (g *Group) rowCount(txn storage.WriteTxn, groupKey []byte) (uint64, error) {
	v, err := txn.Get(g.CountDB, groupKey)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return codec.DecodeCounter(v), nil
}

func (g *Group) setRowCount(txn storage.WriteTxn, groupKey []byte, n uint64) error {
	if n == 0 {
		return txn.Del(g.CountDB, groupKey)
	}
	return txn.Put(g.CountDB, groupKey, codec.EncodeCounter(n))
}

// ApplyInsert folds a new row with value val into groupKey's aggregate.
func (g *Group) ApplyInsert(txn storage.WriteTxn, groupKey []byte, val types.Field) (types.Field, Lifecycle, error) {
	cnt, err := g.rowCount(txn, groupKey)
	if err != nil {
		return types.Field{}, 0, err
	}
	cnt++
	if err := g.setRowCount(txn, groupKey, cnt); err != nil {
		return types.Field{}, 0, err
	}
	result, err := g.Kernel.Insert(txn, groupKey, val, cnt)
	if err != nil {
		return types.Field{}, 0, err
	}
	if cnt == 1 {
		return result, LifecycleInsert, nil
	}
	return result, LifecycleUpdate, nil
}

// ApplyDelete retracts a row with value val from groupKey's aggregate.
func (g *Group) ApplyDelete(txn storage.WriteTxn, groupKey []byte, val types.Field) (types.Field, Lifecycle, error) {
	cnt, err := g.rowCount(txn, groupKey)
	if err != nil {
		return types.Field{}, 0, err
	}
	if cnt > 0 {
		cnt--
	}
	if err := g.setRowCount(txn, groupKey, cnt); err != nil {
		return types.Field{}, 0, err
	}
	result, err := g.Kernel.Delete(txn, groupKey, val, cnt)
	if err != nil {
		return types.Field{}, 0, err
	}
	if cnt == 0 {
		return result, LifecycleDelete, nil
	}
	return result, LifecycleUpdate, nil
}

// ApplyUpdate replaces old with new within the same group.
func (g *Group) ApplyUpdate(txn storage.WriteTxn, groupKey []byte, old, new types.Field) (types.Field, Lifecycle, error) {
	cnt, err := g.rowCount(txn, groupKey)
	if err != nil {
		return types.Field{}, 0, err
	}
	result, err := g.Kernel.Update(txn, groupKey, old, new, cnt)
	if err != nil {
		return types.Field{}, 0, err
	}
	return result, LifecycleUpdate, nil
}

// --- MIN / MAX ---

// MinMaxKernel maintains an occurrence-count table keyed by
// groupKey||value_encoding (spec.md §4.5) and recomputes by seeking the
// cursor's first (MIN) or last (MAX) entry under that group's prefix.
type MinMaxKernel struct {
	DB        string
	ValueType types.FieldType
	Max       bool
}

func (k *MinMaxKernel) bump(txn storage.WriteTxn, groupKey []byte, val types.Field, delta int64) error {
	key := append(append([]byte{}, groupKey...), codec.EncodeField(nil, val)...)
	v, err := txn.Get(k.DB, key)
	if err != nil {
		return err
	}
	var cnt int64
	if v != nil {
		cnt = int64(codec.DecodeCounter(v))
	}
	cnt += delta
	if cnt <= 0 {
		return txn.Del(k.DB, key)
	}
	return txn.Put(k.DB, key, codec.EncodeCounter(uint64(cnt)))
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func (k *MinMaxKernel) recompute(txn storage.WriteTxn, groupKey []byte) (types.Field, error) {
	cur, err := txn.Cursor(k.DB)
	if err != nil {
		return types.Field{}, err
	}
	defer cur.Close()

	var key []byte
	if k.Max {
		upper := prefixUpperBound(groupKey)
		if upper == nil {
			key, _, err = cur.Last()
		} else {
			var k2 []byte
			k2, _, err = cur.Seek(upper)
			if err != nil {
				return types.Field{}, err
			}
			if k2 == nil {
				key, _, err = cur.Last()
			} else {
				key, _, err = cur.Prev()
			}
		}
	} else {
		key, _, err = cur.Seek(groupKey)
	}
	if err != nil {
		return types.Field{}, err
	}
	if key == nil || !bytes.HasPrefix(key, groupKey) {
		return types.NullField(), nil
	}
	f, _, err := codec.DecodeField(key[len(groupKey):], k.ValueType)
	if err != nil {
		return types.Field{}, err
	}
	return f, nil
}

func (k *MinMaxKernel) Insert(txn storage.WriteTxn, groupKey []byte, new types.Field, _ uint64) (types.Field, error) {
	if err := k.bump(txn, groupKey, new, 1); err != nil {
		return types.Field{}, err
	}
	return k.recompute(txn, groupKey)
}

func (k *MinMaxKernel) Delete(txn storage.WriteTxn, groupKey []byte, old types.Field, _ uint64) (types.Field, error) {
	if err := k.bump(txn, groupKey, old, -1); err != nil {
		return types.Field{}, err
	}
	return k.recompute(txn, groupKey)
}

func (k *MinMaxKernel) Update(txn storage.WriteTxn, groupKey []byte, old, new types.Field, _ uint64) (types.Field, error) {
	if err := k.bump(txn, groupKey, old, -1); err != nil {
		return types.Field{}, err
	}
	if err := k.bump(txn, groupKey, new, 1); err != nil {
		return types.Field{}, err
	}
	return k.recompute(txn, groupKey)
}

// --- SUM / AVG / COUNT ---

// SumKernel keeps a single running aggregate per group rather than
// dozer-sql's per-distinct-value table, since SUM/AVG need only the
// total, not the set of contributing values.
type SumKernel struct {
	DB        string
	ValueType types.FieldType // UInt, Int or Float
}

func zeroOf(ft types.FieldType) (types.Field, error) {
	switch ft {
	case types.FieldTypeUInt:
		return types.UIntField(0), nil
	case types.FieldTypeInt:
		return types.IntField(0), nil
	case types.FieldTypeFloat:
		return types.FloatField(0), nil
	default:
		return types.Field{}, fmt.Errorf("agg: sum/avg unsupported for %v: %w", ft, errs.ErrInvalidOperandType)
	}
}

func addField(a, b types.Field, negateB bool) (types.Field, error) {
	switch a.Type {
	case types.FieldTypeUInt:
		delta := b.UInt
		if negateB {
			if delta > a.UInt {
				return types.Field{}, errs.ErrNumericOverflow
			}
			return types.UIntField(a.UInt - delta), nil
		}
		sum := a.UInt + delta
		if sum < a.UInt {
			return types.Field{}, errs.ErrNumericOverflow
		}
		return types.UIntField(sum), nil
	case types.FieldTypeInt:
		delta := b.Int
		if negateB {
			delta = -delta
		}
		sum := a.Int + delta
		if (delta > 0 && sum < a.Int) || (delta < 0 && sum > a.Int) {
			return types.Field{}, errs.ErrNumericOverflow
		}
		return types.IntField(sum), nil
	case types.FieldTypeFloat:
		delta := b.Float
		if negateB {
			delta = -delta
		}
		sum := a.Float + delta
		if math.IsInf(sum, 0) && !math.IsInf(a.Float, 0) && !math.IsInf(b.Float, 0) {
			return types.Field{}, errs.ErrNumericOverflow
		}
		return types.FloatField(sum), nil
	default:
		return types.Field{}, fmt.Errorf("agg: unsupported sum operand %v: %w", a.Type, errs.ErrInvalidOperandType)
	}
}

func (k *SumKernel) load(txn storage.WriteTxn, groupKey []byte) (types.Field, error) {
	v, err := txn.Get(k.DB, groupKey)
	if err != nil {
		return types.Field{}, err
	}
	if v == nil {
		return zeroOf(k.ValueType)
	}
	f, _, err := codec.DecodeField(v, k.ValueType)
	return f, err
}

func (k *SumKernel) store(txn storage.WriteTxn, groupKey []byte, f types.Field) error {
	return txn.Put(k.DB, groupKey, codec.EncodeField(nil, f))
}

func (k *SumKernel) Insert(txn storage.WriteTxn, groupKey []byte, new types.Field, _ uint64) (types.Field, error) {
	cur, err := k.load(txn, groupKey)
	if err != nil {
		return types.Field{}, err
	}
	sum, err := addField(cur, new, false)
	if err != nil {
		return types.Field{}, err
	}
	return sum, k.store(txn, groupKey, sum)
}

func (k *SumKernel) Delete(txn storage.WriteTxn, groupKey []byte, old types.Field, count uint64) (types.Field, error) {
	if count == 0 {
		return types.NullField(), txn.Del(k.DB, groupKey)
	}
	cur, err := k.load(txn, groupKey)
	if err != nil {
		return types.Field{}, err
	}
	sum, err := addField(cur, old, true)
	if err != nil {
		return types.Field{}, err
	}
	return sum, k.store(txn, groupKey, sum)
}

func (k *SumKernel) Update(txn storage.WriteTxn, groupKey []byte, old, new types.Field, _ uint64) (types.Field, error) {
	cur, err := k.load(txn, groupKey)
	if err != nil {
		return types.Field{}, err
	}
	sum, err := addField(cur, old, true)
	if err != nil {
		return types.Field{}, err
	}
	sum, err = addField(sum, new, false)
	if err != nil {
		return types.Field{}, err
	}
	return sum, k.store(txn, groupKey, sum)
}

// AvgKernel wraps a SumKernel's running total and divides by the group's
// row count, always returning a promoted Float (spec.md §4.5).
type AvgKernel struct {
	Sum *SumKernel
}

func avgOf(sum types.Field, count uint64) (types.Field, error) {
	if count == 0 {
		return types.NullField(), nil
	}
	var total float64
	switch sum.Type {
	case types.FieldTypeUInt:
		total = float64(sum.UInt)
	case types.FieldTypeInt:
		total = float64(sum.Int)
	case types.FieldTypeFloat:
		total = sum.Float
	default:
		return types.Field{}, fmt.Errorf("agg: avg unsupported operand %v: %w", sum.Type, errs.ErrInvalidOperandType)
	}
	return types.FloatField(total / float64(count)), nil
}

func (k *AvgKernel) Insert(txn storage.WriteTxn, groupKey []byte, new types.Field, count uint64) (types.Field, error) {
	sum, err := k.Sum.Insert(txn, groupKey, new, count)
	if err != nil {
		return types.Field{}, err
	}
	return avgOf(sum, count)
}

func (k *AvgKernel) Delete(txn storage.WriteTxn, groupKey []byte, old types.Field, count uint64) (types.Field, error) {
	sum, err := k.Sum.Delete(txn, groupKey, old, count)
	if err != nil {
		return types.Field{}, err
	}
	if count == 0 {
		return types.NullField(), nil
	}
	return avgOf(sum, count)
}

func (k *AvgKernel) Update(txn storage.WriteTxn, groupKey []byte, old, new types.Field, count uint64) (types.Field, error) {
	sum, err := k.Sum.Update(txn, groupKey, old, new, count)
	if err != nil {
		return types.Field{}, err
	}
	return avgOf(sum, count)
}

// CountKernel needs no storage of its own: Group already tracks each
// group's row count, which is exactly COUNT(*)'s value.
type CountKernel struct{}

func (CountKernel) Insert(_ storage.WriteTxn, _ []byte, _ types.Field, count uint64) (types.Field, error) {
	return types.UIntField(count), nil
}

func (CountKernel) Delete(_ storage.WriteTxn, _ []byte, _ types.Field, count uint64) (types.Field, error) {
	if count == 0 {
		return types.NullField(), nil
	}
	return types.UIntField(count), nil
}

func (CountKernel) Update(_ storage.WriteTxn, _ []byte, _, _ types.Field, count uint64) (types.Field, error) {
	return types.UIntField(count), nil
}
