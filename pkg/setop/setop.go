// Package setop implements the engine's set operators (spec.md §4.6):
// UNION, UNION ALL, INTERSECT and EXCEPT over two input streams.
//
// UNION ALL is stateless and has no type here — callers just fan both
// inputs' operations straight through. UNION/INTERSECT/EXCEPT keep a
// per-distinct-tuple multiset count for each side, keyed by row-hash plus
// the full encoded tuple for collision safety (spec.md's own phrasing),
// grounded on the same occurrence-count idiom pkg/agg's MinMaxKernel uses
// for per-distinct-value state (here read and written by point lookups,
// with no cursor scan), and on the
// two-input union/orders fixture in
// dozer-sql/src/pipeline/product/tests/set_operator_test.rs.
package setop

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/streamrunner/pkg/codec"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

// Kind selects which set operator semantics govern presence transitions.
type Kind int

const (
	Union Kind = iota
	Intersect
	Except
)

// Side identifies which input a tuple arrived on.
type Side int

const (
	Left Side = iota
	Right
)

// SetOp tracks per-tuple left/right occurrence counts in DB and emits
// Insert/Delete deltas on the operator's own presence transitions, per
// spec.md §4.6's three rules.
type SetOp struct {
	DB   string
	Kind Kind
}

func encodeTuple(tuple []types.Field) []byte {
	var out []byte
	for _, f := range tuple {
		out = codec.EncodeField(out, f)
	}
	return out
}

// key hashes the encoded tuple for a short fixed-width prefix, then
// appends the full encoding so two distinct tuples that collide on hash
// still land at different keys.
func (s *SetOp) key(tuple []types.Field) []byte {
	enc := encodeTuple(tuple)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64(enc))
	return append(buf[:], enc...)
}

func (s *SetOp) counts(txn storage.WriteTxn, key []byte) (left, right uint64, err error) {
	v, err := txn.Get(s.DB, key)
	if err != nil || v == nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint64(v[0:8]), binary.BigEndian.Uint64(v[8:16]), nil
}

func (s *SetOp) store(txn storage.WriteTxn, key []byte, left, right uint64) error {
	if left == 0 && right == 0 {
		return txn.Del(s.DB, key)
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], left)
	binary.BigEndian.PutUint64(buf[8:16], right)
	return txn.Put(s.DB, key, buf[:])
}

func bump(count uint64, delta int64) uint64 {
	if delta < 0 {
		if uint64(-delta) > count {
			return 0
		}
		return count - uint64(-delta)
	}
	return count + uint64(delta)
}

func presence(k Kind, left, right uint64) bool {
	switch k {
	case Union:
		return left > 0 || right > 0
	case Intersect:
		if left < right {
			return left > 0
		}
		return right > 0
	case Except:
		return left > right
	default:
		return false
	}
}

// applyDelta adjusts one side's count by delta and returns the output
// operation to emit, or nil if the operator's overall presence for this
// tuple did not change.
func (s *SetOp) applyDelta(txn storage.WriteTxn, side Side, tuple []types.Field, delta int64) (*types.Operation, error) {
	key := s.key(tuple)
	left, right, err := s.counts(txn, key)
	if err != nil {
		return nil, err
	}
	before := presence(s.Kind, left, right)

	if side == Left {
		left = bump(left, delta)
	} else {
		right = bump(right, delta)
	}
	if err := s.store(txn, key, left, right); err != nil {
		return nil, err
	}

	after := presence(s.Kind, left, right)
	if before == after {
		return nil, nil
	}
	rec := &types.Record{Values: tuple}
	if after {
		op := types.InsertOp(rec)
		return &op, nil
	}
	op := types.DeleteOp(rec)
	return &op, nil
}

// Apply folds one input operation from side into the operator's state,
// projecting the record through tupleOf (the set operator's select list),
// and returns the output deltas to forward. An Update is treated as a
// retraction of its old tuple followed by an insertion of its new one,
// since set membership is evaluated per projected tuple, not per source
// row identity.
func (s *SetOp) Apply(txn storage.WriteTxn, side Side, op types.Operation, tupleOf func(*types.Record) []types.Field) ([]types.Operation, error) {
	var out []types.Operation
	switch op.Kind {
	case types.OperationInsert:
		res, err := s.applyDelta(txn, side, tupleOf(op.New), 1)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	case types.OperationDelete:
		res, err := s.applyDelta(txn, side, tupleOf(op.Old), -1)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	case types.OperationUpdate:
		res, err := s.applyDelta(txn, side, tupleOf(op.Old), -1)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
		res, err = s.applyDelta(txn, side, tupleOf(op.New), 1)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}
