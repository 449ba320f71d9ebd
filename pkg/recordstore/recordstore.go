// Package recordstore persists per-edge record history so downstream
// processors can look up prior values (spec.md §4.2). Every stateful
// output port owns one RecordWriter, participating in the same write
// transaction as the node's operator state so record history and state
// commit atomically.
package recordstore

import (
	"bytes"
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/cuemby/streamrunner/pkg/codec"
	"github.com/cuemby/streamrunner/pkg/storage"
	"github.com/cuemby/streamrunner/pkg/types"
)

var mpHandle msgpack.MsgpackHandle

// RecordWriter persists op and returns the (possibly rewritten) op to
// forward downstream, per spec.md §4.2: "the writer mutates the op before
// forwarding when a downstream needs historical context".
type RecordWriter interface {
	Write(txn storage.WriteTxn, op types.Operation) (types.Operation, error)
}

// EncodeRecord msgpack-encodes a record for storage. Shared with pkg/cache
// so the primary store uses the same wire format as record history.
func EncodeRecord(r *types.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, &mpHandle)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("recordstore: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(b []byte) (*types.Record, error) {
	var r types.Record
	dec := msgpack.NewDecoder(bytes.NewReader(b), &mpHandle)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("recordstore: decode record: %w", err)
	}
	return &r, nil
}

func encodeRecord(r *types.Record) ([]byte, error) { return EncodeRecord(r) }
func decodeRecord(b []byte) (*types.Record, error) { return DecodeRecord(b) }

func primaryKey(s *types.Schema, r *types.Record) []byte {
	var key []byte
	for _, f := range r.PrimaryKeyValues(s) {
		key = codec.EncodeField(key, f)
	}
	return key
}

// PKWriter retains the latest value per primary key, per spec.md §4.2
// "Primary-key retention". It backfills Operation.Old from the stored
// previous value when an Update or Delete arrives without one (a
// connector need only send the new row), and rewrites its entry on
// Update or removes it on Delete.
type PKWriter struct {
	DB     string
	Schema *types.Schema
}

func (w *PKWriter) Write(txn storage.WriteTxn, op types.Operation) (types.Operation, error) {
	switch op.Kind {
	case types.OperationInsert:
		key := primaryKey(w.Schema, op.New)
		val, err := encodeRecord(op.New)
		if err != nil {
			return op, err
		}
		if err := txn.Put(w.DB, key, val); err != nil {
			return op, err
		}
		return op, nil

	case types.OperationUpdate:
		key := primaryKey(w.Schema, op.New)
		if op.Old == nil {
			old, err := w.lookup(txn, key)
			if err != nil {
				return op, err
			}
			op.Old = old
		}
		val, err := encodeRecord(op.New)
		if err != nil {
			return op, err
		}
		if err := txn.Put(w.DB, key, val); err != nil {
			return op, err
		}
		return op, nil

	case types.OperationDelete:
		key := primaryKey(w.Schema, op.Old)
		if op.Old == nil || len(op.Old.Values) < len(w.Schema.Fields) {
			old, err := w.lookup(txn, key)
			if err != nil {
				return op, err
			}
			if old != nil {
				op.Old = old
			}
		}
		if err := txn.Del(w.DB, key); err != nil {
			return op, err
		}
		return op, nil

	default:
		return op, fmt.Errorf("recordstore: unknown operation kind %v", op.Kind)
	}
}

func (w *PKWriter) lookup(txn storage.WriteTxn, key []byte) (*types.Record, error) {
	v, err := txn.Get(w.DB, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return decodeRecord(v)
}

// AutogenWriter buffers operations by an internally assigned surrogate id
// for streams without a primary key, keeping only a bounded trailing
// window (spec.md §4.2 "Autogen surrogate"), enough for a join to look up
// recent rows on the other side of the edge.
type AutogenWriter struct {
	DB         string
	CounterKey []byte
	Window     uint64
}

var defaultCounterKey = []byte("_seq")

func (w *AutogenWriter) counterKey() []byte {
	if w.CounterKey != nil {
		return w.CounterKey
	}
	return defaultCounterKey
}

func (w *AutogenWriter) nextID(txn storage.WriteTxn) (uint64, error) {
	ck := w.counterKey()
	v, err := txn.Get(w.DB, ck)
	if err != nil {
		return 0, err
	}
	var id uint64
	if v != nil {
		id = codec.DecodeCounter(v)
	}
	id++
	if err := txn.Put(w.DB, ck, codec.EncodeCounter(id)); err != nil {
		return 0, err
	}
	return id, nil
}

func (w *AutogenWriter) Write(txn storage.WriteTxn, op types.Operation) (types.Operation, error) {
	if op.Kind != types.OperationInsert {
		// Autogen streams carry no primary key to correlate an update or
		// delete against, so there is nothing to retain beyond the
		// window; forward unchanged.
		return op, nil
	}

	id, err := w.nextID(txn)
	if err != nil {
		return op, err
	}
	key := codec.EncodeCounter(id)
	val, err := encodeRecord(op.New)
	if err != nil {
		return op, err
	}
	if err := txn.Put(w.DB, key, val); err != nil {
		return op, err
	}
	if w.Window > 0 && id > w.Window {
		if err := txn.Del(w.DB, codec.EncodeCounter(id-w.Window)); err != nil {
			return op, err
		}
	}
	return op, nil
}
