// Package types holds the dataflow engine's data model: fields, schemas,
// records and the operations exchanged between DAG nodes. See spec.md §3.
package types

import (
	"fmt"
	"time"

	"github.com/cuemby/streamrunner/pkg/errs"
)

// FieldType tags the variant carried by a Field.
type FieldType uint8

const (
	FieldTypeNull FieldType = iota
	FieldTypeUInt
	FieldTypeInt
	FieldTypeFloat
	FieldTypeBool
	FieldTypeString
	FieldTypeText
	FieldTypeBinary
	FieldTypeDecimal
	FieldTypeTimestamp
	FieldTypeDate
	FieldTypeBson
	FieldTypePoint
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeNull:
		return "Null"
	case FieldTypeUInt:
		return "UInt"
	case FieldTypeInt:
		return "Int"
	case FieldTypeFloat:
		return "Float"
	case FieldTypeBool:
		return "Bool"
	case FieldTypeString:
		return "String"
	case FieldTypeText:
		return "Text"
	case FieldTypeBinary:
		return "Binary"
	case FieldTypeDecimal:
		return "Decimal"
	case FieldTypeTimestamp:
		return "Timestamp"
	case FieldTypeDate:
		return "Date"
	case FieldTypeBson:
		return "Bson"
	case FieldTypePoint:
		return "Point"
	default:
		return "Unknown"
	}
}

// Decimal is a 128-bit fixed-scale decimal: Unscaled * 10^-Scale.
// Unscaled is split into high/low 64-bit halves so the zero value is
// usable without external big-int allocation on the hot path.
type Decimal struct {
	Hi    int64
	Lo    uint64
	Scale uint8
}

// Point is a 2D point whose coordinates use the same NaN-free total order
// as Float.
type Point struct {
	X, Y float64
}

// Timestamp is milliseconds since the Unix epoch plus a UTC offset in
// minutes, matching spec.md's "Timestamp(ms with offset)".
type Timestamp struct {
	UnixMilli    int64
	OffsetMinute int16
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.UnixMilli).In(time.FixedZone("", int(t.OffsetMinute)*60))
}

// Date is days since the Unix epoch (1970-01-01), independent of time zone.
type Date int32

// Field is a tagged value. Only one of the typed accessors is meaningful
// for a given Type; constructors below are the supported way to build one.
type Field struct {
	Type   FieldType
	UInt   uint64
	Int    int64
	Float  float64
	Bool   bool
	Str    string // used for String, Text and Bson (JSON text)
	Bin    []byte
	Dec    Decimal
	TS     Timestamp
	Dt     Date
	Pt     Point
}

func NullField() Field                    { return Field{Type: FieldTypeNull} }
func UIntField(v uint64) Field            { return Field{Type: FieldTypeUInt, UInt: v} }
func IntField(v int64) Field              { return Field{Type: FieldTypeInt, Int: v} }
func FloatField(v float64) Field          { return Field{Type: FieldTypeFloat, Float: v} }
func BoolField(v bool) Field              { return Field{Type: FieldTypeBool, Bool: v} }
func StringField(v string) Field          { return Field{Type: FieldTypeString, Str: v} }
func TextField(v string) Field            { return Field{Type: FieldTypeText, Str: v} }
func BinaryField(v []byte) Field          { return Field{Type: FieldTypeBinary, Bin: v} }
func DecimalField(v Decimal) Field        { return Field{Type: FieldTypeDecimal, Dec: v} }
func TimestampField(v Timestamp) Field    { return Field{Type: FieldTypeTimestamp, TS: v} }
func DateField(v Date) Field              { return Field{Type: FieldTypeDate, Dt: v} }
func BsonField(v string) Field            { return Field{Type: FieldTypeBson, Str: v} }
func PointField(v Point) Field            { return Field{Type: FieldTypePoint, Pt: v} }

func (f Field) IsNull() bool { return f.Type == FieldTypeNull }

func (f Field) String() string {
	switch f.Type {
	case FieldTypeNull:
		return "null"
	case FieldTypeUInt:
		return fmt.Sprintf("%d", f.UInt)
	case FieldTypeInt:
		return fmt.Sprintf("%d", f.Int)
	case FieldTypeFloat:
		return fmt.Sprintf("%g", f.Float)
	case FieldTypeBool:
		return fmt.Sprintf("%t", f.Bool)
	case FieldTypeString, FieldTypeText, FieldTypeBson:
		return f.Str
	case FieldTypeBinary:
		return fmt.Sprintf("%x", f.Bin)
	default:
		return fmt.Sprintf("%+v", f)
	}
}

// FieldDefinition describes one column of a Schema.
type FieldDefinition struct {
	Name         string
	Type         FieldType
	Nullable     bool
	SourceOrigin string
}

// SchemaIdentifier ties a Schema to a source-assigned id/version pair.
type SchemaIdentifier struct {
	ID      uint32
	Version uint32
}

// Schema describes the shape of records flowing through one DAG edge.
type Schema struct {
	Identifier   *SchemaIdentifier
	Name         string
	Fields       []FieldDefinition
	PrimaryIndex []int
}

// Validate enforces spec.md §3's Schema invariant: primary_index positions
// are valid and refer to non-nullable columns.
func (s *Schema) Validate() error {
	for _, pos := range s.PrimaryIndex {
		if pos < 0 || pos >= len(s.Fields) {
			return fmt.Errorf("schema %q: primary key position %d out of range: %w", s.Name, pos, errs.ErrFieldIndexOutOfRange)
		}
		if s.Fields[pos].Nullable {
			return fmt.Errorf("schema %q: primary key field %q is nullable: %w", s.Name, s.Fields[pos].Name, errs.ErrPrimaryKeyMissing)
		}
	}
	return nil
}

// HasPrimaryKey reports whether updates/deletes are permitted on this
// schema. An empty primary_index permits inserts only.
func (s *Schema) HasPrimaryKey() bool { return len(s.PrimaryIndex) > 0 }

// Record is one row: a vector of Field values aligned with a Schema, plus
// a monotonically increasing per-primary-key version.
type Record struct {
	SchemaID uint32
	Values   []Field
	Version  *uint32
}

// Validate checks the Record/Schema alignment invariant from spec.md §3.
func (r *Record) Validate(s *Schema) error {
	if len(r.Values) != len(s.Fields) {
		return fmt.Errorf("record: value count %d does not match schema %q field count %d", len(r.Values), s.Name, len(s.Fields))
	}
	for i, v := range r.Values {
		if v.IsNull() && !s.Fields[i].Nullable {
			return fmt.Errorf("record: field %q is null but not nullable", s.Fields[i].Name)
		}
	}
	return nil
}

// PrimaryKeyValues returns the Field values at the schema's primary_index
// positions, in order.
func (r *Record) PrimaryKeyValues(s *Schema) []Field {
	vals := make([]Field, len(s.PrimaryIndex))
	for i, pos := range s.PrimaryIndex {
		vals[i] = r.Values[pos]
	}
	return vals
}

// OperationKind tags an Operation variant.
type OperationKind uint8

const (
	OperationInsert OperationKind = iota
	OperationDelete
	OperationUpdate
)

// Operation is a record-level change event: Insert{new}, Delete{old} or
// Update{old,new}.
type Operation struct {
	Kind OperationKind
	Old  *Record
	New  *Record
}

func InsertOp(new *Record) Operation { return Operation{Kind: OperationInsert, New: new} }
func DeleteOp(old *Record) Operation { return Operation{Kind: OperationDelete, Old: old} }
func UpdateOp(old, new *Record) Operation {
	return Operation{Kind: OperationUpdate, Old: old, New: new}
}

// IndexKind tags an IndexDefinition variant.
type IndexKind uint8

const (
	IndexSortedInverted IndexKind = iota
	IndexFullText
)

// IndexDefinition declares one secondary index on a schema. SortedInverted
// indexes cover an ordered list of field positions (equality on every
// prefix field plus a range on the last); FullText indexes a single text
// field. Descending sort order per field is expressed via DescFields.
type IndexDefinition struct {
	Kind       IndexKind
	Fields     []int  // field positions, in index-key order
	DescFields []bool // same length as Fields for SortedInverted; descending flag per field
}

// TxID identifies a position within one source's change stream.
type TxID struct {
	Txid     uint64
	SeqInTx  uint32
}

// Less reports whether t sorts strictly before o, per spec.md §3's
// "(txid, seq_in_tx) is lexicographically monotonic within a source".
func (t TxID) Less(o TxID) bool {
	if t.Txid != o.Txid {
		return t.Txid < o.Txid
	}
	return t.SeqInTx < o.SeqInTx
}

func (t TxID) LessOrEqual(o TxID) bool { return t == o || t.Less(o) }

// MessageKind tags an IngestionMessage variant.
type MessageKind uint8

const (
	MessageOperationEvent MessageKind = iota
	MessageSnapshotDone
)

// IngestionMessage is what a connector pushes into a source node.
type IngestionMessage struct {
	Identifier TxID
	Kind       MessageKind
	Op         Operation // meaningful only when Kind == MessageOperationEvent
}

// Epoch is a globally agreed commit boundary: the last-committed offset
// for every source as of this epoch.
type Epoch struct {
	EpochID uint64
	Details map[string]TxID // source node name -> (txid, seq_in_tx)
}
