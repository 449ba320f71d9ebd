package types

import (
	"errors"
	"testing"

	"github.com/cuemby/streamrunner/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersSchema() *Schema {
	return &Schema{
		Name: "orders",
		Fields: []FieldDefinition{
			{Name: "order_id", Type: FieldTypeUInt},
			{Name: "customer_id", Type: FieldTypeUInt},
			{Name: "amount_cents", Type: FieldTypeInt, Nullable: true},
		},
		PrimaryIndex: []int{0},
	}
}

func TestSchemaValidatePrimaryIndexOutOfRange(t *testing.T) {
	s := ordersSchema()
	s.PrimaryIndex = []int{5}
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrFieldIndexOutOfRange))
}

func TestSchemaValidatePrimaryKeyNullable(t *testing.T) {
	s := ordersSchema()
	s.Fields[0].Nullable = true
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPrimaryKeyMissing))
}

func TestSchemaValidateOK(t *testing.T) {
	assert.NoError(t, ordersSchema().Validate())
}

func TestSchemaHasPrimaryKey(t *testing.T) {
	s := ordersSchema()
	assert.True(t, s.HasPrimaryKey())

	s.PrimaryIndex = nil
	assert.False(t, s.HasPrimaryKey())
}

func TestRecordValidateFieldCountMismatch(t *testing.T) {
	s := ordersSchema()
	r := &Record{Values: []Field{UIntField(1)}}
	err := r.Validate(s)
	assert.Error(t, err)
}

func TestRecordValidateNullOnNonNullable(t *testing.T) {
	s := ordersSchema()
	r := &Record{Values: []Field{NullField(), UIntField(1), IntField(100)}}
	err := r.Validate(s)
	assert.Error(t, err)
}

func TestRecordValidateOK(t *testing.T) {
	s := ordersSchema()
	r := &Record{Values: []Field{UIntField(1), UIntField(2), IntField(100)}}
	assert.NoError(t, r.Validate(s))
}

func TestRecordPrimaryKeyValues(t *testing.T) {
	s := ordersSchema()
	r := &Record{Values: []Field{UIntField(7), UIntField(2), IntField(100)}}
	pk := r.PrimaryKeyValues(s)
	require.Len(t, pk, 1)
	assert.Equal(t, uint64(7), pk[0].UInt)
}

func TestTxIDLess(t *testing.T) {
	tests := []struct {
		name string
		a, b TxID
		want bool
	}{
		{"lower txid", TxID{Txid: 1, SeqInTx: 5}, TxID{Txid: 2, SeqInTx: 0}, true},
		{"same txid lower seq", TxID{Txid: 1, SeqInTx: 1}, TxID{Txid: 1, SeqInTx: 2}, true},
		{"equal", TxID{Txid: 1, SeqInTx: 1}, TxID{Txid: 1, SeqInTx: 1}, false},
		{"greater txid", TxID{Txid: 3, SeqInTx: 0}, TxID{Txid: 2, SeqInTx: 99}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Less(tt.b))
		})
	}
}

func TestTxIDLessOrEqual(t *testing.T) {
	a := TxID{Txid: 1, SeqInTx: 1}
	assert.True(t, a.LessOrEqual(a))
	assert.True(t, a.LessOrEqual(TxID{Txid: 1, SeqInTx: 2}))
	assert.False(t, a.LessOrEqual(TxID{Txid: 0, SeqInTx: 9}))
}

func TestFieldIsNull(t *testing.T) {
	assert.True(t, NullField().IsNull())
	assert.False(t, UIntField(1).IsNull())
}
