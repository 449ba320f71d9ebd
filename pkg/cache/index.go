package cache

import (
	"encoding/binary"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/cuemby/streamrunner/pkg/codec"
	"github.com/cuemby/streamrunner/pkg/errs"
	"github.com/cuemby/streamrunner/pkg/types"
)

// buildSortedInverted encodes the key for a SortedInverted secondary
// index (spec.md §4.7) from a full record's values, indexed by schema
// field position (idx.Fields). A single-field index uses the compact
// form (no length prefix); a compound index length-prefixes each field's
// encoding so a cursor scan can tell where one field's bytes end and the
// next begins. This flag must stay in sync between write and read, which
// is why both go through encodeIndexKey below.
func buildSortedInverted(idx *types.IndexDefinition, recordValues []types.Field) ([]byte, error) {
	vals, err := indexValuesOf(idx, recordValues)
	if err != nil {
		return nil, err
	}
	return encodeIndexKey(idx, vals, len(idx.Fields))
}

// indexValuesOf projects a record's values into index-field order:
// indexVals[i] is the value at schema position idx.Fields[i].
func indexValuesOf(idx *types.IndexDefinition, recordValues []types.Field) ([]types.Field, error) {
	vals := make([]types.Field, len(idx.Fields))
	for i, pos := range idx.Fields {
		if pos < 0 || pos >= len(recordValues) {
			return nil, errs.ErrFieldIndexOutOfRange
		}
		vals[i] = recordValues[pos]
	}
	return vals, nil
}

// encodeIndexKey encodes the first n values of indexVals (already in
// index-field order — see indexValuesOf) as a SortedInverted key.
// compact/length-prefix choice is always decided by idx's total field
// count so a prefix built with n < len(idx.Fields) is a true byte prefix
// of the full key.
func encodeIndexKey(idx *types.IndexDefinition, indexVals []types.Field, n int) ([]byte, error) {
	if len(idx.Fields) == 0 || n == 0 {
		return nil, nil
	}
	compact := len(idx.Fields) == 1

	var out []byte
	for i := 0; i < n; i++ {
		enc := codec.EncodeField(nil, indexVals[i])
		if i < len(idx.DescFields) && idx.DescFields[i] {
			enc = codec.Reverse(enc)
		}
		if compact {
			out = enc
			continue
		}
		var lp [4]byte
		binary.BigEndian.PutUint32(lp[:], uint32(len(enc)))
		out = append(out, lp[:]...)
		out = append(out, enc...)
	}
	return out, nil
}

// sortedInvertedPrefix builds the key for the leading n equality fields of
// idx only (indexVals already in index-field order), used to scan for a
// range match on the (n+1)th field.
func sortedInvertedPrefix(idx *types.IndexDefinition, indexVals []types.Field, n int) ([]byte, error) {
	return encodeIndexKey(idx, indexVals, n)
}

// fullTextWords segments a string into its distinct indexable words.
// Unicode normalization (NFC) runs first so combining-mark sequences that
// denote the same word compare equal, then runs of letters/numbers are
// treated as one word and everything else is a boundary — a minimal
// stand-in for Unicode Word Boundaries (UAX #29) sufficient for the
// ASCII- and Latin-heavy text this engine indexes.
func fullTextWords(s string) []string {
	s = norm.NFC.String(s)
	var words []string
	seen := make(map[string]bool)
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		w := cur.String()
		cur.Reset()
		if !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return words
}

// fullTextKey renders one word into a fixed 8-byte lookup key via
// xxhash, per spec.md §4.7 ("hashes or length-prefixes the word").
func fullTextKey(word string) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64String(word))
	return buf[:]
}

func buildFullText(field int, values []types.Field) ([]string, error) {
	if field < 0 || field >= len(values) {
		return nil, errs.ErrFieldIndexOutOfRange
	}
	v := values[field]
	var s string
	switch v.Type {
	case types.FieldTypeNull:
		s = ""
	case types.FieldTypeString, types.FieldTypeText:
		s = v.Str
	default:
		return nil, errs.ErrFieldNotCompatible
	}
	return fullTextWords(s), nil
}
