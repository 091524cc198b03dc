// Package document implements the content-addressable record that flows
// through a datastore: a required id, a vector-clock revision, a
// per-replica sequence number, a tombstone flag, and arbitrary opaque
// user fields.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dfrankow/reldatasync/internal/vectorclock"
)

// Reserved field names, as they appear on the wire.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldSeq     = "_seq"
	FieldDeleted = "_deleted"
)

// ErrMissingID is returned by New when no id is supplied.
var ErrMissingID = errors.New("document: missing _id")

// Document is a single stored record.
type Document struct {
	ID      string
	Rev     vectorclock.Clock
	Seq     int64
	Deleted bool
	// Fields holds every non-reserved key. Values are the scalar types
	// produced by encoding/json (string, float64, bool, nil) unless a
	// Schema was used to decode them, in which case typed values (int64,
	// float64, bool, time.Time) are revived per field.
	Fields map[string]any
}

// New constructs a Document, failing if id is empty.
func New(id string, fields map[string]any) (Document, error) {
	if id == "" {
		return Document{}, ErrMissingID
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return Document{ID: id, Fields: fields}, nil
}

// Copy returns a deep copy; mutating it never touches the original.
func (d Document) Copy() Document {
	out := d
	out.Rev = d.Rev.Copy()
	out.Fields = make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	return out
}

// Get returns a user field or nil if absent.
func (d Document) Get(key string) any {
	return d.Fields[key]
}

// compareVals implements the "None sorts before any non-None" total order
// over scalar field values.
func compareVals(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	// Incomparable types: fall back to a stable string comparison so
	// Compare never panics.
	as2, bs2 := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as2 < bs2:
		return -1
	case as2 > bs2:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case time.Time:
		return float64(n.UnixNano()), true
	default:
		return 0, false
	}
}

// allKeys returns the document's keys (reserved + user), sorted, minus
// ignoreKeys.
func (d Document) allKeys(ignoreKeys map[string]bool) []string {
	keys := make([]string, 0, len(d.Fields)+4)
	if !ignoreKeys[FieldID] {
		keys = append(keys, FieldID)
	}
	if !ignoreKeys[FieldRev] {
		keys = append(keys, FieldRev)
	}
	if !ignoreKeys[FieldSeq] {
		keys = append(keys, FieldSeq)
	}
	if !ignoreKeys[FieldDeleted] {
		keys = append(keys, FieldDeleted)
	}
	for k := range d.Fields {
		if !ignoreKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d Document) value(key string) any {
	switch key {
	case FieldID:
		return d.ID
	case FieldRev:
		if len(d.Rev) == 0 {
			return nil
		}
		return d.Rev.String()
	case FieldSeq:
		return d.Seq
	case FieldDeleted:
		return d.Deleted
	default:
		return d.Fields[key]
	}
}

// Compare implements the deterministic total order used as a fallback
// tiebreak: fewer keys sorts before more keys; then lexicographic on
// sorted key names; then lexicographic on values by those keys.
// ignoreKeys lets callers exclude fields (typically _seq) from the
// comparison so documents can be compared across replicas.
func (d Document) Compare(other Document, ignoreKeys ...string) int {
	ignore := make(map[string]bool, len(ignoreKeys))
	for _, k := range ignoreKeys {
		ignore[k] = true
	}

	keysA := d.allKeys(ignore)
	keysB := other.allKeys(ignore)

	if len(keysA) != len(keysB) {
		if len(keysA) > len(keysB) {
			return 1
		}
		return -1
	}

	for i := range keysA {
		if c := compareVals(keysA[i], keysB[i]); c != 0 {
			return c
		}
	}
	for i := range keysA {
		if c := compareVals(d.value(keysA[i]), other.value(keysB[i])); c != 0 {
			return c
		}
	}
	return 0
}

// wireDoc is the flattened JSON shape: reserved fields alongside user
// fields in a single object, matching the HTTP wire format in the spec.
type wireDoc map[string]any

// MarshalJSON flattens Fields alongside the reserved keys.
func (d Document) MarshalJSON() ([]byte, error) {
	w := make(wireDoc, len(d.Fields)+4)
	for k, v := range d.Fields {
		w[k] = v
	}
	w[FieldID] = d.ID
	if len(d.Rev) > 0 {
		w[FieldRev] = d.Rev.String()
	}
	w[FieldSeq] = d.Seq
	w[FieldDeleted] = d.Deleted
	return json.Marshal(w)
}

// UnmarshalJSON splits the reserved fields back out of the flattened wire
// object. Use UnmarshalJSONWithSchema to revive typed user fields.
func (d *Document) UnmarshalJSON(data []byte) error {
	return d.unmarshal(data, nil)
}

// UnmarshalJSONWithSchema is like UnmarshalJSON but revives user-field
// values according to schema (see Schema).
func (d *Document) UnmarshalJSONWithSchema(data []byte, schema Schema) error {
	return d.unmarshal(data, schema)
}

func (d *Document) unmarshal(data []byte, schema Schema) error {
	var w wireDoc
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id, _ := w[FieldID].(string)
	if id == "" {
		return ErrMissingID
	}
	d.ID = id
	delete(w, FieldID)

	if rev, ok := w[FieldRev].(string); ok && rev != "" {
		clock, err := vectorclock.Parse(rev)
		if err != nil {
			return err
		}
		d.Rev = clock
	}
	delete(w, FieldRev)

	if seq, ok := w[FieldSeq]; ok {
		d.Seq = int64(toFloatOrZero(seq))
	}
	delete(w, FieldSeq)

	if del, ok := w[FieldDeleted].(bool); ok {
		d.Deleted = del
	}
	delete(w, FieldDeleted)

	d.Fields = make(map[string]any, len(w))
	for k, v := range w {
		if schema != nil {
			revived, err := schema.Revive(k, v)
			if err != nil {
				return fmt.Errorf("document: field %q: %w", k, err)
			}
			d.Fields[k] = revived
			continue
		}
		d.Fields[k] = v
	}
	return nil
}

func toFloatOrZero(v any) float64 {
	f, _ := toFloat(v)
	return f
}
