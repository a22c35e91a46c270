package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindSet
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSet:
		return "set"
	case KindDocument:
		return "document"
	default:
		return "invalid"
	}
}

// Value is a scalar, a duplicate-free collection of scalars, or a nested document.
type Value struct {
	kind    Kind
	scalar  any
	members []any
	doc     Document
}

// Document is a JSON object of Values.
type Document map[string]Value

// Scalar wraps a primitive. Integer types are normalized to int64.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: normalizeScalar(v)}
}

// Set builds a collection, dropping duplicate members.
func Set(members ...any) Value {
	v := Value{kind: KindSet, members: make([]any, 0, len(members))}
	for _, member := range members {
		member = normalizeScalar(member)
		if !v.Contains(member) {
			v.members = append(v.members, member)
		}
	}

	return v
}

// Doc wraps a nested document.
func Doc(d Document) Value {
	if d == nil {
		d = Document{}
	}

	return Value{kind: KindDocument, doc: d}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Scalar() any { return v.scalar }

func (v Value) Members() []any { return slices.Clone(v.members) }

func (v Value) Document() Document { return v.doc }

// Contains reports set membership.
func (v Value) Contains(member any) bool {
	member = normalizeScalar(member)
	for _, existing := range v.members {
		if scalarEqual(existing, member) {
			return true
		}
	}

	return false
}

// Equal compares two values structurally.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case KindScalar:
		return scalarEqual(v.scalar, other.scalar)
	case KindSet:
		if len(v.members) != len(other.members) {
			return false
		}
		for i := range v.members {
			if !scalarEqual(v.members[i], other.members[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return v.doc.Equal(other.doc)
	default:
		return true
	}
}

// Clone deep-copies the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSet:
		return Value{kind: KindSet, members: slices.Clone(v.members)}
	case KindDocument:
		return Value{kind: KindDocument, doc: v.doc.Clone()}
	default:
		return v
	}
}

// asMembers returns v as set members, wrapping a scalar in a singleton.
func (v Value) asMembers() []any {
	switch v.kind {
	case KindSet:
		return v.members
	case KindScalar:
		return []any{v.scalar}
	default:
		return nil
	}
}

func (v Value) native() any {
	switch v.kind {
	case KindSet:
		out := make([]any, len(v.members))
		copy(out, v.members)
		return out
	case KindDocument:
		return v.doc.native()
	default:
		return v.scalar
	}
}

// Clone deep-copies the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for key, value := range d {
		out[key] = value.Clone()
	}

	return out
}

// Equal compares two documents structurally.
func (d Document) Equal(other Document) bool {
	if len(d) != len(other) {
		return false
	}
	for key, value := range d {
		otherValue, ok := other[key]
		if !ok || !value.Equal(otherValue) {
			return false
		}
	}

	return true
}

func (d Document) native() map[string]any {
	out := make(map[string]any, len(d))
	for key, value := range d {
		out[key] = value.native()
	}

	return out
}

// MarshalJSON renders the document with sorted keys.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.native())
}

// Encode renders the document as indented JSON with sorted keys and
// unescaped non-ASCII text.
func Encode(d Document) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(d.native()); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses data using schema to decide the kind of known keys. Unknown
// keys are decoded by shape. Blank input and an empty JSON array decode to an
// empty document.
func Decode(data []byte, schema *Schema) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[]")) {
		return Document{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return Document{}, err
	}

	object, ok := raw.(map[string]any)
	if !ok {
		return Document{}, fmt.Errorf("top-level value is %T, want object", raw)
	}

	return decodeDocument(object, schema), nil
}

func decodeDocument(object map[string]any, schema *Schema) Document {
	doc := make(Document, len(object))
	for key, raw := range object {
		doc[key] = decodeValue(raw, schema.child(key))
	}

	return doc
}

func decodeValue(raw any, schema *Schema) Value {
	kind := Kind(0)
	if schema != nil {
		kind = schema.Kind
	}

	switch typed := raw.(type) {
	case map[string]any:
		return Doc(decodeDocument(typed, schema))
	case []any:
		if kind == KindScalar || !allScalars(typed) {
			return Scalar(typed)
		}
		return Set(typed...)
	default:
		if kind == KindSet {
			return Set(typed)
		}
		return Scalar(typed)
	}
}

func allScalars(values []any) bool {
	for _, value := range values {
		switch value.(type) {
		case map[string]any, []any:
			return false
		}
	}

	return true
}

func normalizeScalar(v any) any {
	switch typed := v.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint64:
		return int64(typed)
	case float32:
		return float64(typed)
	default:
		return v
	}
}

func scalarEqual(a, b any) bool {
	a, b = normalizeScalar(a), normalizeScalar(b)
	if reflect.TypeOf(a) != nil && reflect.TypeOf(a).Comparable() && reflect.TypeOf(b) != nil && reflect.TypeOf(b).Comparable() {
		return a == b
	}

	return reflect.DeepEqual(a, b)
}

// asInt64 reads an integer scalar stored as a number or numeric string.
func asInt64(v any) (int64, bool) {
	switch typed := normalizeScalar(v).(type) {
	case int64:
		return typed, true
	case float64:
		return int64(typed), typed == float64(int64(typed))
	case string:
		i, err := strconv.ParseInt(typed, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
