package state

import "slices"

// Schema declares the kind of a document's keys. Keys missing from Fields
// use Elem, which lets a document keyed by dispatcher identity share one
// child schema.
type Schema struct {
	Kind   Kind
	Fields map[string]*Schema
	Elem   *Schema
}

func (s *Schema) child(key string) *Schema {
	if s == nil {
		return nil
	}
	if field, ok := s.Fields[key]; ok {
		return field
	}

	return s.Elem
}

// Operation is one declarative change. Unset is applied before Set.
type Operation struct {
	Set   Document
	Unset Document
}

// ChangeSet is an ordered list of operations. Later operations win for scalars.
type ChangeSet []Operation

// Empty reports whether the change set carries no sub-trees.
func (cs ChangeSet) Empty() bool {
	for _, op := range cs {
		if len(op.Set) > 0 || len(op.Unset) > 0 {
			return false
		}
	}

	return true
}

// Merge applies cs to doc in place and reports whether anything changed.
// Applying the same change set twice reports false the second time.
func Merge(doc Document, schema *Schema, cs ChangeSet) bool {
	changed := false
	for _, op := range cs {
		if unsetDocument(doc, op.Unset) {
			changed = true
		}
		if setDocument(doc, schema, op.Set) {
			changed = true
		}
	}

	return changed
}

func setDocument(target Document, schema *Schema, changes Document) bool {
	changed := false
	for _, key := range sortedKeys(changes) {
		value := changes[key]
		childSchema := schema.child(key)

		current, ok := target[key]
		if !ok {
			target[key] = materialize(value, childSchema)
			changed = true
			continue
		}

		switch {
		case current.kind == KindSet && value.kind != KindDocument:
			for _, member := range value.asMembers() {
				if current.Contains(member) {
					continue
				}
				current.members = append(current.members, normalizeScalar(member))
				changed = true
			}
			target[key] = current
		case current.kind == KindDocument && value.kind == KindDocument:
			if setDocument(current.doc, childSchema, value.doc) {
				changed = true
			}
		default:
			replacement := materialize(value, childSchema)
			if !current.Equal(replacement) {
				target[key] = replacement
				changed = true
			}
		}
	}

	return changed
}

func unsetDocument(target Document, changes Document) bool {
	changed := false
	for _, key := range sortedKeys(changes) {
		value := changes[key]

		current, ok := target[key]
		if !ok {
			continue
		}

		switch {
		case current.kind == KindSet && value.kind != KindDocument:
			kept := current.members[:0:0]
			for _, member := range current.members {
				if slices.ContainsFunc(value.asMembers(), func(m any) bool { return scalarEqual(m, member) }) {
					changed = true
					continue
				}
				kept = append(kept, member)
			}
			current.members = kept
			target[key] = current
		case current.kind == KindDocument && value.kind == KindDocument:
			if unsetDocument(current.doc, value.doc) {
				changed = true
			}
		default:
			delete(target, key)
			changed = true
		}
	}

	return changed
}

// materialize deep-copies value, shaping it after schema where they disagree.
func materialize(value Value, schema *Schema) Value {
	if schema == nil {
		return value.Clone()
	}

	switch {
	case schema.Kind == KindSet && value.kind == KindScalar:
		return Set(value.scalar)
	case schema.Kind == KindSet && value.kind == KindSet:
		return Set(value.members...)
	case value.kind == KindDocument:
		doc := make(Document, len(value.doc))
		for key, child := range value.doc {
			doc[key] = materialize(child, schema.child(key))
		}
		return Doc(doc)
	default:
		return value.Clone()
	}
}

func sortedKeys(d Document) []string {
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}
