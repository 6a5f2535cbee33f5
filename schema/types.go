// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

type (
	// A TypeDescriptor is the semantic description of one pg_type row.
	// The Category tag selects which of the auxiliary fields are
	// meaningful: Elem for arrays, Base for domains, Fields for
	// composites and Labels for enums. Unknown categories keep the raw
	// catalog name so values can still round-trip as text.
	TypeDescriptor struct {
		OID       uint32
		Name      string
		Namespace string
		Category  Category
		// Width in bytes for integers (2, 4 or 8), precision/scale
		// for numerics, fractional-second precision for time types.
		Width     int
		Precision int
		Scale     int
		WithTZ    bool

		Elem   *TypeDescriptor
		Base   *TypeDescriptor
		Fields []CompositeField
		Labels []string
	}

	// A CompositeField is a single field of a composite type.
	CompositeField struct {
		Name string
		Type *TypeDescriptor
	}

	// Category is the semantic type category used by the query
	// compiler for operator typing and by the registry for codec
	// selection.
	Category string
)

// Semantic type categories.
const (
	CategoryBoolean   Category = "boolean"
	CategoryInteger   Category = "integer"
	CategoryFloat     Category = "floating"
	CategoryNumeric   Category = "numeric"
	CategoryText      Category = "text"
	CategoryBytea     Category = "bytea"
	CategoryTimestamp Category = "timestamp"
	CategoryDate      Category = "date"
	CategoryTime      Category = "time"
	CategoryInterval  Category = "interval"
	CategoryUUID      Category = "uuid"
	CategoryJSON      Category = "json"
	CategoryJSONB     Category = "jsonb"
	CategoryArray     Category = "array"
	CategoryEnum      Category = "enum"
	CategoryComposite Category = "composite"
	CategoryDomain    Category = "domain"
	CategoryRange     Category = "range"
	CategoryUnknown   Category = "unknown"
)

// Underlying resolves domain chains to the base descriptor.
func (t *TypeDescriptor) Underlying() *TypeDescriptor {
	for t.Category == CategoryDomain && t.Base != nil {
		t = t.Base
	}
	return t
}

// Textual reports if values of the type compare as text, which is what
// the like/ilike operators require.
func (t *TypeDescriptor) Textual() bool {
	switch u := t.Underlying(); u.Category {
	case CategoryText, CategoryEnum:
		return true
	}
	return false
}

// Ordered reports if the type has a defined sort order usable with the
// gt/gte/lt/lte operators.
func (t *TypeDescriptor) Ordered() bool {
	switch u := t.Underlying(); u.Category {
	case CategoryInteger, CategoryFloat, CategoryNumeric, CategoryText,
		CategoryTimestamp, CategoryDate, CategoryTime, CategoryInterval,
		CategoryEnum:
		return true
	}
	return false
}

// Comparable reports if equality comparisons are defined for the type.
// Plain json has no equality operator in PostgreSQL; jsonb does.
func (t *TypeDescriptor) Comparable() bool {
	switch u := t.Underlying(); u.Category {
	case CategoryJSON, CategoryComposite, CategoryUnknown:
		return false
	}
	return true
}
