// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package typereg maps PostgreSQL type OIDs to semantic descriptors and
// provides wire decoding/encoding for them. A registry is rebuilt from
// every schema snapshot so user-defined enums, domains, composites and
// their array types are always current.
package typereg

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pghatch/pghatch/schema"
)

type (
	// A Registry resolves OIDs to type descriptors and codecs. It is
	// immutable after construction, like the snapshot it derives from.
	Registry struct {
		m     *pgtype.Map
		descs map[uint32]*schema.TypeDescriptor
	}

	// A DecodeError reports a wire value that could not be decoded.
	DecodeError struct {
		OID    uint32
		Reason string
	}

	// An EncodeError reports a value outside the domain of its target type.
	EncodeError struct {
		OID    uint32
		Reason string
	}
)

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("typereg: decode oid %d: %s", e.OID, e.Reason)
}

// Error implements the error interface.
func (e *EncodeError) Error() string {
	return fmt.Sprintf("typereg: encode oid %d: %s", e.OID, e.Reason)
}

// New builds a registry from the model. Built-in types come from the
// pgtype defaults; enums, domains, composites, ranges and arrays found
// in the snapshot are registered on top with matching codecs.
func New(m *schema.Model) *Registry {
	r := &Registry{
		m:     pgtype.NewMap(),
		descs: make(map[uint32]*schema.TypeDescriptor, len(m.Types)),
	}
	for _, t := range m.Types {
		r.descs[t.OID] = t
	}
	registered := make(map[uint32]bool)
	for _, t := range m.Types {
		r.register(t, registered)
	}
	return r
}

// register adds a codec for t, registering its dependencies first.
// Cycles cannot occur in the catalog type graph (arrays, domains and
// ranges reference previously created types), so plain recursion is safe.
func (r *Registry) register(t *schema.TypeDescriptor, done map[uint32]bool) *pgtype.Type {
	if pt, ok := r.m.TypeForOID(t.OID); ok {
		return pt
	}
	if done[t.OID] {
		return nil
	}
	done[t.OID] = true
	var pt *pgtype.Type
	switch t.Category {
	case schema.CategoryEnum:
		pt = &pgtype.Type{Name: t.Name, OID: t.OID, Codec: &pgtype.EnumCodec{}}
	case schema.CategoryDomain:
		if t.Base == nil {
			return nil
		}
		base := r.register(t.Base, done)
		if base == nil {
			return nil
		}
		pt = &pgtype.Type{Name: t.Name, OID: t.OID, Codec: base.Codec}
	case schema.CategoryArray:
		if t.Elem == nil {
			return nil
		}
		elem := r.register(t.Elem, done)
		if elem == nil {
			return nil
		}
		pt = &pgtype.Type{Name: t.Name, OID: t.OID, Codec: &pgtype.ArrayCodec{ElementType: elem}}
	case schema.CategoryComposite:
		fields := make([]pgtype.CompositeCodecField, 0, len(t.Fields))
		for _, f := range t.Fields {
			ft := r.register(f.Type, done)
			if ft == nil {
				return nil
			}
			fields = append(fields, pgtype.CompositeCodecField{Name: f.Name, Type: ft})
		}
		pt = &pgtype.Type{Name: t.Name, OID: t.OID, Codec: &pgtype.CompositeCodec{Fields: fields}}
	case schema.CategoryRange:
		if t.Elem == nil {
			return nil
		}
		elem := r.register(t.Elem, done)
		if elem == nil {
			return nil
		}
		pt = &pgtype.Type{Name: t.Name, OID: t.OID, Codec: &pgtype.RangeCodec{ElementType: elem}}
	default:
		// Unknown base types stay unregistered and round-trip as text.
		return nil
	}
	r.m.RegisterType(pt)
	return pt
}

// Describe returns the descriptor for the given OID. It is total:
// OIDs outside the snapshot produce an unknown descriptor carrying
// whatever name the codec map has for them.
func (r *Registry) Describe(oid uint32) *schema.TypeDescriptor {
	if d, ok := r.descs[oid]; ok {
		return d
	}
	d := &schema.TypeDescriptor{OID: oid, Category: schema.CategoryUnknown}
	if pt, ok := r.m.TypeForOID(oid); ok {
		d.Name = pt.Name
	}
	return d
}

// Decode converts a wire value in the given format to a Go value.
// NULL decodes to nil. Values of types without a registered codec are
// passed through as text when possible.
func (r *Registry) Decode(oid uint32, format int16, src []byte) (any, error) {
	if src == nil {
		return nil, nil
	}
	pt, ok := r.m.TypeForOID(oid)
	if !ok {
		if format == pgtype.TextFormatCode {
			return string(src), nil
		}
		return nil, &DecodeError{OID: oid, Reason: "no codec for binary value"}
	}
	v, err := pt.Codec.DecodeValue(r.m, oid, format, src)
	if err != nil {
		return nil, &DecodeError{OID: oid, Reason: err.Error()}
	}
	return v, nil
}

// Encode converts a Go value to the text wire format of the given type.
// nil encodes to NULL (a nil buffer).
func (r *Registry) Encode(oid uint32, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	buf, err := r.m.Encode(oid, pgtype.TextFormatCode, v, nil)
	if err != nil {
		return nil, &EncodeError{OID: oid, Reason: err.Error()}
	}
	return buf, nil
}
