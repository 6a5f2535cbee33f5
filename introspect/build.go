// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package introspect

import (
	"encoding/json"
	"fmt"

	"github.com/pghatch/pghatch/schema"
)

// rawCatalog mirrors the JSON document produced by catalogQuery.
type rawCatalog struct {
	Namespaces    []rawNamespace  `json:"namespaces"`
	Classes       []rawClass      `json:"classes"`
	Attributes    []rawAttribute  `json:"attributes"`
	Constraints   []rawConstraint `json:"constraints"`
	Procs         []rawProc       `json:"procs"`
	Types         []rawType       `json:"types"`
	Enums         []rawEnum       `json:"enums"`
	TypeFields    []rawTypeField  `json:"typefields"`
	CurrentRole   string          `json:"current_role"`
	ServerVersion string          `json:"server_version"`
}

type rawNamespace struct {
	OID     int64  `json:"oid"`
	Name    string `json:"nspname"`
	Owner   string `json:"owner"`
	Comment string `json:"comment"`
}

type rawClass struct {
	OID         int64  `json:"oid"`
	Namespace   int64  `json:"relnamespace"`
	Name        string `json:"relname"`
	Kind        string `json:"relkind"`
	IsPartition bool   `json:"relispartition"`
	Comment     string `json:"comment"`
	CanSelect   bool   `json:"can_select"`
	CanInsert   bool   `json:"can_insert"`
	CanUpdate   bool   `json:"can_update"`
	CanDelete   bool   `json:"can_delete"`
}

type rawAttribute struct {
	RelID      int64  `json:"attrelid"`
	Num        int    `json:"attnum"`
	Name       string `json:"attname"`
	TypeID     int64  `json:"atttypid"`
	NotNull    bool   `json:"attnotnull"`
	HasDefault bool   `json:"atthasdef"`
	Generated  bool   `json:"generated"`
	Identity   bool   `json:"identity"`
	Comment    string `json:"comment"`
}

type rawConstraint struct {
	OID        int64  `json:"oid"`
	RelID      int64  `json:"conrelid"`
	Name       string `json:"conname"`
	Type       string `json:"contype"`
	Deferrable bool   `json:"condeferrable"`
	RefRelID   int64  `json:"confrelid"`
	Keys       []int  `json:"conkey"`
	RefKeys    []int  `json:"confkey"`
}

type rawProc struct {
	OID         int64    `json:"oid"`
	Namespace   int64    `json:"pronamespace"`
	Name        string   `json:"proname"`
	Kind        string   `json:"prokind"`
	Volatility  string   `json:"provolatile"`
	Strict      bool     `json:"proisstrict"`
	SecDef      bool     `json:"prosecdef"`
	RetSet      bool     `json:"proretset"`
	RetType     int64    `json:"prorettype"`
	NumArgs     int      `json:"pronargs"`
	NumDefaults int      `json:"pronargdefaults"`
	ArgNames    []string `json:"argnames"`
	ArgModes    []string `json:"argmodes"`
	ArgTypes    []int64  `json:"argtypes"`
	Comment     string   `json:"comment"`
}

type rawType struct {
	OID       int64  `json:"oid"`
	Name      string `json:"typname"`
	Namespace string `json:"nspname"`
	Type      string `json:"typtype"`
	Category  string `json:"typcategory"`
	Elem      int64  `json:"typelem"`
	Base      int64  `json:"typbasetype"`
	RelID     int64  `json:"typrelid"`
	RangeSub  int64  `json:"rngsubtype"`
}

type rawEnum struct {
	TypeID int64  `json:"enumtypid"`
	Label  string `json:"enumlabel"`
}

type rawTypeField struct {
	RelID  int64  `json:"attrelid"`
	Num    int    `json:"attnum"`
	Name   string `json:"attname"`
	TypeID int64  `json:"atttypid"`
}

// Build turns the catalog JSON document into a schema.Model. The raw
// document is referentially checked: an attribute or argument whose
// type is missing from the snapshot fails the whole build.
func Build(doc []byte) (*schema.Model, error) {
	var raw rawCatalog
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, &Error{Kind: KindDecodeFailed, Context: "catalog document", err: err}
	}
	types, err := buildTypes(&raw)
	if err != nil {
		return nil, err
	}
	m := &schema.Model{
		ServerVersion: raw.ServerVersion,
		CurrentRole:   raw.CurrentRole,
	}
	for _, t := range raw.Types {
		m.Types = append(m.Types, types[t.OID])
	}
	nsByOID := make(map[int64]*schema.Namespace, len(raw.Namespaces))
	for _, n := range raw.Namespaces {
		ns := &schema.Namespace{Name: n.Name, Owner: n.Owner, Comment: n.Comment}
		m.Namespaces = append(m.Namespaces, ns)
		nsByOID[n.OID] = ns
	}
	relByOID, err := buildRelations(&raw, nsByOID, types)
	if err != nil {
		return nil, err
	}
	if err := buildConstraints(&raw, relByOID); err != nil {
		return nil, err
	}
	if err := buildCallables(&raw, nsByOID, types); err != nil {
		return nil, err
	}
	return m, nil
}

func buildRelations(raw *rawCatalog, nsByOID map[int64]*schema.Namespace, types map[int64]*schema.TypeDescriptor) (map[int64]*schema.Relation, error) {
	kinds := map[string]schema.RelationKind{
		"r": schema.KindOrdinary,
		"v": schema.KindView,
		"m": schema.KindMaterializedView,
		"f": schema.KindForeign,
		"p": schema.KindPartitioned,
	}
	relByOID := make(map[int64]*schema.Relation, len(raw.Classes))
	for _, c := range raw.Classes {
		ns, ok := nsByOID[c.Namespace]
		if !ok {
			return nil, &Error{Kind: KindDecodeFailed, Context: fmt.Sprintf("relation %q: unknown namespace oid %d", c.Name, c.Namespace)}
		}
		kind, ok := kinds[c.Kind]
		if !ok {
			continue
		}
		if kind == schema.KindOrdinary && c.IsPartition {
			kind = schema.KindPartitionChild
		}
		r := &schema.Relation{
			OID:       uint32(c.OID),
			Name:      c.Name,
			Namespace: ns,
			Kind:      kind,
			Comment:   c.Comment,
			Privileges: schema.Privileges{
				Select: c.CanSelect,
				Insert: c.CanInsert,
				Update: c.CanUpdate,
				Delete: c.CanDelete,
			},
		}
		ns.Relations = append(ns.Relations, r)
		relByOID[c.OID] = r
	}
	for _, a := range raw.Attributes {
		r, ok := relByOID[a.RelID]
		if !ok {
			continue
		}
		t, ok := types[a.TypeID]
		if !ok {
			return nil, &Error{Kind: KindDecodeFailed, Context: fmt.Sprintf("column %s.%q: unknown type oid %d", r.QualifiedName(), a.Name, a.TypeID)}
		}
		r.Attributes = append(r.Attributes, &schema.Attribute{
			Num:        a.Num,
			Name:       a.Name,
			Type:       t,
			NotNull:    a.NotNull,
			HasDefault: a.HasDefault,
			Generated:  a.Generated,
			Identity:   a.Identity,
			Comment:    a.Comment,
		})
	}
	return relByOID, nil
}

func buildConstraints(raw *rawCatalog, relByOID map[int64]*schema.Relation) error {
	kinds := map[string]schema.ConstraintKind{
		"p": schema.PrimaryKey,
		"u": schema.Unique,
		"f": schema.ForeignKey,
		"c": schema.Check,
		"x": schema.Exclusion,
	}
	byNum := func(r *schema.Relation, nums []int) ([]*schema.Attribute, error) {
		attrs := make([]*schema.Attribute, 0, len(nums))
		for _, n := range nums {
			var found *schema.Attribute
			for _, a := range r.Attributes {
				if a.Num == n {
					found = a
					break
				}
			}
			if found == nil {
				return nil, fmt.Errorf("attribute %d was not found in %s", n, r.QualifiedName())
			}
			attrs = append(attrs, found)
		}
		return attrs, nil
	}
	for _, con := range raw.Constraints {
		r, ok := relByOID[con.RelID]
		if !ok {
			continue
		}
		kind, ok := kinds[con.Type]
		if !ok {
			continue
		}
		c := &schema.Constraint{Name: con.Name, Kind: kind, Relation: r, Deferrable: con.Deferrable}
		if len(con.Keys) > 0 {
			attrs, err := byNum(r, con.Keys)
			if err != nil {
				return &Error{Kind: KindDecodeFailed, Context: "constraint " + con.Name, err: err}
			}
			c.Attributes = attrs
		}
		if kind == schema.ForeignKey {
			ref, ok := relByOID[con.RefRelID]
			if !ok {
				// Referenced relation lives outside the snapshot.
				c.Dangling = true
			} else {
				refAttrs, err := byNum(ref, con.RefKeys)
				if err != nil {
					return &Error{Kind: KindDecodeFailed, Context: "constraint " + con.Name, err: err}
				}
				c.RefRelation = ref
				c.RefAttributes = refAttrs
				ref.ReferencedBy = append(ref.ReferencedBy, c)
			}
		}
		r.Constraints = append(r.Constraints, c)
	}
	return nil
}

func buildCallables(raw *rawCatalog, nsByOID map[int64]*schema.Namespace, types map[int64]*schema.TypeDescriptor) error {
	kinds := map[string]schema.CallableKind{
		"f": schema.KindFunction,
		"p": schema.KindProcedure,
		"a": schema.KindAggregate,
		"w": schema.KindWindow,
	}
	volatility := map[string]schema.Volatility{
		"i": schema.Immutable,
		"s": schema.Stable,
		"v": schema.Volatile,
	}
	modes := map[string]schema.ArgMode{
		"i": schema.ArgIn,
		"o": schema.ArgOut,
		"b": schema.ArgInOut,
		"v": schema.ArgVariadic,
		"t": schema.ArgTable,
	}
	for _, p := range raw.Procs {
		ns, ok := nsByOID[p.Namespace]
		if !ok {
			return &Error{Kind: KindDecodeFailed, Context: fmt.Sprintf("callable %q: unknown namespace oid %d", p.Name, p.Namespace)}
		}
		kind, ok := kinds[p.Kind]
		if !ok {
			continue
		}
		c := &schema.Callable{
			OID:             uint32(p.OID),
			Name:            p.Name,
			Namespace:       ns,
			Kind:            kind,
			Comment:         p.Comment,
			ReturnsSet:      p.RetSet,
			Volatility:      volatility[p.Volatility],
			Strict:          p.Strict,
			SecurityDefiner: p.SecDef,
		}
		var tableRet bool
		for i, typID := range p.ArgTypes {
			t, ok := types[typID]
			if !ok {
				return &Error{Kind: KindDecodeFailed, Context: fmt.Sprintf("callable %s.%q: unknown argument type oid %d", ns.Name, p.Name, typID)}
			}
			arg := &schema.CallableArg{Type: t, Mode: schema.ArgIn}
			if i < len(p.ArgNames) {
				arg.Name = p.ArgNames[i]
			}
			if i < len(p.ArgModes) {
				if m, ok := modes[p.ArgModes[i]]; ok {
					arg.Mode = m
				}
				if arg.Mode == schema.ArgTable {
					tableRet = true
				}
			}
			c.Args = append(c.Args, arg)
		}
		// Defaults apply to the trailing input arguments.
		if p.NumDefaults > 0 {
			in := c.InArgs()
			start := len(in) - p.NumDefaults
			if start < 0 {
				start = 0
			}
			for i := start; i < len(in); i++ {
				in[i].HasDefault = true
			}
		}
		ret, ok := types[p.RetType]
		if !ok {
			return &Error{Kind: KindDecodeFailed, Context: fmt.Sprintf("callable %s.%q: unknown return type oid %d", ns.Name, p.Name, p.RetType)}
		}
		c.ReturnType = ret
		switch {
		case kind == schema.KindProcedure || ret.Name == "void":
			c.Returns = schema.ReturnsVoid
		case tableRet:
			c.Returns = schema.ReturnsTable
		case ret.Category == schema.CategoryComposite || ret.Name == "record":
			c.Returns = schema.ReturnsComposite
		default:
			c.Returns = schema.ReturnsScalar
		}
		ns.Callables = append(ns.Callables, c)
	}
	return nil
}

// wellKnown maps pg_catalog base type names to semantic categories.
var wellKnown = map[string]func(t *schema.TypeDescriptor){
	"bool":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryBoolean },
	"int2":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryInteger; t.Width = 2 },
	"int4":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryInteger; t.Width = 4 },
	"int8":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryInteger; t.Width = 8 },
	"oid":         func(t *schema.TypeDescriptor) { t.Category = schema.CategoryInteger; t.Width = 4 },
	"float4":      func(t *schema.TypeDescriptor) { t.Category = schema.CategoryFloat; t.Precision = 24 },
	"float8":      func(t *schema.TypeDescriptor) { t.Category = schema.CategoryFloat; t.Precision = 53 },
	"numeric":     func(t *schema.TypeDescriptor) { t.Category = schema.CategoryNumeric },
	"text":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"varchar":     func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"bpchar":      func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"name":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"char":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"citext":      func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"xml":         func(t *schema.TypeDescriptor) { t.Category = schema.CategoryText },
	"bytea":       func(t *schema.TypeDescriptor) { t.Category = schema.CategoryBytea },
	"timestamp":   func(t *schema.TypeDescriptor) { t.Category = schema.CategoryTimestamp },
	"timestamptz": func(t *schema.TypeDescriptor) { t.Category = schema.CategoryTimestamp; t.WithTZ = true },
	"date":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryDate },
	"time":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryTime },
	"timetz":      func(t *schema.TypeDescriptor) { t.Category = schema.CategoryTime; t.WithTZ = true },
	"interval":    func(t *schema.TypeDescriptor) { t.Category = schema.CategoryInterval },
	"uuid":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryUUID },
	"json":        func(t *schema.TypeDescriptor) { t.Category = schema.CategoryJSON },
	"jsonb":       func(t *schema.TypeDescriptor) { t.Category = schema.CategoryJSONB },
}

// buildTypes creates a descriptor for every pg_type row and links
// element, base, range and composite references in a second pass.
func buildTypes(raw *rawCatalog) (map[int64]*schema.TypeDescriptor, error) {
	types := make(map[int64]*schema.TypeDescriptor, len(raw.Types))
	for _, rt := range raw.Types {
		t := &schema.TypeDescriptor{
			OID:       uint32(rt.OID),
			Name:      rt.Name,
			Namespace: rt.Namespace,
			Category:  schema.CategoryUnknown,
		}
		switch rt.Type {
		case "b":
			if f, ok := wellKnown[rt.Name]; ok {
				f(t)
			} else if rt.Category == "A" {
				t.Category = schema.CategoryArray
			}
		case "d":
			t.Category = schema.CategoryDomain
		case "e":
			t.Category = schema.CategoryEnum
		case "c":
			t.Category = schema.CategoryComposite
		case "r", "m":
			t.Category = schema.CategoryRange
		}
		types[rt.OID] = t
	}
	fieldsByRel := make(map[int64][]rawTypeField)
	for _, f := range raw.TypeFields {
		fieldsByRel[f.RelID] = append(fieldsByRel[f.RelID], f)
	}
	for _, rt := range raw.Types {
		t := types[rt.OID]
		switch {
		case rt.Category == "A" && rt.Elem != 0:
			t.Category = schema.CategoryArray
			t.Elem = types[rt.Elem]
		case t.Category == schema.CategoryDomain:
			t.Base = types[rt.Base]
		case t.Category == schema.CategoryRange && rt.RangeSub != 0:
			t.Elem = types[rt.RangeSub]
		case t.Category == schema.CategoryComposite:
			for _, f := range fieldsByRel[rt.RelID] {
				ft, ok := types[f.TypeID]
				if !ok {
					return nil, &Error{Kind: KindDecodeFailed, Context: fmt.Sprintf("composite %q field %q: unknown type oid %d", rt.Name, f.Name, f.TypeID)}
				}
				t.Fields = append(t.Fields, schema.CompositeField{Name: f.Name, Type: ft})
			}
		}
	}
	for _, rt := range raw.Enums {
		if t, ok := types[rt.TypeID]; ok {
			t.Labels = append(t.Labels, rt.Label)
		}
	}
	return types, nil
}
