// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package query compiles request documents into parameterized SQL.
// Compilation is pure: it resolves names against a schema snapshot,
// type-checks operators and emits text with $n placeholders, but never
// touches the database. Request-supplied values only ever appear in the
// argument list.
package query

import (
	"encoding/json"
	"fmt"

	"github.com/pghatch/pghatch/schema"
)

// totalColumn carries the window count of the full result set alongside
// each row of a page.
const totalColumn = "__total"

// A Compiler turns parsed documents into statements for one schema
// snapshot. The zero value disables paging limits.
type Compiler struct {
	// DefaultLimit applies when a document requests no page size.
	DefaultLimit int
	// MaxLimit caps the page size a document may request. Zero means
	// unbounded.
	MaxLimit int
}

// A Query is a compiled read: the page statement plus a count fallback
// used when the page is empty and the window count is unavailable.
type Query struct {
	Statement
	CountSQL  string
	CountArgs []any
	Limit     int
	Offset    int
}

// Select compiles a filter document against a relation.
func (c *Compiler) Select(rel *schema.Relation, doc *Document) (*Query, error) {
	if doc == nil {
		doc = &Document{}
	}
	limit, offset, err := c.page(doc.Pagination)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	aliases := &aliasSeq{}
	b.P("SELECT")
	if err := c.projection(b, rel, doc.Select, "t", aliases); err != nil {
		return nil, err
	}
	b.trimSpace()
	b.P(",", "count(*) OVER () AS").Ident(totalColumn)
	b.P("FROM").Ident(rel.Namespace.Name, rel.Name).P("AS").Ident("t")
	if doc.Where != nil {
		b.P("WHERE")
		if err := c.condition(b, rel, doc.Where, "t"); err != nil {
			return nil, err
		}
	}
	b.P("LIMIT").Arg(limit).P("OFFSET").Arg(offset)

	cb := NewBuilder()
	cb.P("SELECT count(*) FROM").Ident(rel.Namespace.Name, rel.Name).P("AS").Ident("t")
	if doc.Where != nil {
		cb.P("WHERE")
		if err := c.condition(cb, rel, doc.Where, "t"); err != nil {
			return nil, err
		}
	}
	count := cb.Statement()
	return &Query{
		Statement: b.Statement(),
		CountSQL:  count.SQL,
		CountArgs: count.Args,
		Limit:     limit,
		Offset:    offset,
	}, nil
}

// Insert compiles a create request. The column list is the union of the
// row keys; cells a row omits fall back to the column default.
func (c *Compiler) Insert(rel *schema.Relation, req *Create) (*Statement, error) {
	present := make(map[string]bool)
	for _, row := range req.Rows {
		for name := range row {
			a, ok := rel.Attribute(name)
			if !ok {
				return nil, &UnknownFieldError{Name: name}
			}
			if a.Generated {
				return nil, &DocumentError{Reason: fmt.Sprintf("column %q is generated and cannot be written", name)}
			}
			present[name] = true
		}
	}
	var cols []*schema.Attribute
	for _, a := range rel.Attributes {
		if present[a.Name] {
			cols = append(cols, a)
		} else if a.NotNull && !a.HasDefault && !a.Identity && !a.Generated {
			return nil, &MissingFieldError{Name: a.Name}
		}
	}
	if len(cols) == 0 {
		return nil, &DocumentError{Reason: "create rows must name at least one column"}
	}
	// Validate and convert every cell before writing any text.
	rows := make([]map[string]any, len(req.Rows))
	for i, row := range req.Rows {
		rows[i] = make(map[string]any, len(row))
		for _, a := range cols {
			v, ok := row[a.Name]
			if !ok {
				if a.NotNull && !a.HasDefault && !a.Identity && !a.Generated {
					return nil, &MissingFieldError{Name: a.Name}
				}
				continue
			}
			cv, err := convert(a.Type, v)
			if err != nil {
				return nil, err
			}
			rows[i][a.Name] = cv
		}
	}
	b := NewBuilder()
	b.P("INSERT INTO").Ident(rel.Namespace.Name, rel.Name).Wrap(func(b *Builder) {
		b.Comma(len(cols), func(i int) { b.Ident(cols[i].Name) })
	})
	b.P("VALUES")
	b.Comma(len(rows), func(i int) {
		b.Wrap(func(b *Builder) {
			b.Comma(len(cols), func(j int) {
				a := cols[j]
				if v, ok := rows[i][a.Name]; ok {
					b.Arg(v)
				} else {
					b.P("DEFAULT")
				}
			})
		})
	})
	b.P("RETURNING")
	b.Comma(len(rel.Attributes), func(i int) { b.Ident(rel.Attributes[i].Name) })
	st := b.Statement()
	return &st, nil
}

// Update compiles an update-by-key request.
func (c *Compiler) Update(rel *schema.Relation, req *Update) (*Statement, error) {
	key, err := matchKey(rel, req.Key)
	if err != nil {
		return nil, err
	}
	var cols []*schema.Attribute
	for _, a := range rel.Attributes {
		if _, ok := req.Data[a.Name]; ok {
			if a.Generated {
				return nil, &DocumentError{Reason: fmt.Sprintf("column %q is generated and cannot be written", a.Name)}
			}
			cols = append(cols, a)
		}
	}
	if len(cols) != len(req.Data) {
		for name := range req.Data {
			if _, ok := rel.Attribute(name); !ok {
				return nil, &UnknownFieldError{Name: name}
			}
		}
	}
	b := NewBuilder()
	b.P("UPDATE").Ident(rel.Namespace.Name, rel.Name).P("SET")
	b.Comma(len(cols), func(i int) {
		a := cols[i]
		v, err2 := convert(a.Type, req.Data[a.Name])
		if err2 != nil {
			err = err2
			v = nil
		}
		b.Ident(a.Name).P("=").Arg(v)
	})
	if err != nil {
		return nil, err
	}
	b.P("WHERE")
	keyWhere(b, key, req.Key, &err)
	if err != nil {
		return nil, err
	}
	b.P("RETURNING")
	b.Comma(len(rel.Attributes), func(i int) { b.Ident(rel.Attributes[i].Name) })
	st := b.Statement()
	return &st, nil
}

// Delete compiles a delete-by-key request. Affected-row accounting is
// the caller's job; the statement returns nothing.
func (c *Compiler) Delete(rel *schema.Relation, k Key) (*Statement, error) {
	key, err := matchKey(rel, k)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.P("DELETE FROM").Ident(rel.Namespace.Name, rel.Name).P("WHERE")
	keyWhere(b, key, k, &err)
	if err != nil {
		return nil, err
	}
	st := b.Statement()
	return &st, nil
}

// SelectByKey compiles a single-row read by key.
func (c *Compiler) SelectByKey(rel *schema.Relation, k Key) (*Statement, error) {
	key, err := matchKey(rel, k)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.P("SELECT")
	b.Comma(len(rel.Attributes), func(i int) { b.Ident(rel.Attributes[i].Name) })
	b.P("FROM").Ident(rel.Namespace.Name, rel.Name).P("WHERE")
	keyWhere(b, key, k, &err)
	if err != nil {
		return nil, err
	}
	st := b.Statement()
	return &st, nil
}

// Call compiles a callable invocation with named-notation binding.
// Declared arguments without a name can only be satisfied by their
// default.
func (c *Compiler) Call(call *schema.Callable, args map[string]any) (*Statement, error) {
	in := call.InArgs()
	declared := make(map[string]*schema.CallableArg, len(in))
	for _, a := range in {
		if a.Name != "" {
			declared[a.Name] = a
		}
	}
	for name := range args {
		if _, ok := declared[name]; !ok {
			return nil, &UnknownArgumentError{Callable: call.QualifiedName(), Name: name}
		}
	}
	var bound []*schema.CallableArg
	for i, a := range in {
		if a.Name == "" {
			if !a.HasDefault {
				return nil, &MissingArgumentError{Callable: call.QualifiedName(), Name: fmt.Sprintf("$%d", i+1)}
			}
			continue
		}
		if _, ok := args[a.Name]; !ok {
			if !a.HasDefault {
				return nil, &MissingArgumentError{Callable: call.QualifiedName(), Name: a.Name}
			}
			continue
		}
		bound = append(bound, a)
	}
	b := NewBuilder()
	if call.Kind == schema.KindProcedure {
		b.P("CALL").Ident(call.Namespace.Name, call.Name)
	} else {
		b.P("SELECT * FROM").Ident(call.Namespace.Name, call.Name)
	}
	b.trimSpace()
	var err error
	b.Wrap(func(b *Builder) {
		b.Comma(len(bound), func(i int) {
			a := bound[i]
			v, err2 := convert(a.Type, args[a.Name])
			if err2 != nil {
				err = err2
			}
			b.Ident(a.Name).P("=>").Arg(v)
		})
	})
	if err != nil {
		return nil, err
	}
	st := b.Statement()
	return &st, nil
}

// projection writes the select list for rel at the given alias:
// requested columns plus one correlated subquery per nested select.
func (c *Compiler) projection(b *Builder, rel *schema.Relation, sel *SelectClause, alias string, aliases *aliasSeq) error {
	attrs, err := fields(rel, sel)
	if err != nil {
		return err
	}
	b.Comma(len(attrs), func(i int) { b.Ident(alias, attrs[i].Name) })
	if sel == nil {
		return nil
	}
	for _, name := range sel.Order {
		b.trimSpace()
		b.P(",")
		if err := c.nested(b, rel, name, sel.Nested[name], alias, aliases); err != nil {
			return err
		}
	}
	return nil
}

// nested writes one correlated json_agg subquery for a relation
// reachable from rel over a foreign key in either direction. Deeper
// select clauses recurse inside the aggregated object.
func (c *Compiler) nested(b *Builder, rel *schema.Relation, name string, sel *SelectClause, alias string, aliases *aliasSeq) error {
	if err := c.nestedExpr(b, rel, name, sel, alias, aliases); err != nil {
		return err
	}
	b.trimSpace()
	b.P("AS").Ident(name)
	return nil
}

func (c *Compiler) nestedExpr(b *Builder, rel *schema.Relation, name string, sel *SelectClause, alias string, aliases *aliasSeq) error {
	fk, target, flipped := reach(rel, name)
	if fk == nil {
		return &UnknownRelationError{Name: name}
	}
	sub := aliases.next()
	attrs, err := fields(target, sel)
	if err != nil {
		return err
	}
	var inner error
	b.Wrap(func(b *Builder) {
		b.P("SELECT COALESCE(json_agg(json_build_object(")
		b.trimSpace()
		b.Comma(len(attrs), func(i int) {
			b.Arg(attrs[i].Name)
			b.trimSpace()
			b.P(",").Ident(sub, attrs[i].Name)
		})
		if sel != nil {
			for _, child := range sel.Order {
				b.trimSpace()
				b.P(",").Arg(child)
				b.trimSpace()
				b.P(",")
				if err2 := c.nestedExpr(b, target, child, sel.Nested[child], sub, aliases); err2 != nil && inner == nil {
					inner = err2
				}
			}
		}
		b.trimSpace()
		b.P(")), '[]'::json)")
		b.P("FROM").Ident(target.Namespace.Name, target.Name).P("AS").Ident(sub)
		b.P("WHERE")
		local, remote := fk.Attributes, fk.RefAttributes
		if flipped {
			local, remote = remote, local
		}
		for i := range local {
			if i > 0 {
				b.P("AND")
			}
			b.Ident(sub, remote[i].Name).P("=").Ident(alias, local[i].Name)
		}
	})
	return inner
}

// condition writes one node of the where tree.
func (c *Compiler) condition(b *Builder, rel *schema.Relation, cond *Condition, alias string) error {
	if cond.Logic != "" {
		return c.logical(b, rel, cond, alias)
	}
	attr, ok := rel.Attribute(cond.Field)
	if !ok {
		return &UnknownFieldError{Name: cond.Field}
	}
	t := attr.Type
	switch op := cond.Operator; op {
	case OpIsNull:
		b.Ident(alias, attr.Name).P("IS NULL")
	case OpIsNotNull:
		b.Ident(alias, attr.Name).P("IS NOT NULL")
	case OpIn, OpNotIn:
		if !t.Comparable() {
			return &OperatorTypeMismatchError{Field: attr.Name, Operator: op, Reason: "type has no equality"}
		}
		items, ok := cond.Value.([]any)
		if !ok {
			return &OperatorTypeMismatchError{Field: attr.Name, Operator: op, Reason: "value must be an array"}
		}
		if len(items) == 0 {
			// IN () is not valid SQL; an empty list matches nothing.
			if op == OpIn {
				b.P("FALSE")
			} else {
				b.P("TRUE")
			}
			return nil
		}
		vals := make([]any, len(items))
		for i, item := range items {
			v, err := convert(t, item)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		b.Ident(alias, attr.Name)
		if op == OpNotIn {
			b.P("NOT")
		}
		b.P("IN")
		b.Wrap(func(b *Builder) {
			b.Comma(len(vals), func(i int) { b.Arg(vals[i]) })
		})
	case OpLike, OpILike:
		if !t.Textual() {
			return &OperatorTypeMismatchError{Field: attr.Name, Operator: op, Reason: "pattern match requires a text type"}
		}
		pattern, ok := cond.Value.(string)
		if !ok {
			return &OperatorTypeMismatchError{Field: attr.Name, Operator: op, Reason: "pattern must be a string"}
		}
		b.Ident(alias, attr.Name).P(comparisonOps[op]).Arg(pattern)
	case OpGt, OpGte, OpLt, OpLte:
		if !t.Ordered() {
			return &OperatorTypeMismatchError{Field: attr.Name, Operator: op, Reason: "type has no sort order"}
		}
		v, err := convert(t, cond.Value)
		if err != nil {
			return err
		}
		b.Ident(alias, attr.Name).P(comparisonOps[op]).Arg(v)
	case OpEq, OpNeq:
		if !t.Comparable() {
			return &OperatorTypeMismatchError{Field: attr.Name, Operator: op, Reason: "type has no equality"}
		}
		if cond.Value == nil {
			// eq/neq null follows SQL IS semantics so it stays useful.
			if op == OpEq {
				b.Ident(alias, attr.Name).P("IS NULL")
			} else {
				b.Ident(alias, attr.Name).P("IS NOT NULL")
			}
			return nil
		}
		v, err := convert(t, cond.Value)
		if err != nil {
			return err
		}
		b.Ident(alias, attr.Name).P(comparisonOps[op]).Arg(v)
	}
	return nil
}

func (c *Compiler) logical(b *Builder, rel *schema.Relation, cond *Condition, alias string) error {
	if cond.Logic == LogicNot {
		b.P("NOT")
		var err error
		b.Wrap(func(b *Builder) {
			err = c.condition(b, rel, cond.Conditions[0], alias)
		})
		return err
	}
	join := "AND"
	if cond.Logic == LogicOr {
		join = "OR"
	}
	var err error
	b.Wrap(func(b *Builder) {
		for i, sub := range cond.Conditions {
			if i > 0 {
				b.P(join)
			}
			if err2 := c.condition(b, rel, sub, alias); err2 != nil && err == nil {
				err = err2
			}
		}
	})
	return err
}

func (c *Compiler) page(p *Pagination) (limit, offset int, err error) {
	limit = c.DefaultLimit
	if p != nil {
		if p.Limit != nil {
			limit = *p.Limit
		}
		offset = p.Offset
	}
	if c.MaxLimit > 0 && limit > c.MaxLimit {
		return 0, 0, &LimitExceededError{Limit: limit, Max: c.MaxLimit}
	}
	return limit, offset, nil
}

// fields resolves the requested projection, defaulting to all
// attributes.
func fields(rel *schema.Relation, sel *SelectClause) ([]*schema.Attribute, error) {
	if sel == nil || len(sel.Fields) == 0 {
		return rel.Attributes, nil
	}
	attrs := make([]*schema.Attribute, len(sel.Fields))
	for i, name := range sel.Fields {
		a, ok := rel.Attribute(name)
		if !ok {
			return nil, &UnknownFieldError{Name: name}
		}
		attrs[i] = a
	}
	return attrs, nil
}

// reach finds a foreign key connecting rel to the named relation:
// either a key rel declares (child to parent) or one declared on the
// other relation pointing back (parent to children, flipped).
func reach(rel *schema.Relation, name string) (fk *schema.Constraint, target *schema.Relation, flipped bool) {
	for _, c := range rel.ForeignKeys() {
		if c.RefRelation.Name == name || c.RefRelation.QualifiedName() == name {
			return c, c.RefRelation, false
		}
	}
	for _, c := range rel.ReferencedBy {
		if c.Dangling {
			continue
		}
		if c.Relation.Name == name || c.Relation.QualifiedName() == name {
			return c, c.Relation, true
		}
	}
	return nil, nil, false
}

// matchKey checks the strict key-shape rule: the key names must exactly
// cover the primary key or exactly one unique constraint.
func matchKey(rel *schema.Relation, k Key) (*schema.Constraint, error) {
	for name := range k {
		if _, ok := rel.Attribute(name); !ok {
			return nil, &UnknownFieldError{Name: name}
		}
	}
	candidates := rel.UniqueConstraints()
	if pk, ok := rel.PrimaryKey(); ok {
		candidates = append([]*schema.Constraint{pk}, candidates...)
	}
	for _, c := range candidates {
		if covers(c, k) {
			return c, nil
		}
	}
	names := make([]string, 0, len(k))
	for _, a := range rel.Attributes {
		if _, ok := k[a.Name]; ok {
			names = append(names, a.Name)
		}
	}
	return nil, &KeyShapeMismatchError{Relation: rel.QualifiedName(), Keys: names}
}

func covers(c *schema.Constraint, k Key) bool {
	if len(c.Attributes) != len(k) {
		return false
	}
	for _, a := range c.Attributes {
		if _, ok := k[a.Name]; !ok {
			return false
		}
	}
	return true
}

// keyWhere writes the equality chain for a matched key in constraint
// attribute order.
func keyWhere(b *Builder, key *schema.Constraint, k Key, err *error) {
	for i, a := range key.Attributes {
		if i > 0 {
			b.P("AND")
		}
		v, err2 := convert(a.Type, k[a.Name])
		if err2 != nil && *err == nil {
			*err = err2
		}
		b.Ident(a.Name).P("=").Arg(v)
	}
}

// convert narrows a decoded JSON value to a Go value pgx can encode for
// the attribute type. Numbers arrive as json.Number and are widened by
// category so integers never pass through float64.
func convert(t *schema.TypeDescriptor, v any) (any, error) {
	if t == nil {
		return v, nil
	}
	u := t.Underlying()
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		switch u.Category {
		case schema.CategoryInteger:
			n, err := val.Int64()
			if err != nil {
				return nil, &DocumentError{Reason: fmt.Sprintf("value %s is not an integer", val)}
			}
			return n, nil
		case schema.CategoryFloat:
			f, err := val.Float64()
			if err != nil {
				return nil, &DocumentError{Reason: fmt.Sprintf("value %s is not a number", val)}
			}
			return f, nil
		default:
			// numeric and friends take the text form untouched.
			return val.String(), nil
		}
	case []any:
		switch u.Category {
		case schema.CategoryArray:
			items := make([]any, len(val))
			for i, item := range val {
				cv, err := convert(u.Elem, item)
				if err != nil {
					return nil, err
				}
				items[i] = cv
			}
			return items, nil
		case schema.CategoryJSON, schema.CategoryJSONB:
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, &DocumentError{Reason: "value is not representable as JSON"}
			}
			return string(raw), nil
		}
		return nil, &DocumentError{Reason: "array value for a scalar column"}
	case map[string]any:
		switch u.Category {
		case schema.CategoryJSON, schema.CategoryJSONB:
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, &DocumentError{Reason: "value is not representable as JSON"}
			}
			return string(raw), nil
		}
		return nil, &DocumentError{Reason: "object value for a scalar column"}
	default:
		return v, nil
	}
}

// aliasSeq hands out the s0, s1, ... aliases of nested subqueries.
type aliasSeq struct{ n int }

func (a *aliasSeq) next() string {
	s := fmt.Sprintf("s%d", a.n)
	a.n++
	return s
}
