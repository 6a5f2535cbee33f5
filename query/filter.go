// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package query

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operator is a comparison operator of the filter protocol.
type Operator string

// Comparison operators.
const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpLike      Operator = "like"
	OpILike     Operator = "ilike"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

var comparisonOps = map[Operator]string{
	OpEq:    "=",
	OpNeq:   "<>",
	OpGt:    ">",
	OpGte:   ">=",
	OpLt:    "<",
	OpLte:   "<=",
	OpLike:  "LIKE",
	OpILike: "ILIKE",
	// in, not_in, is_null and is_not_null have no binary SQL form and
	// are rendered by the compiler directly.
	OpIn: "", OpNotIn: "", OpIsNull: "", OpIsNotNull: "",
}

// Logical operators.
const (
	LogicAnd = "and"
	LogicOr  = "or"
	LogicNot = "not"
)

type (
	// A Document is the declarative description of a read: projection,
	// filter and page.
	Document struct {
		Select     *SelectClause
		Where      *Condition
		Pagination *Pagination
	}

	// A SelectClause names the fields to project. Keys other than
	// "fields" name relations reachable over a foreign key and select
	// from them recursively; Order preserves their document order so
	// compiled SQL is deterministic.
	SelectClause struct {
		Fields []string
		Nested map[string]*SelectClause
		Order  []string
	}

	// A Condition is one node of the where tree.
	Condition struct {
		// Comparison fields.
		Field    string
		Operator Operator
		Value    any
		// Logical fields. Logic is empty for comparisons.
		Logic      string
		Conditions []*Condition
	}

	// Pagination selects the page window. A nil Limit means the
	// configured default applies. Cursor is accepted and ignored.
	Pagination struct {
		Limit  *int
		Offset int
		Cursor string
	}

	// A Key identifies at most one row: its names must exactly match
	// the primary key or one unique constraint.
	Key map[string]any

	// An Update carries a key and the fields to change.
	Update struct {
		Key  Key
		Data map[string]any
	}

	// A Create carries one row or a batch. Single records that the
	// request body held a bare object, so the reply mirrors it.
	Create struct {
		Rows   []map[string]any
		Single bool
	}
)

// ParseDocument parses and validates a FilterDocument body. Unknown
// top-level keys, unknown operators and wrong shapes are rejected.
func ParseDocument(data []byte) (*Document, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	for k, v := range obj {
		switch k {
		case "select":
			if doc.Select, err = parseSelect(v); err != nil {
				return nil, err
			}
		case "where":
			if doc.Where, err = parseCondition(v); err != nil {
				return nil, err
			}
		case "pagination":
			if doc.Pagination, err = parsePagination(v); err != nil {
				return nil, err
			}
		default:
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q", k)}
		}
	}
	return doc, nil
}

// HasKey reports if a POST body is an update (it carries "key") rather
// than a filter document.
func HasKey(data []byte) bool {
	var probe struct {
		Key json.RawMessage `json:"key"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.Key != nil
}

// ParseUpdate parses an UpdateRequest body.
func ParseUpdate(data []byte) (*Update, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	u := &Update{}
	for k, v := range obj {
		switch k {
		case "key":
			if u.Key, err = parseKey(v); err != nil {
				return nil, err
			}
		case "data":
			if u.Data, err = valueObject(v); err != nil {
				return nil, err
			}
		default:
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q", k)}
		}
	}
	if u.Key == nil {
		return nil, &DocumentError{Reason: `update requires "key"`}
	}
	if len(u.Data) == 0 {
		return nil, &DocumentError{Reason: `update requires a non-empty "data" object`}
	}
	return u, nil
}

// ParseCreate parses a CreateRequest body holding one row or a batch.
func ParseCreate(data []byte) (*Create, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	for k, v := range obj {
		if k != "data" {
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q", k)}
		}
		raw = v
	}
	if raw == nil {
		return nil, &DocumentError{Reason: `create requires "data"`}
	}
	c := &Create{}
	if bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte("[")) {
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, &DocumentError{Reason: "data must be an object or an array of objects"}
		}
		for _, r := range rows {
			row, err := valueObject(r)
			if err != nil {
				return nil, err
			}
			c.Rows = append(c.Rows, row)
		}
	} else {
		row, err := valueObject(raw)
		if err != nil {
			return nil, err
		}
		c.Rows, c.Single = []map[string]any{row}, true
	}
	if len(c.Rows) == 0 {
		return nil, &DocumentError{Reason: "data must contain at least one row"}
	}
	return c, nil
}

// ParseKeyRequest parses a PrimaryKeyRequest body: {"values": {...}}.
func ParseKeyRequest(data []byte) (Key, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	var key Key
	for k, v := range obj {
		if k != "values" {
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q", k)}
		}
		if key, err = valueObject(v); err != nil {
			return nil, err
		}
	}
	if len(key) == 0 {
		return nil, &DocumentError{Reason: `request requires a non-empty "values" object`}
	}
	return key, nil
}

// ParseArguments parses a callable invocation body:
// {"arguments": {...}}. An absent arguments object means no arguments.
func ParseArguments(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	for k, v := range obj {
		if k != "arguments" {
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q", k)}
		}
		if args, err = valueObject(v); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func parseKey(data []byte) (Key, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	var key Key
	for k, v := range obj {
		if k != "values" {
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q in key", k)}
		}
		if key, err = valueObject(v); err != nil {
			return nil, err
		}
	}
	if len(key) == 0 {
		return nil, &DocumentError{Reason: "key must contain a non-empty values object"}
	}
	return key, nil
}

// parseSelect decodes a select clause preserving document order of the
// nested relation keys.
func parseSelect(data []byte) (*SelectClause, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, &DocumentError{Reason: "select must be an object"}
	}
	sel := &SelectClause{Nested: map[string]*SelectClause{}}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &DocumentError{Reason: "malformed select"}
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, &DocumentError{Reason: "malformed select"}
		}
		if key == "fields" {
			if err := json.Unmarshal(raw, &sel.Fields); err != nil {
				return nil, &DocumentError{Reason: "select.fields must be an array of field names"}
			}
			continue
		}
		nested, err := parseSelect(raw)
		if err != nil {
			return nil, err
		}
		sel.Nested[key] = nested
		sel.Order = append(sel.Order, key)
	}
	return sel, nil
}

func parseCondition(data []byte) (*Condition, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	typ, err := stringField(obj, "type")
	if err != nil {
		return nil, err
	}
	switch typ {
	case "comparison":
		return parseComparison(obj)
	case "logical":
		return parseLogical(obj)
	default:
		return nil, &DocumentError{Reason: fmt.Sprintf("unknown condition type %q", typ)}
	}
}

func parseComparison(obj map[string]json.RawMessage) (*Condition, error) {
	c := &Condition{}
	for k, v := range obj {
		switch k {
		case "type":
		case "field":
			if err := json.Unmarshal(v, &c.Field); err != nil {
				return nil, &DocumentError{Reason: "field must be a string"}
			}
		case "operator":
			var op string
			if err := json.Unmarshal(v, &op); err != nil {
				return nil, &DocumentError{Reason: "operator must be a string"}
			}
			c.Operator = Operator(op)
		case "value":
			val, err := value(v)
			if err != nil {
				return nil, err
			}
			c.Value = val
		default:
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q in comparison", k)}
		}
	}
	if c.Field == "" {
		return nil, &DocumentError{Reason: "comparison requires a field"}
	}
	if _, ok := comparisonOps[c.Operator]; !ok {
		return nil, &DocumentError{Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
	return c, nil
}

func parseLogical(obj map[string]json.RawMessage) (*Condition, error) {
	c := &Condition{}
	for k, v := range obj {
		switch k {
		case "type":
		case "operator":
			if err := json.Unmarshal(v, &c.Logic); err != nil {
				return nil, &DocumentError{Reason: "operator must be a string"}
			}
		case "conditions":
			var items []json.RawMessage
			if err := json.Unmarshal(v, &items); err != nil {
				return nil, &DocumentError{Reason: "conditions must be an array"}
			}
			for _, item := range items {
				sub, err := parseCondition(item)
				if err != nil {
					return nil, err
				}
				c.Conditions = append(c.Conditions, sub)
			}
		default:
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q in logical condition", k)}
		}
	}
	switch c.Logic {
	case LogicAnd, LogicOr:
		if len(c.Conditions) == 0 {
			return nil, &DocumentError{Reason: fmt.Sprintf("%q requires at least one condition", c.Logic)}
		}
	case LogicNot:
		if len(c.Conditions) != 1 {
			return nil, &DocumentError{Reason: `"not" requires exactly one condition`}
		}
	default:
		return nil, &DocumentError{Reason: fmt.Sprintf("unknown logical operator %q", c.Logic)}
	}
	return c, nil
}

func parsePagination(data []byte) (*Pagination, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}
	p := &Pagination{}
	for k, v := range obj {
		switch k {
		case "limit":
			var n int
			if err := json.Unmarshal(v, &n); err != nil || n < 0 {
				return nil, &DocumentError{Reason: "limit must be a non-negative integer"}
			}
			p.Limit = &n
		case "offset":
			if err := json.Unmarshal(v, &p.Offset); err != nil || p.Offset < 0 {
				return nil, &DocumentError{Reason: "offset must be a non-negative integer"}
			}
		case "cursor":
			if err := json.Unmarshal(v, &p.Cursor); err != nil {
				return nil, &DocumentError{Reason: "cursor must be a string"}
			}
		default:
			return nil, &DocumentError{Reason: fmt.Sprintf("unknown key %q in pagination", k)}
		}
	}
	return p, nil
}

// object decodes data as a JSON object of raw members.
func object(data []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &DocumentError{Reason: "body must be a JSON object"}
	}
	return obj, nil
}

// valueObject decodes an object of scalar-or-array values, keeping
// numbers as json.Number so they survive the trip to the database
// without floating-point damage.
func valueObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, &DocumentError{Reason: "expected a JSON object"}
	}
	return m, nil
}

// value decodes a single JSON value with numbers kept as json.Number.
func value(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DocumentError{Reason: "malformed value"}
	}
	return v, nil
}

func stringField(obj map[string]json.RawMessage, name string) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", &DocumentError{Reason: fmt.Sprintf("missing %q", name)}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DocumentError{Reason: fmt.Sprintf("%s must be a string", name)}
	}
	return s, nil
}
