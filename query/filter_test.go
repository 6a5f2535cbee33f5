// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(`{
		"select": {"fields": ["id", "name"], "orders": {"fields": ["total"]}},
		"where": {
			"type": "logical",
			"operator": "and",
			"conditions": [
				{"type": "comparison", "field": "name", "operator": "ilike", "value": "a%"},
				{"type": "comparison", "field": "id", "operator": "in", "value": [1, 2, 3]}
			]
		},
		"pagination": {"limit": 10, "offset": 20}
	}`))
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, doc.Select.Fields)
	require.Equal(t, []string{"orders"}, doc.Select.Order)
	require.Equal(t, []string{"total"}, doc.Select.Nested["orders"].Fields)
	require.Equal(t, LogicAnd, doc.Where.Logic)
	require.Len(t, doc.Where.Conditions, 2)
	require.Equal(t, OpILike, doc.Where.Conditions[0].Operator)
	require.Equal(t, []any{json.Number("1"), json.Number("2"), json.Number("3")}, doc.Where.Conditions[1].Value)
	require.Equal(t, 10, *doc.Pagination.Limit)
	require.Equal(t, 20, doc.Pagination.Offset)
}

func TestParseDocumentNestedOrder(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"select": {"b": {}, "a": {}, "c": {}}}`))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c"}, doc.Select.Order)
}

func TestParseDocumentRejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown top-level key": `{"filter": {}}`,
		"unknown operator":      `{"where": {"type": "comparison", "field": "a", "operator": "regex", "value": "x"}}`,
		"unknown condition":     `{"where": {"type": "between", "field": "a"}}`,
		"comparison sans field": `{"where": {"type": "comparison", "operator": "eq", "value": 1}}`,
		"not with two children": `{"where": {"type": "logical", "operator": "not", "conditions": [
			{"type": "comparison", "field": "a", "operator": "is_null"},
			{"type": "comparison", "field": "b", "operator": "is_null"}]}}`,
		"empty and":       `{"where": {"type": "logical", "operator": "and", "conditions": []}}`,
		"negative limit":  `{"pagination": {"limit": -1}}`,
		"negative offset": `{"pagination": {"offset": -5}}`,
		"array body":      `[1, 2]`,
		"unknown key in pagination": `{"pagination": {"page": 3}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(body))
			var de *DocumentError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestParseDocumentCursorIgnored(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"pagination": {"cursor": "abc"}}`))
	require.NoError(t, err)
	require.Equal(t, "abc", doc.Pagination.Cursor)
	require.Nil(t, doc.Pagination.Limit)
}

func TestHasKey(t *testing.T) {
	require.True(t, HasKey([]byte(`{"key": {"values": {"id": 1}}, "data": {"name": "x"}}`)))
	require.False(t, HasKey([]byte(`{"where": {"type": "comparison"}}`)))
	require.False(t, HasKey([]byte(`{}`)))
}

func TestParseUpdate(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"key": {"values": {"id": 9}}, "data": {"name": "x"}}`))
	require.NoError(t, err)
	require.Equal(t, Key{"id": json.Number("9")}, u.Key)
	require.Equal(t, map[string]any{"name": "x"}, u.Data)

	_, err = ParseUpdate([]byte(`{"data": {"name": "x"}}`))
	require.Error(t, err)
	_, err = ParseUpdate([]byte(`{"key": {"values": {"id": 9}}}`))
	require.Error(t, err)
	_, err = ParseUpdate([]byte(`{"key": {"values": {}}, "data": {"name": "x"}}`))
	require.Error(t, err)
}

func TestParseCreate(t *testing.T) {
	c, err := ParseCreate([]byte(`{"data": {"name": "x"}}`))
	require.NoError(t, err)
	require.True(t, c.Single)
	require.Len(t, c.Rows, 1)

	c, err = ParseCreate([]byte(`{"data": [{"name": "x"}, {"name": "y"}]}`))
	require.NoError(t, err)
	require.False(t, c.Single)
	require.Len(t, c.Rows, 2)

	_, err = ParseCreate([]byte(`{"data": []}`))
	require.Error(t, err)
	_, err = ParseCreate([]byte(`{"rows": [{}]}`))
	require.Error(t, err)
}

func TestParseKeyRequest(t *testing.T) {
	k, err := ParseKeyRequest([]byte(`{"values": {"id": 4}}`))
	require.NoError(t, err)
	require.Equal(t, Key{"id": json.Number("4")}, k)

	_, err = ParseKeyRequest([]byte(`{"values": {}}`))
	require.Error(t, err)
	_, err = ParseKeyRequest([]byte(`{"id": 4}`))
	require.Error(t, err)
}

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments([]byte(`{"arguments": {"n": 2, "s": "x"}}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": json.Number("2"), "s": "x"}, args)

	args, err = ParseArguments(nil)
	require.NoError(t, err)
	require.Nil(t, args)

	_, err = ParseArguments([]byte(`{"args": {}}`))
	require.Error(t, err)
}

func TestIsValidation(t *testing.T) {
	require.True(t, IsValidation(&DocumentError{Reason: "x"}))
	require.True(t, IsValidation(&UnknownFieldError{Name: "x"}))
	require.False(t, IsValidation(json.Unmarshal([]byte("{"), &struct{}{})))
}
