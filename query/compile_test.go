// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pghatch/pghatch/schema"
)

var (
	typInt4 = &schema.TypeDescriptor{OID: 23, Name: "int4", Category: schema.CategoryInteger, Width: 4}
	typText = &schema.TypeDescriptor{OID: 25, Name: "text", Category: schema.CategoryText}
	typNum  = &schema.TypeDescriptor{OID: 1700, Name: "numeric", Category: schema.CategoryNumeric}
	typJSON = &schema.TypeDescriptor{OID: 3802, Name: "jsonb", Category: schema.CategoryJSONB}
	typTS   = &schema.TypeDescriptor{OID: 1184, Name: "timestamptz", Category: schema.CategoryTimestamp, WithTZ: true}
)

// fixture builds a users/orders pair joined by a foreign key, the way
// the introspector would wire them.
func fixture(t *testing.T) (users, orders *schema.Relation) {
	t.Helper()
	ns := &schema.Namespace{Name: "public"}
	users = &schema.Relation{
		Name: "users", Namespace: ns, Kind: schema.KindOrdinary,
		Attributes: []*schema.Attribute{
			{Num: 1, Name: "id", Type: typInt4, NotNull: true, HasDefault: true},
			{Num: 2, Name: "name", Type: typText, NotNull: true},
			{Num: 3, Name: "email", Type: typText},
			{Num: 4, Name: "meta", Type: typJSON},
			{Num: 5, Name: "created_at", Type: typTS, NotNull: true, HasDefault: true},
		},
		Privileges: schema.Privileges{Select: true, Insert: true, Update: true, Delete: true},
	}
	users.Constraints = []*schema.Constraint{
		{Name: "users_pkey", Kind: schema.PrimaryKey, Relation: users, Attributes: users.Attributes[:1]},
		{Name: "users_email_key", Kind: schema.Unique, Relation: users, Attributes: users.Attributes[2:3]},
	}
	orders = &schema.Relation{
		Name: "orders", Namespace: ns, Kind: schema.KindOrdinary,
		Attributes: []*schema.Attribute{
			{Num: 1, Name: "id", Type: typInt4, NotNull: true, HasDefault: true},
			{Num: 2, Name: "user_id", Type: typInt4, NotNull: true},
			{Num: 3, Name: "total", Type: typNum, NotNull: true},
		},
		Privileges: schema.Privileges{Select: true, Insert: true, Update: true, Delete: true},
	}
	fk := &schema.Constraint{
		Name: "orders_user_id_fkey", Kind: schema.ForeignKey, Relation: orders,
		Attributes:    orders.Attributes[1:2],
		RefRelation:   users,
		RefAttributes: users.Attributes[:1],
	}
	orders.Constraints = []*schema.Constraint{
		{Name: "orders_pkey", Kind: schema.PrimaryKey, Relation: orders, Attributes: orders.Attributes[:1]},
		fk,
	}
	users.ReferencedBy = []*schema.Constraint{fk}
	ns.Relations = []*schema.Relation{users, orders}
	return users, orders
}

func testCompiler() *Compiler {
	return &Compiler{DefaultLimit: 50, MaxLimit: 500}
}

func TestSelectAll(t *testing.T) {
	users, _ := fixture(t)
	q, err := testCompiler().Select(users, nil)
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "t"."id", "t"."name", "t"."email", "t"."meta", "t"."created_at", `+
			`count(*) OVER () AS "__total" FROM "public"."users" AS "t" LIMIT $1 OFFSET $2`,
		q.SQL,
	)
	require.Equal(t, []any{50, 0}, q.Args)
	require.Equal(t, `SELECT count(*) FROM "public"."users" AS "t"`, q.CountSQL)
	require.Empty(t, q.CountArgs)
}

func TestSelectWhere(t *testing.T) {
	users, _ := fixture(t)
	doc := &Document{
		Select: &SelectClause{Fields: []string{"id", "name"}},
		Where: &Condition{
			Logic: LogicAnd,
			Conditions: []*Condition{
				{Field: "name", Operator: OpILike, Value: "a%"},
				{Field: "id", Operator: OpGte, Value: json.Number("10")},
			},
		},
		Pagination: &Pagination{Limit: intp(5), Offset: 20},
	}
	q, err := testCompiler().Select(users, doc)
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "t"."id", "t"."name", count(*) OVER () AS "__total" `+
			`FROM "public"."users" AS "t" `+
			`WHERE ("t"."name" ILIKE $1 AND "t"."id" >= $2) LIMIT $3 OFFSET $4`,
		q.SQL,
	)
	require.Equal(t, []any{"a%", int64(10), 5, 20}, q.Args)
	require.Equal(t, []any{"a%", int64(10)}, q.CountArgs)
}

func TestSelectNested(t *testing.T) {
	users, _ := fixture(t)
	doc := &Document{
		Select: &SelectClause{
			Fields: []string{"id"},
			Nested: map[string]*SelectClause{
				"orders": {Fields: []string{"id", "total"}},
			},
			Order: []string{"orders"},
		},
	}
	q, err := testCompiler().Select(users, doc)
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "t"."id", (SELECT COALESCE(json_agg(json_build_object($1, "s0"."id", $2, "s0"."total")), '[]'::json) `+
			`FROM "public"."orders" AS "s0" WHERE "s0"."user_id" = "t"."id") AS "orders", `+
			`count(*) OVER () AS "__total" FROM "public"."users" AS "t" LIMIT $3 OFFSET $4`,
		q.SQL,
	)
	require.Equal(t, []any{"id", "total", 50, 0}, q.Args)
}

func TestSelectNestedParent(t *testing.T) {
	_, orders := fixture(t)
	doc := &Document{
		Select: &SelectClause{
			Fields: []string{"id"},
			Nested: map[string]*SelectClause{"users": {Fields: []string{"name"}}},
			Order:  []string{"users"},
		},
	}
	q, err := testCompiler().Select(orders, doc)
	require.NoError(t, err)
	require.Contains(t, q.SQL, `FROM "public"."users" AS "s0" WHERE "s0"."id" = "t"."user_id"`)
}

func TestSelectNestedUnknown(t *testing.T) {
	users, _ := fixture(t)
	doc := &Document{
		Select: &SelectClause{
			Nested: map[string]*SelectClause{"invoices": {}},
			Order:  []string{"invoices"},
		},
	}
	_, err := testCompiler().Select(users, doc)
	var ure *UnknownRelationError
	require.ErrorAs(t, err, &ure)
	require.Equal(t, "invoices", ure.Name)
}

func TestSelectValidation(t *testing.T) {
	users, _ := fixture(t)
	for name, tt := range map[string]struct {
		doc  *Document
		want error
	}{
		"unknown field": {
			doc:  &Document{Where: &Condition{Field: "nope", Operator: OpEq, Value: "x"}},
			want: &UnknownFieldError{},
		},
		"like on integer": {
			doc:  &Document{Where: &Condition{Field: "id", Operator: OpLike, Value: "1%"}},
			want: &OperatorTypeMismatchError{},
		},
		"order on json": {
			doc:  &Document{Where: &Condition{Field: "meta", Operator: OpGt, Value: "x"}},
			want: &OperatorTypeMismatchError{},
		},
		"limit over max": {
			doc:  &Document{Pagination: &Pagination{Limit: intp(1000)}},
			want: &LimitExceededError{},
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := testCompiler().Select(users, tt.doc)
			require.Error(t, err)
			require.True(t, IsValidation(err))
		})
	}
}

func TestSelectInList(t *testing.T) {
	users, _ := fixture(t)
	doc := &Document{
		Where: &Condition{Field: "id", Operator: OpIn, Value: []any{json.Number("1"), json.Number("2")}},
	}
	q, err := testCompiler().Select(users, doc)
	require.NoError(t, err)
	require.Contains(t, q.SQL, `"t"."id" IN ($1, $2)`)
	require.Equal(t, []any{int64(1), int64(2), 50, 0}, q.Args)

	doc.Where.Value = []any{}
	q, err = testCompiler().Select(users, doc)
	require.NoError(t, err)
	require.Contains(t, q.SQL, `WHERE FALSE`)
}

func TestSelectEqNull(t *testing.T) {
	users, _ := fixture(t)
	doc := &Document{Where: &Condition{Field: "email", Operator: OpEq, Value: nil}}
	q, err := testCompiler().Select(users, doc)
	require.NoError(t, err)
	require.Contains(t, q.SQL, `"t"."email" IS NULL`)
}

// Request values must never appear in statement text, whatever they
// contain.
func TestParameterization(t *testing.T) {
	users, _ := fixture(t)
	hostile := `'; DROP TABLE "users"; --`
	doc := &Document{Where: &Condition{Field: "name", Operator: OpEq, Value: hostile}}
	q, err := testCompiler().Select(users, doc)
	require.NoError(t, err)
	require.NotContains(t, q.SQL, "DROP TABLE")
	require.Contains(t, q.Args, hostile)
}

func TestInsert(t *testing.T) {
	users, _ := fixture(t)
	st, err := testCompiler().Insert(users, &Create{
		Rows:   []map[string]any{{"name": "ada", "email": "ada@example.com"}},
		Single: true,
	})
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO "public"."users" ("name", "email") VALUES ($1, $2) `+
			`RETURNING "id", "name", "email", "meta", "created_at"`,
		st.SQL,
	)
	require.Equal(t, []any{"ada", "ada@example.com"}, st.Args)
}

func TestInsertBatchDefaults(t *testing.T) {
	users, _ := fixture(t)
	st, err := testCompiler().Insert(users, &Create{Rows: []map[string]any{
		{"name": "ada", "email": "ada@example.com"},
		{"name": "alan"},
	}})
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO "public"."users" ("name", "email") VALUES ($1, $2), ($3, DEFAULT) `+
			`RETURNING "id", "name", "email", "meta", "created_at"`,
		st.SQL,
	)
	require.Equal(t, []any{"ada", "ada@example.com", "alan"}, st.Args)
}

func TestInsertMissingRequired(t *testing.T) {
	users, _ := fixture(t)
	_, err := testCompiler().Insert(users, &Create{Rows: []map[string]any{{"email": "x@y"}}})
	var mfe *MissingFieldError
	require.ErrorAs(t, err, &mfe)
	require.Equal(t, "name", mfe.Name)
}

func TestWriteGeneratedColumn(t *testing.T) {
	users, _ := fixture(t)
	users.Attributes = append(users.Attributes, &schema.Attribute{
		Num: 6, Name: "name_upper", Type: typText, NotNull: true, Generated: true,
	})
	_, err := testCompiler().Insert(users, &Create{
		Rows: []map[string]any{{"name": "ada", "name_upper": "ADA"}},
	})
	require.Error(t, err)
	require.True(t, IsValidation(err))

	_, err = testCompiler().Update(users, &Update{
		Key:  Key{"id": json.Number("1")},
		Data: map[string]any{"name_upper": "ADA"},
	})
	require.Error(t, err)
	require.True(t, IsValidation(err))

	// A generated column is never a required insert target either.
	st, err := testCompiler().Insert(users, &Create{Rows: []map[string]any{{"name": "ada"}}})
	require.NoError(t, err)
	require.Contains(t, st.SQL, `("name") VALUES`)
}

func TestUpdate(t *testing.T) {
	users, _ := fixture(t)
	st, err := testCompiler().Update(users, &Update{
		Key:  Key{"id": json.Number("7")},
		Data: map[string]any{"name": "grace"},
	})
	require.NoError(t, err)
	require.Equal(t,
		`UPDATE "public"."users" SET "name" = $1 WHERE "id" = $2 `+
			`RETURNING "id", "name", "email", "meta", "created_at"`,
		st.SQL,
	)
	require.Equal(t, []any{"grace", int64(7)}, st.Args)
}

func TestUpdateByUniqueKey(t *testing.T) {
	users, _ := fixture(t)
	st, err := testCompiler().Update(users, &Update{
		Key:  Key{"email": "ada@example.com"},
		Data: map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	require.Contains(t, st.SQL, `WHERE "email" = $2`)
}

func TestKeyShape(t *testing.T) {
	users, _ := fixture(t)
	for name, key := range map[string]Key{
		"non-key column": {"name": "ada"},
		"partial pair":   {"id": json.Number("1"), "email": "a@b"},
		"superset":       {"id": json.Number("1"), "name": "ada"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := testCompiler().Delete(users, key)
			var kse *KeyShapeMismatchError
			require.ErrorAs(t, err, &kse)
		})
	}
}

func TestDelete(t *testing.T) {
	users, _ := fixture(t)
	st, err := testCompiler().Delete(users, Key{"id": json.Number("3")})
	require.NoError(t, err)
	require.Equal(t, `DELETE FROM "public"."users" WHERE "id" = $1`, st.SQL)
	require.Equal(t, []any{int64(3)}, st.Args)
}

func callable(kind schema.CallableKind) *schema.Callable {
	ns := &schema.Namespace{Name: "public"}
	return &schema.Callable{
		Name: "add_user", Namespace: ns, Kind: kind,
		Args: []*schema.CallableArg{
			{Name: "name", Mode: schema.ArgIn, Type: typText},
			{Name: "email", Mode: schema.ArgIn, Type: typText, HasDefault: true},
		},
		Returns:    schema.ReturnsScalar,
		ReturnType: typInt4,
		Volatility: schema.Volatile,
	}
}

func TestCall(t *testing.T) {
	st, err := testCompiler().Call(callable(schema.KindFunction), map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "public"."add_user"("name" => $1)`, st.SQL)
	require.Equal(t, []any{"ada"}, st.Args)
}

func TestCallProcedure(t *testing.T) {
	st, err := testCompiler().Call(callable(schema.KindProcedure), map[string]any{"name": "ada", "email": "a@b"})
	require.NoError(t, err)
	require.Equal(t, `CALL "public"."add_user"("name" => $1, "email" => $2)`, st.SQL)
}

func TestCallArgumentValidation(t *testing.T) {
	c := testCompiler()
	_, err := c.Call(callable(schema.KindFunction), map[string]any{"nick": "ada"})
	var uae *UnknownArgumentError
	require.ErrorAs(t, err, &uae)

	_, err = c.Call(callable(schema.KindFunction), nil)
	var mae *MissingArgumentError
	require.ErrorAs(t, err, &mae)
	require.Equal(t, "name", mae.Name)
}

func intp(n int) *int { return &n }
