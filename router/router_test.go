// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pghatch/pghatch/query"
	"github.com/pghatch/pghatch/schema"
)

var (
	typInt  = &schema.TypeDescriptor{OID: 23, Name: "int4", Category: schema.CategoryInteger, Width: 4}
	typText = &schema.TypeDescriptor{OID: 25, Name: "text", Category: schema.CategoryText}
)

// routerFixture builds a model with a writable table, a read-only
// view, a privilege-restricted table and one function.
func routerFixture() *schema.Model {
	ns := &schema.Namespace{Name: "public"}
	users := &schema.Relation{
		Name: "users", Namespace: ns, Kind: schema.KindOrdinary,
		Attributes: []*schema.Attribute{
			{Num: 1, Name: "id", Type: typInt, NotNull: true, HasDefault: true},
			{Num: 2, Name: "name", Type: typText, NotNull: true},
		},
		Privileges: schema.Privileges{Select: true, Insert: true, Update: true, Delete: true},
	}
	users.Constraints = []*schema.Constraint{
		{Name: "users_pkey", Kind: schema.PrimaryKey, Relation: users, Attributes: users.Attributes[:1]},
	}
	report := &schema.Relation{
		Name: "report", Namespace: ns, Kind: schema.KindView,
		Attributes: []*schema.Attribute{{Num: 1, Name: "total", Type: typInt}},
		Privileges: schema.Privileges{Select: true},
	}
	audit := &schema.Relation{
		Name: "audit", Namespace: ns, Kind: schema.KindOrdinary,
		Attributes: []*schema.Attribute{{Num: 1, Name: "id", Type: typInt, NotNull: true, HasDefault: true}},
		Privileges: schema.Privileges{Select: true},
	}
	audit.Constraints = []*schema.Constraint{
		{Name: "audit_pkey", Kind: schema.PrimaryKey, Relation: audit, Attributes: audit.Attributes[:1]},
	}
	ns.Relations = []*schema.Relation{users, report, audit}
	ns.Callables = []*schema.Callable{{
		Name: "add_user", Namespace: ns, Kind: schema.KindFunction,
		Args:       []*schema.CallableArg{{Name: "name", Mode: schema.ArgIn, Type: typText}},
		Returns:    schema.ReturnsScalar,
		ReturnType: typInt,
		Volatility: schema.Volatile,
	}}
	return &schema.Model{Namespaces: []*schema.Namespace{ns}, ServerVersion: "15.4", CurrentRole: "app"}
}

func testSet() *resolverSet {
	return newResolverSet(routerFixture(), nil, &query.Compiler{DefaultLimit: 50, MaxLimit: 500}, zap.NewNop())
}

// perform runs one request through dispatch without a live database;
// only paths that fail before statement execution are exercised here.
func perform(t *testing.T, set *resolverSet, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	c.Request = httptest.NewRequest(method, target, rd)
	parts := strings.SplitN(strings.TrimPrefix(c.Request.URL.Path, "/"), "/", 2)
	require.Len(t, parts, 2)
	set.dispatch(c, parts[0], parts[1])
	return w
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Kind
}

func TestDispatchNotFound(t *testing.T) {
	w := perform(t, testSet(), "GET", "/public/nope", "")
	require.Equal(t, 404, w.Code)
	require.Equal(t, "not_found", errorKind(t, w))
}

func TestDispatchReadOnlyView(t *testing.T) {
	w := perform(t, testSet(), "PUT", "/public/report", `{"data": {"total": 1}}`)
	require.Equal(t, 400, w.Code)
	require.Equal(t, "validation", errorKind(t, w))
}

func TestDispatchPrivilegeGuard(t *testing.T) {
	w := perform(t, testSet(), "PUT", "/public/audit", `{"data": {"id": 1}}`)
	require.Equal(t, 404, w.Code)

	w = perform(t, testSet(), "DELETE", "/public/audit", `{"values": {"id": 1}}`)
	require.Equal(t, 404, w.Code)
}

func TestDispatchBadDocuments(t *testing.T) {
	set := testSet()
	for name, tt := range map[string]struct {
		method, target, body string
	}{
		"unknown filter key":    {"POST", "/public/users", `{"bogus": 1}`},
		"bad key shape":         {"DELETE", "/public/users", `{"values": {"name": "x"}}`},
		"empty delete key":      {"DELETE", "/public/users", `{"values": {}}`},
		"update unknown column": {"POST", "/public/users", `{"key": {"values": {"id": 1}}, "data": {"nope": 2}}`},
		"unknown query param":   {"GET", "/public/users?bogus=1", ""},
		"negative limit param":  {"GET", "/public/users?limit=-2", ""},
		"unknown argument":      {"POST", "/public/add_user", `{"arguments": {"bogus": 1}}`},
		"missing argument":      {"POST", "/public/add_user", `{}`},
	} {
		t.Run(name, func(t *testing.T) {
			w := perform(t, set, tt.method, tt.target, tt.body)
			require.Equal(t, 400, w.Code)
			require.Equal(t, "validation", errorKind(t, w))
		})
	}
}

func TestDispatchCallableMethod(t *testing.T) {
	w := perform(t, testSet(), "GET", "/public/add_user", "")
	require.Equal(t, 400, w.Code)
}

func TestDispatchSharedName(t *testing.T) {
	m := routerFixture()
	ns := m.Namespaces[0]
	ns.Callables = append(ns.Callables, &schema.Callable{
		Name: "users", Namespace: ns, Kind: schema.KindFunction,
		Returns: schema.ReturnsScalar, ReturnType: typInt, Volatility: schema.Volatile,
	})
	set := newResolverSet(m, nil, &query.Compiler{DefaultLimit: 50}, zap.NewNop())

	// The relation takes precedence: an invocation body is rejected as
	// an unknown filter key instead of reaching the function.
	w := perform(t, set, "POST", "/public/users", `{"arguments": {}}`)
	require.Equal(t, 400, w.Code)
	require.Equal(t, "validation", errorKind(t, w))
}

// fakeDB satisfies the resolver db interface with canned rows, so
// response shaping can be exercised without a server.
type fakeDB struct {
	rows *fakeRows
	err  error
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return f.rows, f.err
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return errRow{} }

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.err
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("no transactions in tests")
}

type errRow struct{}

func (errRow) Scan(...any) error { return pgx.ErrNoRows }

type fakeRows struct {
	fields []pgconn.FieldDescription
	data   [][][]byte
	i      int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Next() bool                                   { r.i++; return r.i <= len(r.data) }
func (r *fakeRows) Scan(...any) error                            { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return r.data[r.i-1] }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func userFields() []pgconn.FieldDescription {
	return []pgconn.FieldDescription{
		{Name: "id", DataTypeOID: 23},
		{Name: "name", DataTypeOID: 25},
	}
}

func TestUpdateReturnsRow(t *testing.T) {
	set := testSet()
	set.relations["public.users"].pool = &fakeDB{rows: &fakeRows{
		fields: userFields(),
		data:   [][][]byte{{[]byte("1"), []byte("ada")}},
	}}
	w := perform(t, set, "POST", "/public/users",
		`{"key": {"values": {"id": 1}}, "data": {"name": "ada"}}`)
	require.Equal(t, 200, w.Code)

	// The updated row comes back as a bare object, not a list envelope.
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotContains(t, body, "results")
	require.EqualValues(t, 1, body["id"])
	require.Equal(t, "ada", body["name"])
}

func TestUpdateNoMatch(t *testing.T) {
	set := testSet()
	set.relations["public.users"].pool = &fakeDB{rows: &fakeRows{fields: userFields()}}
	w := perform(t, set, "POST", "/public/users",
		`{"key": {"values": {"id": 9}}, "data": {"name": "x"}}`)
	require.Equal(t, 404, w.Code)
}

type fakeSnapshotter struct {
	models []*schema.Model
	errs   []error
	calls  int
}

func (f *fakeSnapshotter) Snapshot(context.Context) (*schema.Model, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.models[i], nil
}

func TestRebuildSwapsAtomically(t *testing.T) {
	m1 := routerFixture()
	m2 := routerFixture()
	m2.Namespaces[0].Relations = m2.Namespaces[0].Relations[1:] // drop users
	fake := &fakeSnapshotter{models: []*schema.Model{m1, m2}}
	r := &Router{intro: fake, compiler: &query.Compiler{DefaultLimit: 50}, log: zap.NewNop()}

	require.NoError(t, r.Rebuild(context.Background()))
	set1 := r.current.Load()
	_, ok := set1.relations["public.users"]
	require.True(t, ok)

	require.NoError(t, r.Rebuild(context.Background()))
	set2 := r.current.Load()
	require.NotSame(t, set1, set2)
	_, ok = set2.relations["public.users"]
	require.False(t, ok)

	// The replaced set still answers for requests that started on it.
	w := perform(t, set1, "DELETE", "/public/users", `{"values": {"name": "x"}}`)
	require.Equal(t, 400, w.Code)
}

func TestRebuildFailureKeepsServing(t *testing.T) {
	m := routerFixture()
	fake := &fakeSnapshotter{
		models: []*schema.Model{m, nil},
		errs:   []error{nil, errors.New("connection lost")},
	}
	r := &Router{intro: fake, compiler: &query.Compiler{}, log: zap.NewNop()}
	require.NoError(t, r.Rebuild(context.Background()))
	before := r.current.Load()
	require.Error(t, r.Rebuild(context.Background()))
	require.Same(t, before, r.current.Load())
}

// Watch installation runs synchronously at startup; its errors must
// reach the caller instead of the reconnect loop.
func TestWatcherInstallBadTarget(t *testing.T) {
	w := newWatcher("postgres://app@localhost:not-a-port/db", 0, 0, zap.NewNop())
	require.Error(t, w.install(context.Background()))
}

func TestWatcherCoalesces(t *testing.T) {
	w := newWatcher("postgres://unused", 0, 0, zap.NewNop())
	w.fire()
	w.fire()
	w.fire()
	select {
	case <-w.trigger:
	default:
		t.Fatal("expected a pending trigger")
	}
	select {
	case <-w.trigger:
		t.Fatal("bursts must coalesce into one trigger")
	default:
	}
}

func TestRoutes(t *testing.T) {
	set := testSet()
	byOp := make(map[string]Route)
	for _, r := range set.routes {
		byOp[r.OperationID] = r
	}
	require.Contains(t, byOp, "listPublicUsers")
	require.Contains(t, byOp, "queryPublicUsers")
	require.Contains(t, byOp, "createPublicUsers")
	require.Contains(t, byOp, "deletePublicUsers")
	require.Contains(t, byOp, "callPublicAddUser")

	require.Contains(t, byOp, "listPublicReport")
	require.NotContains(t, byOp, "createPublicReport", "views mount read endpoints only")
	require.NotContains(t, byOp, "createPublicAudit", "privileges gate mutation routes")

	require.Equal(t, "/public/users", byOp["listPublicUsers"].Path)
	require.Equal(t, "GET", byOp["listPublicUsers"].Method)
}
