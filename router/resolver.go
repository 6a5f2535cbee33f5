// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package router

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/pghatch/pghatch/query"
	"github.com/pghatch/pghatch/schema"
	"github.com/pghatch/pghatch/typereg"
)

// db is the subset of pgxpool.Pool the resolvers execute through.
type db interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// A resolverSet is one immutable routing table derived from a schema
// snapshot. The router swaps the whole set atomically on rebuild, so a
// request sees either the old schema or the new one, never a mix.
type resolverSet struct {
	model     *schema.Model
	reg       *typereg.Registry
	relations map[string]*relationResolver
	callables map[string]*callableResolver
	routes    []Route
}

func newResolverSet(model *schema.Model, pool db, compiler *query.Compiler, log *zap.Logger) *resolverSet {
	s := &resolverSet{
		model:     model,
		reg:       typereg.New(model),
		relations: make(map[string]*relationResolver),
		callables: make(map[string]*callableResolver),
	}
	for _, ns := range model.Namespaces {
		for _, rel := range ns.Relations {
			if rel.Kind == schema.KindPartitionChild || !rel.Privileges.Select {
				continue
			}
			r := &relationResolver{rel: rel, pool: pool, reg: s.reg, compiler: compiler, log: log}
			s.relations[rel.QualifiedName()] = r
			s.routes = append(s.routes, relationRoutes(rel)...)
		}
		for _, call := range ns.Callables {
			if !call.Mountable() {
				continue
			}
			c := &callableResolver{call: call, pool: pool, reg: s.reg, compiler: compiler, log: log}
			s.callables[call.QualifiedName()] = c
			s.routes = append(s.routes, callableRoute(call))
		}
	}
	return s
}

// dispatch routes one request to the resolver mounted at ns.name. A
// relation takes precedence over a callable of the same name; callables
// answer POST only.
func (s *resolverSet) dispatch(c *gin.Context, ns, name string) {
	key := ns + "." + name
	if call, ok := s.callables[key]; ok && c.Request.Method == "POST" {
		if _, also := s.relations[key]; !also {
			call.handle(c)
			return
		}
	}
	if rel, ok := s.relations[key]; ok {
		rel.handle(c)
		return
	}
	if call, ok := s.callables[key]; ok {
		call.handle(c)
		return
	}
	abortWith(c, notFound("no relation or callable at "+key))
}

// A relationResolver serves the four methods of one relation endpoint.
type relationResolver struct {
	rel      *schema.Relation
	pool     db
	reg      *typereg.Registry
	compiler *query.Compiler
	log      *zap.Logger
}

func (r *relationResolver) handle(c *gin.Context) {
	switch c.Request.Method {
	case "GET":
		r.list(c)
	case "POST":
		r.post(c)
	case "PUT":
		r.create(c)
	case "DELETE":
		r.delete(c)
	default:
		abortWith(c, invalid("method "+c.Request.Method+" not supported"))
	}
}

// list serves GET: equality filters from query parameters plus limit,
// offset and a comma-separated select list.
func (r *relationResolver) list(c *gin.Context) {
	doc, err := r.paramsDocument(c)
	if err != nil {
		abortWith(c, err)
		return
	}
	r.query(c, doc)
}

// post serves either a filter document or an update, told apart by the
// presence of "key" in the body.
func (r *relationResolver) post(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWith(c, invalid("unreadable request body"))
		return
	}
	if query.HasKey(body) {
		r.update(c, body)
		return
	}
	var doc *query.Document
	if len(strings.TrimSpace(string(body))) > 0 {
		if doc, err = query.ParseDocument(body); err != nil {
			abortWith(c, err)
			return
		}
	}
	r.query(c, doc)
}

func (r *relationResolver) query(c *gin.Context, doc *query.Document) {
	q, err := r.compiler.Select(r.rel, doc)
	if err != nil {
		abortWith(c, err)
		return
	}
	ctx := c.Request.Context()
	rows, err := r.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		abortWith(c, err)
		return
	}
	page, total, err := decodeRows(r.reg, rows)
	if err != nil {
		abortWith(c, err)
		return
	}
	if len(page) == 0 && q.Offset > 0 {
		// The window count travels with the rows, so an out-of-range
		// page needs its own count.
		if err := r.pool.QueryRow(ctx, q.CountSQL, q.CountArgs...).Scan(&total); err != nil {
			abortWith(c, err)
			return
		}
	}
	c.JSON(200, envelope(page, total, q.Limit, q.Offset))
}

func (r *relationResolver) update(c *gin.Context, body []byte) {
	if err := r.writable("update"); err != nil {
		abortWith(c, err)
		return
	}
	req, err := query.ParseUpdate(body)
	if err != nil {
		abortWith(c, err)
		return
	}
	st, err := r.compiler.Update(r.rel, req)
	if err != nil {
		abortWith(c, err)
		return
	}
	rows, err := r.pool.Query(c.Request.Context(), st.SQL, st.Args...)
	if err != nil {
		abortWith(c, err)
		return
	}
	updated, _, err := decodeRows(r.reg, rows)
	if err != nil {
		abortWith(c, err)
		return
	}
	if len(updated) == 0 {
		abortWith(c, pgx.ErrNoRows)
		return
	}
	// The key matches at most one row; respond with it directly.
	c.JSON(200, updated[0])
}

func (r *relationResolver) create(c *gin.Context) {
	if err := r.writable("insert"); err != nil {
		abortWith(c, err)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWith(c, invalid("unreadable request body"))
		return
	}
	req, err := query.ParseCreate(body)
	if err != nil {
		abortWith(c, err)
		return
	}
	st, err := r.compiler.Insert(r.rel, req)
	if err != nil {
		abortWith(c, err)
		return
	}
	ctx := c.Request.Context()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		abortWith(c, err)
		return
	}
	defer tx.Rollback(ctx)
	rows, err := tx.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		abortWith(c, err)
		return
	}
	created, _, err := decodeRows(r.reg, rows)
	if err != nil {
		abortWith(c, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		abortWith(c, err)
		return
	}
	if req.Single && len(created) == 1 {
		c.JSON(201, created[0])
		return
	}
	c.JSON(201, envelope(created, len(created), len(created), 0))
}

func (r *relationResolver) delete(c *gin.Context) {
	if err := r.writable("delete"); err != nil {
		abortWith(c, err)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWith(c, invalid("unreadable request body"))
		return
	}
	key, err := query.ParseKeyRequest(body)
	if err != nil {
		abortWith(c, err)
		return
	}
	st, err := r.compiler.Delete(r.rel, key)
	if err != nil {
		abortWith(c, err)
		return
	}
	tag, err := r.pool.Exec(c.Request.Context(), st.SQL, st.Args...)
	if err != nil {
		abortWith(c, err)
		return
	}
	n := int(tag.RowsAffected())
	if n == 0 {
		abortWith(c, pgx.ErrNoRows)
		return
	}
	c.JSON(200, deleted(n))
}

// writable rejects mutations against views, foreign tables and
// relations the connected role cannot write.
func (r *relationResolver) writable(op string) error {
	if !r.rel.Updatable() {
		return invalid(r.rel.QualifiedName() + " is read-only")
	}
	p := r.rel.Privileges
	allowed := map[string]bool{"insert": p.Insert, "update": p.Update, "delete": p.Delete}
	if !allowed[op] {
		return notFound("insufficient privilege for " + op + " on " + r.rel.QualifiedName())
	}
	return nil
}

// paramsDocument turns GET query parameters into a filter document.
// Reserved names select the page and projection; every other parameter
// is an equality filter on the column of that name.
func (r *relationResolver) paramsDocument(c *gin.Context) (*query.Document, error) {
	doc := &query.Document{}
	var conds []*query.Condition
	for name, vals := range c.Request.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		val := vals[0]
		switch name {
		case "limit":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, invalid("limit must be a non-negative integer")
			}
			if doc.Pagination == nil {
				doc.Pagination = &query.Pagination{}
			}
			doc.Pagination.Limit = &n
		case "offset":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, invalid("offset must be a non-negative integer")
			}
			if doc.Pagination == nil {
				doc.Pagination = &query.Pagination{}
			}
			doc.Pagination.Offset = n
		case "select_fields":
			doc.Select = &query.SelectClause{Fields: strings.Split(val, ",")}
		default:
			attr, ok := r.rel.Attribute(name)
			if !ok {
				return nil, &query.UnknownFieldError{Name: name}
			}
			conds = append(conds, &query.Condition{
				Field:    name,
				Operator: query.OpEq,
				Value:    coerceParam(attr, val),
			})
		}
	}
	switch len(conds) {
	case 0:
	case 1:
		doc.Where = conds[0]
	default:
		doc.Where = &query.Condition{Logic: query.LogicAnd, Conditions: conds}
	}
	return doc, nil
}

// coerceParam lifts a query-string value into the JSON value space the
// compiler expects for the column type.
func coerceParam(attr *schema.Attribute, val string) any {
	switch attr.Type.Underlying().Category {
	case schema.CategoryInteger, schema.CategoryFloat, schema.CategoryNumeric:
		return json.Number(val)
	case schema.CategoryBoolean:
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return val
}

// A callableResolver serves POST invocations of one function or
// procedure endpoint.
type callableResolver struct {
	call     *schema.Callable
	pool     db
	reg      *typereg.Registry
	compiler *query.Compiler
	log      *zap.Logger
}

func (r *callableResolver) handle(c *gin.Context) {
	if c.Request.Method != "POST" {
		abortWith(c, invalid(r.call.QualifiedName()+" accepts POST only"))
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWith(c, invalid("unreadable request body"))
		return
	}
	args, err := query.ParseArguments(body)
	if err != nil {
		abortWith(c, err)
		return
	}
	st, err := r.compiler.Call(r.call, args)
	if err != nil {
		abortWith(c, err)
		return
	}
	if r.call.Kind == schema.KindProcedure {
		r.procedure(c, st)
		return
	}
	rows, err := r.invoke(c.Request.Context(), st)
	if err != nil {
		abortWith(c, err)
		return
	}
	r.respond(c, rows)
}

// invoke runs a function. Volatile functions get their own committed
// transaction; stable and immutable ones run on a plain pool query.
func (r *callableResolver) invoke(ctx context.Context, st *query.Statement) ([]map[string]any, error) {
	if r.call.Volatility != schema.Volatile {
		rows, err := r.pool.Query(ctx, st.SQL, st.Args...)
		if err != nil {
			return nil, err
		}
		out, _, err := decodeRows(r.reg, rows)
		return out, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	rows, err := tx.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, err
	}
	out, _, err := decodeRows(r.reg, rows)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (r *callableResolver) procedure(c *gin.Context, st *query.Statement) {
	ctx := c.Request.Context()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		abortWith(c, err)
		return
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, st.SQL, st.Args...); err != nil {
		abortWith(c, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(200, Ack{OK: true})
}

// respond shapes the function result: void acknowledges, a set returns
// the list envelope with single-column rows unwrapped to bare values,
// a single row of one column returns a scalar.
func (r *callableResolver) respond(c *gin.Context, rows []map[string]any) {
	if r.call.Returns == schema.ReturnsVoid {
		c.JSON(200, Ack{OK: true})
		return
	}
	if r.call.ReturnsSet {
		if r.call.Returns == schema.ReturnsScalar {
			vals := make([]any, len(rows))
			for i, row := range rows {
				vals[i] = singleValue(row)
			}
			c.JSON(200, gin.H{"results": vals, "total": len(vals)})
			return
		}
		c.JSON(200, gin.H{"results": rows, "total": len(rows)})
		return
	}
	if len(rows) == 0 {
		c.JSON(200, Scalar{Result: nil})
		return
	}
	if r.call.Returns == schema.ReturnsScalar {
		c.JSON(200, Scalar{Result: singleValue(rows[0])})
		return
	}
	c.JSON(200, Scalar{Result: rows[0]})
}

func singleValue(row map[string]any) any {
	if len(row) == 1 {
		for _, v := range row {
			return v
		}
	}
	return row
}

// decodeRows drains rows into JSON-shaped maps, separating the window
// count column when present.
func decodeRows(reg *typereg.Registry, rows pgx.Rows) ([]map[string]any, int, error) {
	defer rows.Close()
	var (
		out   []map[string]any
		total int
	)
	fds := rows.FieldDescriptions()
	for rows.Next() {
		raw := rows.RawValues()
		row := make(map[string]any, len(fds))
		for i, fd := range fds {
			v, err := reg.Decode(fd.DataTypeOID, fd.Format, raw[i])
			if err != nil {
				return nil, 0, err
			}
			if fd.Name == "__total" {
				total = asInt(v)
				continue
			}
			row[fd.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}
