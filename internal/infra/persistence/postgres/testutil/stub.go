// Package testutil provides a stub database for postgres store tests. It
// understands the small statement vocabulary of the SQL record store:
// CREATE, INSERT (optionally ON CONFLICT ... DO NOTHING), UPDATE ... SET,
// DELETE and SELECT with equality and IN predicates joined by AND.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// StubConn records statements and keeps rows per table.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailExec   bool
	FailPing   bool
	FailBegin  bool
	RowsErr    error
	FailTables map[string]bool
	FailCommit bool

	saved map[string][]map[string]any
}

var stubSeq atomic.Int64

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Rollback restores the tables as they
// were when the transaction began.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = cloneTables(c.Tables)
	return &stubTx{conn: c}, nil
}

// Rows returns a copy of the rows of table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTables(map[string][]map[string]any{table: c.Tables[table]})[table]
}

func cloneTables(in map[string][]map[string]any) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(in))
	for table, rows := range in {
		cp := make([]map[string]any, len(rows))
		for i, row := range rows {
			cp[i] = maps.Clone(row)
		}
		out[table] = cp
	}
	return out
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	p := &params{args: args}
	q := strings.TrimSpace(query)
	up := strings.ToUpper(q)
	switch {
	case strings.HasPrefix(up, "CREATE "):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(up, "INSERT INTO"):
		return c.execInsert(q, p)
	case strings.HasPrefix(up, "UPDATE "):
		return c.execUpdate(q, p)
	case strings.HasPrefix(up, "DELETE FROM"):
		return c.execDelete(q, p)
	}
	return nil, fmt.Errorf("unsupported statement: %s", query)
}

func (c *StubConn) failing(table string) error {
	if c.FailTables != nil && c.FailTables[table] {
		return fmt.Errorf("exec fail for %s", table)
	}
	return nil
}

func (c *StubConn) execInsert(query string, p *params) (driver.Result, error) {
	table, cols, conflict, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if err := c.failing(table); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for _, col := range cols {
		v, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
		row[col] = v
	}
	key := conflict
	if len(key) == 0 {
		key = cols
	}
	for _, existing := range c.Tables[table] {
		if sameKey(existing, row, key) {
			if len(conflict) > 0 {
				return driver.RowsAffected(0), nil
			}
			return nil, fmt.Errorf("duplicate key in %s", table)
		}
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func sameKey(a, b map[string]any, cols []string) bool {
	for _, col := range cols {
		if a[col] != b[col] {
			return false
		}
	}
	return true
}

func (c *StubConn) execUpdate(query string, p *params) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("UPDATE "):])
	setIdx := indexFold(rest, " SET ")
	if setIdx == -1 {
		return nil, fmt.Errorf("cannot parse update: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:setIdx]))
	if err := c.failing(table); err != nil {
		return nil, err
	}
	body := rest[setIdx+len(" SET "):]
	whereIdx := indexFold(body, " WHERE ")
	setClause, whereClause := body, ""
	if whereIdx != -1 {
		setClause, whereClause = body[:whereIdx], body[whereIdx+len(" WHERE "):]
	}
	assign := make(map[string]any)
	var order []string
	for _, part := range strings.Split(setClause, ",") {
		col, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("cannot parse assignment %q", part)
		}
		v, err := p.resolve(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		name := strings.ToLower(strings.TrimSpace(col))
		assign[name] = v
		order = append(order, name)
	}
	preds, err := parseWhere(whereClause, p)
	if err != nil {
		return nil, err
	}
	var n int64
	for _, row := range c.Tables[table] {
		if !preds.match(row) {
			continue
		}
		for _, col := range order {
			row[col] = assign[col]
		}
		n++
	}
	return driver.RowsAffected(n), nil
}

func (c *StubConn) execDelete(query string, p *params) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("DELETE FROM"):])
	whereIdx := indexFold(rest, " WHERE ")
	if whereIdx == -1 {
		return nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:whereIdx]))
	if err := c.failing(table); err != nil {
		return nil, err
	}
	preds, err := parseWhere(rest[whereIdx+len(" WHERE "):], p)
	if err != nil {
		return nil, err
	}
	var kept []map[string]any
	var n int64
	for _, row := range c.Tables[table] {
		if preds.match(row) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	c.Tables[table] = kept
	return driver.RowsAffected(n), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, cols, where, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	preds, err := parseWhere(where, &params{args: args})
	if err != nil {
		return nil, err
	}
	var values [][]driver.Value
	for _, row := range c.Tables[table] {
		if !preds.match(row) {
			continue
		}
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values, err: c.RowsErr}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		t.restore()
		return fmt.Errorf("commit fail")
	}
	t.conn.mu.Lock()
	t.conn.saved = nil
	t.conn.mu.Unlock()
	return nil
}

func (t *stubTx) Rollback() error {
	t.restore()
	return nil
}

func (t *stubTx) restore() {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.saved != nil {
		t.conn.Tables = t.conn.saved
		t.conn.saved = nil
	}
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

// params resolves '$n' placeholders by position and '?' placeholders in the
// order they appear.
type params struct {
	args []driver.NamedValue
	pos  int
}

func (p *params) next() (any, error) {
	if p.pos >= len(p.args) {
		return nil, fmt.Errorf("missing argument %d", p.pos+1)
	}
	v := p.args[p.pos].Value
	p.pos++
	return v, nil
}

func (p *params) resolve(token string) (any, error) {
	if token == "?" {
		return p.next()
	}
	if n, ok := strings.CutPrefix(token, "$"); ok {
		idx, err := strconv.Atoi(n)
		if err != nil || idx < 1 || idx > len(p.args) {
			return nil, fmt.Errorf("bad placeholder %s", token)
		}
		return p.args[idx-1].Value, nil
	}
	return nil, fmt.Errorf("unsupported operand %s", token)
}

type predicate struct {
	col    string
	values []any
}

type predicates []predicate

func (ps predicates) match(row map[string]any) bool {
	for _, pr := range ps {
		hit := false
		for _, v := range pr.values {
			if row[pr.col] == v {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func parseWhere(clause string, p *params) (predicates, error) {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return nil, nil
	}
	var out predicates
	for _, part := range splitFold(clause, " AND ") {
		part = strings.TrimSpace(part)
		if col, list, ok := cutFold(part, " IN "); ok {
			list = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(list), "("), ")")
			pr := predicate{col: strings.ToLower(strings.TrimSpace(col))}
			for _, tok := range strings.Split(list, ",") {
				v, err := p.resolve(strings.TrimSpace(tok))
				if err != nil {
					return nil, err
				}
				pr.values = append(pr.values, v)
			}
			out = append(out, pr)
			continue
		}
		col, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("cannot parse predicate %q", part)
		}
		v, err := p.resolve(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, predicate{col: strings.ToLower(strings.TrimSpace(col)), values: []any{v}})
	}
	return out, nil
}

func parseInsert(query string) (table string, cols, conflict []string, err error) {
	rest := strings.TrimSpace(query[len("INSERT INTO"):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table = strings.ToLower(strings.TrimSpace(rest[:open]))
	cols = splitColumns(rest[open+1 : closeIdx])
	if _, tail, ok := cutFold(rest, "ON CONFLICT"); ok {
		o, e := strings.Index(tail, "("), strings.Index(tail, ")")
		if o == -1 || e <= o {
			return "", nil, nil, fmt.Errorf("cannot parse conflict target: %s", query)
		}
		conflict = splitColumns(tail[o+1 : e])
	}
	return table, cols, conflict, nil
}

func parseSelect(query string) (table string, cols []string, where string, err error) {
	q := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToLower(q), "select ") {
		return "", nil, "", fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := indexFold(q, " FROM ")
	if fromIdx == -1 {
		return "", nil, "", fmt.Errorf("cannot parse select: %s", query)
	}
	cols = splitColumns(q[len("select "):fromIdx])
	rest := strings.TrimSpace(q[fromIdx+len(" FROM "):])
	if rest == "" {
		return "", nil, "", fmt.Errorf("cannot parse select: %s", query)
	}
	if w := indexFold(rest, " WHERE "); w != -1 {
		where = rest[w+len(" WHERE "):]
		rest = rest[:w]
	}
	return strings.ToLower(strings.Fields(rest)[0]), cols, where, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}

func indexFold(s, sep string) int {
	return strings.Index(strings.ToUpper(s), strings.ToUpper(sep))
}

func cutFold(s, sep string) (before, after string, found bool) {
	i := indexFold(s, sep)
	if i == -1 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func splitFold(s, sep string) []string {
	var out []string
	for {
		before, after, ok := cutFold(s, sep)
		out = append(out, before)
		if !ok {
			return out
		}
		s = after
	}
}
