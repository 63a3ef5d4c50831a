package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// scriptDriver replays an expected sequence of driver calls and fails on the
// first call that deviates from it.
type scriptDriver struct {
	mu    sync.Mutex
	steps []step
	pos   int
	args  [][]driver.NamedValue
}

type stepKind int

const (
	stepExec stepKind = iota
	stepQuery
	stepBegin
	stepCommit
	stepRollback
)

func (k stepKind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

type step struct {
	kind    stepKind
	sql     string
	columns []string
	rows    [][]driver.Value
	err     error
}

func expectExec(query string) step { return step{kind: stepExec, sql: query} }

func expectQuery(query string, columns []string, rows ...[]driver.Value) step {
	return step{kind: stepQuery, sql: query, columns: columns, rows: rows}
}

func expectBegin() step  { return step{kind: stepBegin} }
func expectCommit() step { return step{kind: stepCommit} }

var scriptSeq atomic.Int32

func newScriptDB(t *testing.T, steps ...step) (*sql.DB, *scriptDriver) {
	t.Helper()
	drv := &scriptDriver{steps: steps}
	name := fmt.Sprintf("script-mysql-%d", scriptSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

func (d *scriptDriver) done(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos != len(d.steps) {
		t.Fatalf("script not finished: %d/%d steps consumed", d.pos, len(d.steps))
	}
}

func (d *scriptDriver) advance(kind stepKind, query string, args []driver.NamedValue) (step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.steps) {
		return step{}, fmt.Errorf("unexpected %s %q", kind, query)
	}
	next := d.steps[d.pos]
	if next.kind != kind {
		return step{}, fmt.Errorf("step %d: want %s, got %s", d.pos, next.kind, kind)
	}
	if next.sql != "" && squash(next.sql) != squash(query) {
		return step{}, fmt.Errorf("step %d: want %q, got %q", d.pos, squash(next.sql), squash(query))
	}
	d.pos++
	if kind == stepExec || kind == stepQuery {
		d.args = append(d.args, args)
	}
	return next, next.err
}

func (d *scriptDriver) lastArgs() []driver.NamedValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.args) == 0 {
		return nil
	}
	return d.args[len(d.args)-1]
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return &scriptConn{drv: d}, nil }

type scriptConn struct{ drv *scriptDriver }

func (c *scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.drv.advance(stepBegin, "", nil); err != nil {
		return nil, err
	}
	return scriptTx{drv: c.drv}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if _, err := c.drv.advance(stepExec, query, args); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	next, err := c.drv.advance(stepQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: next.columns, values: next.rows}, nil
}

type scriptTx struct{ drv *scriptDriver }

func (tx scriptTx) Commit() error {
	_, err := tx.drv.advance(stepCommit, "", nil)
	return err
}

func (tx scriptTx) Rollback() error {
	_, err := tx.drv.advance(stepRollback, "", nil)
	return err
}

type scriptRows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
