// Package lrc implements a last-resource-commit emulator over database/sql,
// for drivers without native two-phase support. The emulated resource has no
// real prepare phase: it votes OK unconditionally and performs a local commit.
// Holders built on it force the pool's ordering position to always-last so
// the local commit happens after every real resource has prepared.
package lrc

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/joao-brasil/xapool/pkg/xa"
)

// DataSource opens emulated XA connections against a database/sql driver.
type DataSource struct {
	driverName string
	dsn        string
}

// New creates a datasource for the given driver and DSN. The driver must be
// registered by the importing program.
func New(driverName, dsn string) *DataSource {
	return &DataSource{driverName: driverName, dsn: dsn}
}

// CreateXAConnection opens one physical connection. A sql.DB restricted to a
// single connection gives the holder a stable 1:1 mapping onto one server
// session, which the emulated transaction branch requires.
func (ds *DataSource) CreateXAConnection(ctx context.Context) (xa.XAConnection, error) {
	db, err := sql.Open(ds.driverName, ds.dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &connection{db: db}, nil
}

// connection is the emulated physical XA connection.
type connection struct {
	db *sql.DB

	mu sync.Mutex
	tx *sql.Tx
}

// LastResource marks the connection so holders apply the emulator's pooling
// concessions.
func (c *connection) LastResource() {}

func (c *connection) Connection() (xa.Conn, error) {
	return &logicalConn{c: c}, nil
}

func (c *connection) Resource() xa.Resource {
	return &lrcResource{c: c}
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	c.mu.Unlock()
	return c.db.Close()
}

// lrcResource emulates a transaction branch over a local transaction.
type lrcResource struct {
	c *connection
}

func (r *lrcResource) Start(xid xa.Xid, flags xa.Flag) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()

	if flags&xa.TMJoin != 0 {
		if r.c.tx == nil {
			return &xa.Error{Code: xa.ErrProto, Msg: "cannot join: no transaction started"}
		}
		return nil
	}
	if r.c.tx != nil {
		return &xa.Error{Code: xa.ErrProto, Msg: "transaction already started on this connection"}
	}

	tx, err := r.c.db.Begin()
	if err != nil {
		return &xa.Error{Code: xa.ErrRMErr, Msg: "beginning local transaction", Cause: err}
	}
	r.c.tx = tx
	return nil
}

func (r *lrcResource) End(xid xa.Xid, flags xa.Flag) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.tx == nil {
		return &xa.Error{Code: xa.ErrProto, Msg: "no transaction to end"}
	}
	return nil
}

// Prepare always votes OK: the emulator cannot actually guarantee the commit
// will succeed, which is why it must be ordered last.
func (r *lrcResource) Prepare(xid xa.Xid) (xa.Vote, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.tx == nil {
		return 0, &xa.Error{Code: xa.ErrProto, Msg: "no transaction to prepare"}
	}
	return xa.VoteOK, nil
}

func (r *lrcResource) Commit(xid xa.Xid, onePhase bool) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.tx == nil {
		return &xa.Error{Code: xa.ErrNotA, Msg: "no transaction to commit"}
	}
	err := r.c.tx.Commit()
	r.c.tx = nil
	if err != nil {
		return &xa.Error{Code: xa.ErrRMErr, Msg: "committing local transaction", Cause: err}
	}
	return nil
}

func (r *lrcResource) Rollback(xid xa.Xid) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.tx == nil {
		return &xa.Error{Code: xa.ErrNotA, Msg: "no transaction to roll back"}
	}
	err := r.c.tx.Rollback()
	r.c.tx = nil
	if err != nil {
		return &xa.Error{Code: xa.ErrRMErr, Msg: "rolling back local transaction", Cause: err}
	}
	return nil
}

func (r *lrcResource) Forget(xid xa.Xid) error {
	return nil
}

func (r *lrcResource) Recover(flags xa.Flag) ([]xa.Xid, error) {
	return nil, nil
}

// logicalConn adapts the sql.DB session to the pool's connection interface.
type logicalConn struct {
	c          *connection
	autoCommit bool
}

func (l *logicalConn) Prepare(query string, opts xa.StmtOptions) (xa.Stmt, error) {
	ps, err := l.c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &stmt{c: l.c, ps: ps}, nil
}

func (l *logicalConn) SetTransactionIsolation(level int) error {
	name, ok := isolationName(level)
	if !ok {
		return fmt.Errorf("unsupported transaction isolation level %d", level)
	}
	_, err := l.c.db.Exec("SET TRANSACTION ISOLATION LEVEL " + name)
	return err
}

// SetHoldability is accepted and ignored: cursor holdability has no wire
// effect for database/sql drivers.
func (l *logicalConn) SetHoldability(holdability int) error {
	return nil
}

// SetAutoCommit records the flag. database/sql runs in auto-commit mode
// whenever no explicit transaction is open, so there is nothing to push to
// the server.
func (l *logicalConn) SetAutoCommit(enabled bool) error {
	l.autoCommit = enabled
	return nil
}

func (l *logicalConn) ClearWarnings() error {
	return nil
}

func (l *logicalConn) Close() error {
	// The physical close belongs to the XA connection.
	return nil
}

// Valid implements the native validity probe.
func (l *logicalConn) Valid(timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.c.db.PingContext(ctx); err != nil {
		return false, nil
	}
	return true, nil
}

func isolationName(level int) (string, bool) {
	switch level {
	case xa.LevelReadUncommitted:
		return "READ UNCOMMITTED", true
	case xa.LevelReadCommitted:
		return "READ COMMITTED", true
	case xa.LevelRepeatableRead:
		return "REPEATABLE READ", true
	case xa.LevelSerializable:
		return "SERIALIZABLE", true
	default:
		return "", false
	}
}

// stmt routes execution through the open local transaction when one exists.
type stmt struct {
	c       *connection
	ps      *sql.Stmt
	timeout time.Duration
}

func (s *stmt) SetQueryTimeout(timeout time.Duration) error {
	s.timeout = timeout
	return nil
}

func (s *stmt) Query() (xa.Rows, error) {
	ctx, cancel := s.queryContext()

	rows, err := s.target(ctx).QueryContext(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	return &sqlRows{rows: rows, cancel: cancel}, nil
}

func (s *stmt) Exec() error {
	ctx, cancel := s.queryContext()
	defer cancel()

	_, err := s.target(ctx).ExecContext(ctx)
	return err
}

func (s *stmt) Close() error {
	return s.ps.Close()
}

func (s *stmt) queryContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(context.Background(), s.timeout)
	}
	return context.WithCancel(context.Background())
}

type sqlRows struct {
	rows   *sql.Rows
	cancel context.CancelFunc
}

func (r *sqlRows) Close() error {
	err := r.rows.Close()
	r.cancel()
	return err
}

func (s *stmt) target(ctx context.Context) *sql.Stmt {
	s.c.mu.Lock()
	tx := s.c.tx
	s.c.mu.Unlock()
	if tx != nil {
		return tx.StmtContext(ctx, s.ps)
	}
	return s.ps
}
