// Package pgxa implements an XA datasource over PostgreSQL using pgx.
// PostgreSQL has a real prepare phase (PREPARE TRANSACTION), so branches
// survive a coordinator crash and can be found again through Recover.
package pgxa

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joao-brasil/xapool/pkg/xa"
	"go.uber.org/atomic"
)

// DataSource opens XA connections against a PostgreSQL server.
type DataSource struct {
	dsn            string
	connectTimeout time.Duration
}

// New creates a datasource for the given pgx DSN.
func New(dsn string) *DataSource {
	return &DataSource{dsn: dsn, connectTimeout: 30 * time.Second}
}

// CreateXAConnection opens one physical connection.
func (ds *DataSource) CreateXAConnection(ctx context.Context) (xa.XAConnection, error) {
	cfg, err := pgx.ParseConfig(ds.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ConnectTimeout = ds.connectTimeout
	dialer := &net.Dialer{
		KeepAlive: 30 * time.Second,
		Timeout:   30 * time.Second,
	}
	cfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to verify PostgreSQL connection (ping failed): %w", err)
	}

	return &connection{conn: conn}, nil
}

// connection is the physical XA connection.
type connection struct {
	conn    *pgx.Conn
	inTx    atomic.Bool
	stmtSeq atomic.Uint64
}

func (c *connection) Connection() (xa.Conn, error) {
	return &logicalConn{c: c}, nil
}

func (c *connection) Resource() xa.Resource {
	return &pgResource{c: c}
}

func (c *connection) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}

func (c *connection) exec(sql string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := c.conn.Exec(ctx, sql)
	return err
}

// pgResource maps the branch protocol onto PostgreSQL's two-phase commands.
type pgResource struct {
	c *connection
}

func (r *pgResource) Start(xid xa.Xid, flags xa.Flag) error {
	if flags&xa.TMJoin != 0 {
		if !r.c.inTx.Load() {
			return &xa.Error{Code: xa.ErrProto, Msg: "cannot join: no transaction started"}
		}
		return nil
	}
	if r.c.inTx.Load() {
		return &xa.Error{Code: xa.ErrProto, Msg: "transaction already started on this connection"}
	}
	if err := r.c.exec("BEGIN"); err != nil {
		return &xa.Error{Code: xa.ErrRMErr, Msg: "beginning transaction", Cause: err}
	}
	r.c.inTx.Store(true)
	return nil
}

func (r *pgResource) End(xid xa.Xid, flags xa.Flag) error {
	if !r.c.inTx.Load() {
		return &xa.Error{Code: xa.ErrProto, Msg: "no transaction to end"}
	}
	return nil
}

func (r *pgResource) Prepare(xid xa.Xid) (xa.Vote, error) {
	if !r.c.inTx.Load() {
		return 0, &xa.Error{Code: xa.ErrProto, Msg: "no transaction to prepare"}
	}
	if err := r.c.exec(fmt.Sprintf("PREPARE TRANSACTION '%s'", gid(xid))); err != nil {
		r.c.inTx.Store(false)
		return 0, &xa.Error{Code: xa.ErrRMErr, Msg: "preparing transaction", Cause: err}
	}
	r.c.inTx.Store(false)
	return xa.VoteOK, nil
}

func (r *pgResource) Commit(xid xa.Xid, onePhase bool) error {
	if onePhase {
		if !r.c.inTx.Load() {
			return &xa.Error{Code: xa.ErrNotA, Msg: "no transaction to commit"}
		}
		if err := r.c.exec("COMMIT"); err != nil {
			return &xa.Error{Code: xa.ErrRMErr, Msg: "committing transaction", Cause: err}
		}
		r.c.inTx.Store(false)
		return nil
	}
	if err := r.c.exec(fmt.Sprintf("COMMIT PREPARED '%s'", gid(xid))); err != nil {
		return &xa.Error{Code: xa.ErrRMErr, Msg: "committing prepared transaction", Cause: err}
	}
	return nil
}

func (r *pgResource) Rollback(xid xa.Xid) error {
	if r.c.inTx.Load() {
		if err := r.c.exec("ROLLBACK"); err != nil {
			return &xa.Error{Code: xa.ErrRMErr, Msg: "rolling back transaction", Cause: err}
		}
		r.c.inTx.Store(false)
		return nil
	}
	if err := r.c.exec(fmt.Sprintf("ROLLBACK PREPARED '%s'", gid(xid))); err != nil {
		return &xa.Error{Code: xa.ErrNotA, Msg: "rolling back prepared transaction", Cause: err}
	}
	return nil
}

func (r *pgResource) Forget(xid xa.Xid) error {
	return nil
}

// Recover lists the branches this server still holds prepared.
func (r *pgResource) Recover(flags xa.Flag) ([]xa.Xid, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := r.c.conn.Query(ctx, "SELECT gid FROM pg_prepared_xacts")
	if err != nil {
		return nil, &xa.Error{Code: xa.ErrRMErr, Msg: "listing prepared transactions", Cause: err}
	}
	defer rows.Close()

	var xids []xa.Xid
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, &xa.Error{Code: xa.ErrRMErr, Msg: "scanning prepared transaction", Cause: err}
		}
		xid, ok := parseGid(g)
		if !ok {
			continue
		}
		xids = append(xids, xid)
	}
	return xids, rows.Err()
}

// gid encodes a branch identifier as a PostgreSQL global transaction name.
func gid(xid xa.Xid) string {
	return fmt.Sprintf("%d-%s-%s", xid.FormatID,
		hex.EncodeToString(xid.GTRID), hex.EncodeToString(xid.BQual))
}

func parseGid(g string) (xa.Xid, bool) {
	parts := strings.SplitN(g, "-", 3)
	if len(parts) != 3 {
		return xa.Xid{}, false
	}
	var formatID int32
	if _, err := fmt.Sscanf(parts[0], "%d", &formatID); err != nil {
		return xa.Xid{}, false
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil {
		return xa.Xid{}, false
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return xa.Xid{}, false
	}
	return xa.Xid{FormatID: formatID, GTRID: gtrid, BQual: bqual}, true
}

// logicalConn adapts the pgx connection to the pool's connection interface.
type logicalConn struct {
	c          *connection
	autoCommit bool
}

func (l *logicalConn) Prepare(query string, opts xa.StmtOptions) (xa.Stmt, error) {
	name := fmt.Sprintf("xapool_stmt_%d", l.c.stmtSeq.Add(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := l.c.conn.Prepare(ctx, name, query); err != nil {
		return nil, err
	}
	return &stmt{c: l.c, name: name}, nil
}

func (l *logicalConn) SetTransactionIsolation(level int) error {
	name, ok := isolationName(level)
	if !ok {
		return fmt.Errorf("unsupported transaction isolation level %d", level)
	}
	return l.c.exec("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL " + name)
}

// SetHoldability is accepted and ignored: PostgreSQL cursors are controlled
// per DECLARE, not per connection.
func (l *logicalConn) SetHoldability(holdability int) error {
	return nil
}

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
	if err := l.c.conn.Ping(ctx); err != nil {
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

// stmt is a named server-side prepared statement.
type stmt struct {
	c       *connection
	name    string
	timeout time.Duration
}

func (s *stmt) SetQueryTimeout(timeout time.Duration) error {
	s.timeout = timeout
	return nil
}

func (s *stmt) Query() (xa.Rows, error) {
	ctx, cancel := s.queryContext()
	rows, err := s.c.conn.Query(ctx, s.name)
	if err != nil {
		cancel()
		return nil, err
	}
	return &pgxRows{rows: rows, cancel: cancel}, nil
}

func (s *stmt) Exec() error {
	ctx, cancel := s.queryContext()
	defer cancel()
	_, err := s.c.conn.Exec(ctx, s.name)
	return err
}

func (s *stmt) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.c.conn.Deallocate(ctx, s.name)
}

func (s *stmt) queryContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(context.Background(), s.timeout)
	}
	return context.WithCancel(context.Background())
}

type pgxRows struct {
	rows   pgx.Rows
	cancel context.CancelFunc
}

func (r *pgxRows) Close() error {
	r.rows.Close()
	r.cancel()
	return r.rows.Err()
}
