package pool

import (
	"context"
	"sync"
	"time"

	"github.com/joao-brasil/xapool/pkg/resource"
	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/rs/zerolog"
)

// ── Vendor fakes ────────────────────────────────────────────────────────

type fakeRows struct{}

func (fakeRows) Close() error { return nil }

type fakeStmt struct {
	sql        string
	closeCount int
	closeErr   error
	timeout    time.Duration
	queryErr   error
}

func (s *fakeStmt) SetQueryTimeout(timeout time.Duration) error {
	s.timeout = timeout
	return nil
}

func (s *fakeStmt) Query() (xa.Rows, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return fakeRows{}, nil
}

func (s *fakeStmt) Exec() error { return s.queryErr }

func (s *fakeStmt) Close() error {
	s.closeCount++
	return s.closeErr
}

type fakeConn struct {
	mu sync.Mutex

	prepared   []*fakeStmt
	prepareErr error

	isolation   int
	holdability int
	autoCommit  *bool

	warningsCleared int
	closeCount      int
	closeErr        error
}

func (c *fakeConn) Prepare(query string, opts xa.StmtOptions) (xa.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	stmt := &fakeStmt{sql: query}
	c.prepared = append(c.prepared, stmt)
	return stmt, nil
}

func (c *fakeConn) SetTransactionIsolation(level int) error {
	c.isolation = level
	return nil
}

func (c *fakeConn) SetHoldability(holdability int) error {
	c.holdability = holdability
	return nil
}

func (c *fakeConn) SetAutoCommit(enabled bool) error {
	c.autoCommit = &enabled
	return nil
}

func (c *fakeConn) ClearWarnings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warningsCleared++
	return nil
}

func (c *fakeConn) Close() error {
	c.closeCount++
	return c.closeErr
}

func (c *fakeConn) preparedSQL() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prepared))
	for i, s := range c.prepared {
		out[i] = s.sql
	}
	return out
}

// probingConn adds the native validity probe on top of fakeConn.
type probingConn struct {
	*fakeConn
	validCalls  int
	validResult bool
	validErr    error
}

func (c *probingConn) Valid(timeout time.Duration) (bool, error) {
	c.validCalls++
	return c.validResult, c.validErr
}

type fakeResource struct {
	mu     sync.Mutex
	starts []xa.Flag
	ends   []xa.Flag
}

func (r *fakeResource) Start(xid xa.Xid, flags xa.Flag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, flags)
	return nil
}

func (r *fakeResource) End(xid xa.Xid, flags xa.Flag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, flags)
	return nil
}

func (r *fakeResource) Prepare(xa.Xid) (xa.Vote, error)    { return xa.VoteOK, nil }
func (r *fakeResource) Commit(xa.Xid, bool) error          { return nil }
func (r *fakeResource) Rollback(xa.Xid) error              { return nil }
func (r *fakeResource) Forget(xa.Xid) error                { return nil }
func (r *fakeResource) Recover(xa.Flag) ([]xa.Xid, error)  { return nil, nil }

type fakeXAConnection struct {
	conn       xa.Conn
	res        xa.Resource
	closeCount int
	closeErr   error
}

func (c *fakeXAConnection) Connection() (xa.Conn, error) { return c.conn, nil }
func (c *fakeXAConnection) Resource() xa.Resource        { return c.res }
func (c *fakeXAConnection) Close() error {
	c.closeCount++
	return c.closeErr
}

// lastResourceXAConnection marks itself as a last-resource-commit emulation.
type lastResourceXAConnection struct {
	*fakeXAConnection
}

func (lastResourceXAConnection) LastResource() {}

type fakeFactory struct {
	mu    sync.Mutex
	conns []xa.XAConnection
	build func() xa.XAConnection
	err   error
}

func (f *fakeFactory) CreateXAConnection(ctx context.Context) (xa.XAConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.conns) > 0 {
		xc := f.conns[0]
		f.conns = f.conns[1:]
		return xc, nil
	}
	if f.build != nil {
		return f.build(), nil
	}
	return &fakeXAConnection{conn: &fakeConn{}, res: &fakeResource{}}, nil
}

// ── Transaction context fake ────────────────────────────────────────────

type fakeTx struct {
	gtrid string
}

func (t *fakeTx) GTRID() string { return t.gtrid }

type fakeTxContext struct {
	mu           sync.Mutex
	current      Transaction
	delistErr    error
	delistCalls  int
	recycleErr   error
	recycleCalls int
}

func (c *fakeTxContext) Current() Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeTxContext) setCurrent(tx Transaction) {
	c.mu.Lock()
	c.current = tx
	c.mu.Unlock()
}

func (c *fakeTxContext) Delist(h *PooledConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delistCalls++
	return c.delistErr
}

func (c *fakeTxContext) Recycle(h *PooledConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recycleCalls++
	return c.recycleErr
}

// ── Helpers ─────────────────────────────────────────────────────────────

func testDefinition() *resource.Definition {
	return &resource.Definition{
		UniqueName:                 "test-ds",
		Driver:                     "fake",
		DSN:                        "fake://",
		MaxPoolSize:                5,
		AcquireTimeout:             time.Second,
		MaxIdleTime:                time.Hour,
		TestQuery:                  "SELECT 1",
		ConnectionTestTimeout:      2 * time.Second,
		PreparedStatementCacheSize: 2,
		DelistedReuse:              resource.DelistedReuseReenlist,
	}
}

func newTestPool(t interface{ Fatalf(string, ...any) }, def *resource.Definition, factory ConnectionFactory, txc TransactionContext) *Pool {
	if factory == nil {
		factory = &fakeFactory{}
	}
	if txc == nil {
		txc = &fakeTxContext{}
	}
	p, err := New(context.Background(), def, factory, Env{
		TxContext: txc,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("creating test pool: %v", err)
	}
	return p
}
