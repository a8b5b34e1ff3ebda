package tm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joao-brasil/xapool/internal/pool"
	"github.com/joao-brasil/xapool/pkg/resource"
	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog records branch protocol calls across resources so tests can assert
// cross-resource ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeRes struct {
	name        string
	log         *eventLog
	prepareErr  error
	prepareVote xa.Vote
}

func (r *fakeRes) Start(xid xa.Xid, flags xa.Flag) error {
	r.log.add("%s:start:%s", r.name, xa.DecodeFlag(flags))
	return nil
}

func (r *fakeRes) End(xid xa.Xid, flags xa.Flag) error {
	r.log.add("%s:end:%s", r.name, xa.DecodeFlag(flags))
	return nil
}

func (r *fakeRes) Prepare(xid xa.Xid) (xa.Vote, error) {
	r.log.add("%s:prepare", r.name)
	return r.prepareVote, r.prepareErr
}

func (r *fakeRes) Commit(xid xa.Xid, onePhase bool) error {
	if onePhase {
		r.log.add("%s:commit1p", r.name)
	} else {
		r.log.add("%s:commit", r.name)
	}
	return nil
}

func (r *fakeRes) Rollback(xid xa.Xid) error {
	r.log.add("%s:rollback", r.name)
	return nil
}

func (r *fakeRes) Forget(xa.Xid) error               { return nil }
func (r *fakeRes) Recover(xa.Flag) ([]xa.Xid, error) { return nil, nil }

type fakeConn struct{}

func (fakeConn) Prepare(string, xa.StmtOptions) (xa.Stmt, error) { return nil, nil }
func (fakeConn) SetTransactionIsolation(int) error               { return nil }
func (fakeConn) SetHoldability(int) error                        { return nil }
func (fakeConn) SetAutoCommit(bool) error                        { return nil }
func (fakeConn) ClearWarnings() error                            { return nil }
func (fakeConn) Close() error                                    { return nil }

type fakeXC struct {
	res xa.Resource
}

func (c *fakeXC) Connection() (xa.Conn, error) { return fakeConn{}, nil }
func (c *fakeXC) Resource() xa.Resource        { return c.res }
func (c *fakeXC) Close() error                 { return nil }

type lrcXC struct {
	*fakeXC
}

func (lrcXC) LastResource() {}

type fixedFactory struct {
	xc xa.XAConnection
}

func (f *fixedFactory) CreateXAConnection(context.Context) (xa.XAConnection, error) {
	return f.xc, nil
}

func testDef(name string) *resource.Definition {
	return &resource.Definition{
		UniqueName:     name,
		Driver:         "fake",
		DSN:            "fake://",
		MaxPoolSize:    2,
		AcquireTimeout: time.Second,
		MaxIdleTime:    time.Hour,
	}
}

func newHolder(t *testing.T, m *Manager, name string, xc xa.XAConnection) *pool.PooledConnection {
	t.Helper()
	p, err := pool.New(context.Background(), testDef(name), &fixedFactory{xc: xc}, pool.Env{
		TxContext: m,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	handle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	return handle.Holder()
}

func TestBeginEnlistCommitOnePhase(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)
	require.NotNil(t, m.Current())
	assert.NotEmpty(t, tx.GTRID())
	assert.Equal(t, xa.StatusActive, tx.Status())

	h := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "a", log: log}})
	require.NoError(t, m.Enlist(h))
	assert.True(t, h.HoldingGTRID(tx.GTRID()))
	assert.Equal(t, 0, log.index("a:start:NOFLAGS"))

	require.NoError(t, tx.Commit())
	assert.Equal(t, xa.StatusCommitted, tx.Status())
	assert.Nil(t, m.Current())
	assert.False(t, h.HoldingGTRID(tx.GTRID()))

	assert.Positive(t, log.index("a:end:SUCCESS"))
	assert.Positive(t, log.index("a:commit1p"))
	assert.Equal(t, -1, log.index("a:prepare"), "single branch commits one-phase")
}

func TestBeginTwiceFails(t *testing.T) {
	m := NewManager(zerolog.Nop())
	_, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Begin()
	require.Error(t, err)
}

func TestTwoPhaseCommitOrdersLastResourceLast(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)

	normal := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "pg", log: log}})
	emulated := newHolder(t, m, "legacy", lrcXC{&fakeXC{res: &fakeRes{name: "lrc", log: log}}})

	require.NoError(t, m.Enlist(normal))
	require.NoError(t, m.Enlist(emulated))

	// The LRC emulator forced its pool to the always-last position.
	assert.Equal(t, resource.AlwaysLastPosition, emulated.Pool().Definition().TwoPCOrderingPosition)

	require.NoError(t, tx.Commit())

	pgPrepare := log.index("pg:prepare")
	lrcPrepare := log.index("lrc:prepare")
	pgCommit := log.index("pg:commit")
	lrcCommit := log.index("lrc:commit")

	require.GreaterOrEqual(t, pgPrepare, 0)
	require.GreaterOrEqual(t, lrcPrepare, 0)
	require.GreaterOrEqual(t, pgCommit, 0)
	require.GreaterOrEqual(t, lrcCommit, 0)

	assert.Less(t, pgPrepare, lrcPrepare, "real resource prepares before the emulator")
	assert.Less(t, lrcPrepare, pgCommit, "all branches prepare before any commit")
	assert.Less(t, pgCommit, lrcCommit, "the emulator commits last")
}

func TestPrepareFailureRollsBackEverything(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)

	good := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "good", log: log}})
	bad := newHolder(t, m, "payments", &fakeXC{res: &fakeRes{name: "bad", log: log, prepareErr: &xa.Error{Code: xa.ErrRMErr}}})

	require.NoError(t, m.Enlist(good))
	require.NoError(t, m.Enlist(bad))

	require.Error(t, tx.Commit())
	assert.Equal(t, xa.StatusRolledBack, tx.Status())
	assert.GreaterOrEqual(t, log.index("good:rollback"), 0)
	assert.GreaterOrEqual(t, log.index("bad:rollback"), 0)
	assert.Equal(t, -1, log.index("good:commit"))
}

func TestRollbackOnlyDelistReportsUnilateralRollback(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)

	h := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "a", log: log}})
	require.NoError(t, m.Enlist(h))

	tx.SetRollbackOnly()
	assert.Equal(t, xa.StatusMarkedRollback, tx.Status())

	err = m.Delist(h)
	var xaErr *xa.Error
	require.ErrorAs(t, err, &xaErr)
	assert.True(t, xaErr.RollbackError())
	assert.GreaterOrEqual(t, log.index("a:end:FAIL"), 0)

	require.NoError(t, tx.Rollback())
}

func TestReleaseThroughPoolMapsUnilateralRollback(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)

	h := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "a", log: log}})
	require.NoError(t, m.Enlist(h))
	tx.SetRollbackOnly()

	returned, err := h.Release()
	require.ErrorIs(t, err, pool.ErrUnilateralRollback)
	assert.True(t, returned, "the holder still requeues after a unilateral rollback")
	assert.Equal(t, pool.StateInPool, h.State())

	require.NoError(t, tx.Rollback())
}

func TestRecycleRejoinsExistingBranch(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)

	// The LRC emulator forces use_tm_join, so the recycled holder rejoins
	// its original branch instead of starting a second one.
	h := newHolder(t, m, "legacy", lrcXC{&fakeXC{res: &fakeRes{name: "lrc", log: log}}})
	require.NoError(t, m.Enlist(h))
	require.NoError(t, m.Delist(h))
	assert.False(t, h.HoldingGTRID(tx.GTRID()))

	require.NoError(t, m.Recycle(h))
	assert.True(t, h.HoldingGTRID(tx.GTRID()))
	assert.GreaterOrEqual(t, log.index("lrc:start:JOIN"), 0)

	require.NoError(t, tx.Commit())
}

func TestDelistWithoutTransactionIsNoop(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "a", log: &eventLog{}}})
	require.NoError(t, m.Delist(h))
	assert.Nil(t, m.Current())
}

func TestCommitMarkedRollbackOnlyRollsBack(t *testing.T) {
	m := NewManager(zerolog.Nop())
	log := &eventLog{}

	tx, err := m.Begin()
	require.NoError(t, err)

	h := newHolder(t, m, "orders", &fakeXC{res: &fakeRes{name: "a", log: log}})
	require.NoError(t, m.Enlist(h))

	tx.SetRollbackOnly()
	require.Error(t, tx.Commit())
	assert.Equal(t, xa.StatusRolledBack, tx.Status())
	assert.GreaterOrEqual(t, log.index("a:rollback"), 0)
	assert.Nil(t, m.Current())
}
