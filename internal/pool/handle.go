package pool

import (
	"fmt"

	"github.com/joao-brasil/xapool/internal/metrics"
	"github.com/joao-brasil/xapool/pkg/xa"
	"go.uber.org/atomic"
)

// ConnHandle is the caller-facing logical connection bound to a holder. It
// routes statement preparation through the holder's statement cache and turns
// Close into a release back to the pool.
type ConnHandle struct {
	holder *PooledConnection
	closed atomic.Bool
}

func newConnHandle(h *PooledConnection) *ConnHandle {
	return &ConnHandle{holder: h}
}

// Prepare returns a prepared statement for query. When statement caching is
// enabled, interchangeable statements share one cached handle whose Close is
// a no-op; the cache closes it on eviction. Otherwise the statement is
// tracked in the uncached registry so a handle leaked by its caller is still
// closed when the holder returns to the pool.
func (c *ConnHandle) Prepare(query string, opts xa.StmtOptions) (xa.Stmt, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection handle is closed")
	}
	h := c.holder
	resourceName := h.pool.def.UniqueName

	if h.cache.capacity > 0 {
		key := CacheKey{SQL: query, Holdability: opts.Holdability, GeneratedKeys: opts.GeneratedKeys}
		if stmt := h.CachedStatement(key); stmt != nil {
			metrics.StatementCacheEvents.WithLabelValues(resourceName, "hit").Inc()
			return &cachedStmt{Stmt: stmt}, nil
		}
		metrics.StatementCacheEvents.WithLabelValues(resourceName, "miss").Inc()
		stmt, err := h.conn.Prepare(query, opts)
		if err != nil {
			return nil, err
		}
		return &cachedStmt{Stmt: h.PutCachedStatement(key, stmt)}, nil
	}

	stmt, err := h.conn.Prepare(query, opts)
	if err != nil {
		return nil, err
	}
	h.RegisterUncachedStatement(stmt)
	return &uncachedStmt{Stmt: stmt, holder: h}, nil
}

// Close releases the underlying holder. Closing an already closed handle is
// a no-op.
func (c *ConnHandle) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := c.holder.Release()
	c.holder.pool.fireOnClose(c, err)
	return err
}

// Holder returns the pooled connection backing this handle.
func (c *ConnHandle) Holder() *PooledConnection {
	return c.holder
}

// cachedStmt shields a cached statement from caller-initiated closes: the
// statement stays cached and is closed exactly once by the cache's eviction
// hook or by the cache clear at holder destruction.
type cachedStmt struct {
	xa.Stmt
}

func (s *cachedStmt) Close() error {
	return nil
}

// uncachedStmt removes itself from the holder's registry when its caller
// closes it; statements never closed by their caller are force-closed when
// the holder transitions back to the pool.
type uncachedStmt struct {
	xa.Stmt
	holder *PooledConnection
}

func (s *uncachedStmt) Close() error {
	s.holder.UnregisterUncachedStatement(s.Stmt)
	return s.Stmt.Close()
}
