package pool

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joao-brasil/xapool/internal/metrics"
	"github.com/joao-brasil/xapool/pkg/resource"
	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// PooledConnection wraps one vendor XA connection together with the metadata
// the pool and the transaction manager need: the lifecycle state machine, the
// shared-usage count, the prepared-statement cache and the uncached-statement
// registry.
//
// A single PooledConnection may back several logical handles participating in
// the same global transaction when handle sharing is enabled.
type PooledConnection struct {
	pool     *Pool
	xaConn   xa.XAConnection
	conn     xa.Conn
	res      xa.Resource
	cache    *lruStatementCache
	uncached *uncachedRegistry

	// stateMu serializes state transitions; the state value itself is read
	// lock-free for observability.
	stateMu sync.Mutex
	state   atomic.Int32

	usageCount      atomic.Int32
	acquisitionDate atomic.Int64
	lastReleaseDate atomic.Int64

	// driverVersion selects the validation path: 4 when the logical
	// connection advertises a native validity probe, 3 otherwise. A probe
	// error downgrades it to 3 permanently for this holder.
	driverVersion atomic.Int32

	poisoned atomic.Bool

	gtridMu sync.Mutex
	gtrids  map[string]struct{}

	mgmtName string
	log      zerolog.Logger
}

func newPooledConnection(p *Pool, xaConn xa.XAConnection) (*PooledConnection, error) {
	conn, err := xaConn.Connection()
	if err != nil {
		return nil, fmt.Errorf("getting logical connection for %s: %w", p.def.UniqueName, err)
	}

	h := &PooledConnection{
		pool:     p,
		xaConn:   xaConn,
		conn:     conn,
		res:      xaConn.Resource(),
		uncached: &uncachedRegistry{},
		gtrids:   make(map[string]struct{}),
		log:      p.log,
	}
	h.cache = newLruStatementCache(p.def.PreparedStatementCacheSize, p.log)
	h.cache.setEvictionHook(func(stmt xa.Stmt) error {
		metrics.StatementCacheEvents.WithLabelValues(p.def.UniqueName, "eviction").Inc()
		return stmt.Close()
	})

	h.driverVersion.Store(3)
	if _, ok := conn.(xa.ValidityProber); ok {
		h.driverVersion.Store(4)
	}
	h.lastReleaseDate.Store(nowMillis())

	if _, ok := xaConn.(xa.LastResource); ok {
		h.log.Debug().Str("resource", p.def.UniqueName).
			Msg("emulating XA, forcing ordering position to always-last, deferred release and TM join")
		p.def.TwoPCOrderingPosition = resource.AlwaysLastPosition
		p.def.DeferConnectionRelease = true
		p.def.UseTMJoin = true
	}

	h.mgmtName = managementName(p.def.UniqueName, p.nextHolderID())
	p.registrar.Register(h.mgmtName, h)

	p.fireOnAcquire(h)
	return h, nil
}

// Handle checks the holder out and returns a proxied logical connection. On
// the first acquisition out of the pool the connection is validated and the
// configured isolation level, cursor holdability and auto-commit are applied.
func (h *PooledConnection) Handle() (*ConnHandle, error) {
	h.log.Debug().Stringer("holder", h).Msg("getting connection handle")

	if h.poisoned.Load() {
		return nil, fmt.Errorf("refusing to hand out %s: %w", h, ErrHolderPoisoned)
	}

	oldState := h.State()
	h.usageCount.Inc()

	// Only transition on the first usage, or to resume a suspended holder.
	// A shared holder already in ACCESSIBLE stays where it is: requesting
	// ACCESSIBLE again would fail the state machine's sanity check.
	if h.usageCount.Load() == 1 || oldState == StateNotAccessible {
		if err := h.setState(StateAccessible); err != nil {
			h.usageCount.Dec()
			return nil, err
		}
	}

	if oldState == StateInPool {
		h.log.Debug().Stringer("holder", h).Msg("connection was in pool, testing it")
		if err := h.testConnection(); err != nil {
			h.usageCount.Dec()
			return nil, err
		}
		if err := h.applyIsolationLevel(); err != nil {
			h.usageCount.Dec()
			return nil, err
		}
		if err := h.applyCursorHoldability(); err != nil {
			h.usageCount.Dec()
			return nil, err
		}
		if h.pool.txContext.Current() == nil {
			// safe to touch the auto-commit flag outside of a global transaction
			if err := h.applyLocalAutoCommit(); err != nil {
				h.usageCount.Dec()
				return nil, err
			}
		}
	}

	h.pool.fireOnLease(h)
	return newConnHandle(h), nil
}

// Release delists the holder from the ambient transaction and, once the last
// sharing handle is gone, requeues it. It reports whether the holder returned
// to the pool.
//
// A failed requeue restores the usage count: a holder that could not return
// to the pool stays owned by the caller. The requeue error may mask a delist
// error; an un-requeued holder is a leak and therefore the more severe report.
func (h *PooledConnection) Release() (bool, error) {
	h.log.Debug().Stringer("holder", h).Msg("releasing to pool")
	h.usageCount.Dec()

	delistErr := h.delist()

	if h.usageCount.Load() == 0 {
		h.pool.fireOnRelease(h)
		if err := h.pool.requeue(h); err != nil {
			h.usageCount.Inc()
			if delistErr == nil && h.pool.def.DelistedReuse == resource.DelistedReusePoison {
				h.poisoned.Store(true)
				h.log.Warn().Stringer("holder", h).Msg("poisoning delisted holder after failed requeue")
			}
			return false, fmt.Errorf("%w: %w", ErrRequeueFailed, err)
		}
		h.log.Debug().Stringer("holder", h).Msg("released to pool")
	} else {
		h.log.Debug().Stringer("holder", h).Msg("not releasing to pool yet, connection is still shared")
	}

	return h.usageCount.Load() == 0, delistErr
}

func (h *PooledConnection) delist() error {
	err := h.pool.txContext.Delist(h)
	if err == nil {
		return nil
	}
	var xaErr *xa.Error
	if errors.As(err, &xaErr) && xaErr.RollbackError() {
		metrics.DelistFailures.WithLabelValues(h.pool.def.UniqueName, "unilateral_rollback").Inc()
		return fmt.Errorf("unilateral rollback of %s: %w: %w", h, ErrUnilateralRollback, err)
	}
	metrics.DelistFailures.WithLabelValues(h.pool.def.UniqueName, "system").Inc()
	return fmt.Errorf("delisting %s: %w: %w", h, ErrDelistFailed, err)
}

// Close destroys the holder. The statement cache is cleared, the holder is
// unregistered from management and from the pool, and both connections are
// closed, logical first; the physical close runs even when the logical close
// fails.
func (h *PooledConnection) Close() error {
	if h.usageCount.Load() > 0 {
		h.log.Warn().Stringer("holder", h).Msg("closing connection with usage count > 0")
	}

	if err := h.setState(StateClosed); err != nil {
		return err
	}

	h.cache.clear()
	h.pool.registrar.Unregister(h.mgmtName)
	h.pool.unregister(h)

	connErr := h.conn.Close()
	xaErr := h.xaConn.Close()
	h.pool.fireOnDestroy(h)

	if connErr != nil {
		return fmt.Errorf("closing logical connection of %s: %w", h, connErr)
	}
	if xaErr != nil {
		return fmt.Errorf("closing physical connection of %s: %w", h, xaErr)
	}
	return nil
}

// setState drives the state machine. The holder is its own transition
// listener: stateChanging runs before the new state becomes visible,
// stateChanged after.
func (h *PooledConnection) setState(next State) error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	current := State(h.state.Load())
	if current == next {
		return fmt.Errorf("cannot switch from %s to %s: %w", current, next, ErrInvalidTransition)
	}
	if err := checkTransition(current, next); err != nil {
		return err
	}

	h.stateChanging(current, next)
	h.state.Store(int32(next))
	return h.stateChanged(current, next)
}

// stateChanging flushes dangling uncached statements and clears connection
// warnings before the holder becomes invisible to its caller.
func (h *PooledConnection) stateChanging(current, future State) {
	if future == StateInPool && h.usageCount.Load() > 0 {
		h.log.Warn().Stringer("holder", h).Int32("usage_count", h.usageCount.Load()).
			Msg("usage count too high on connection returned to pool")
	}

	if future == StateInPool || future == StateNotAccessible {
		dangling := h.uncached.snapshotAndClear()
		h.log.Debug().Int("count", len(dangling)).Msg("closing dangling uncached statements")
		for _, stmt := range dangling {
			if err := stmt.Close(); err != nil {
				h.log.Debug().Err(err).Msg("error trying to close uncached statement")
			}
		}

		if err := h.conn.ClearWarnings(); err != nil {
			h.log.Debug().Err(err).Stringer("holder", h).Msg("error cleaning warnings of connection")
		}
	}
}

func (h *PooledConnection) stateChanged(old, next State) error {
	switch {
	case next == StateInPool:
		h.lastReleaseDate.Store(nowMillis())
	case old == StateInPool && next == StateAccessible:
		h.acquisitionDate.Store(nowMillis())
	case old == StateNotAccessible && next == StateAccessible:
		// resuming a suspended holder: re-enlist it in the caller's current
		// global transaction
		if err := h.pool.txContext.Recycle(h); err != nil {
			return fmt.Errorf("recycling %s: %w", h, err)
		}
	}
	return nil
}

// testConnection probes the connection's liveness. The native probe is tried
// first when enabled; a probe error downgrades this holder to the test-query
// path permanently, because some drivers advertise a probe and then throw on
// it.
func (h *PooledConnection) testConnection() error {
	def := h.pool.def
	timeout := def.EffectiveConnectionTestTimeout()

	if def.EnableNativeValidation && h.driverVersion.Load() >= 4 {
		if prober, ok := h.conn.(xa.ValidityProber); ok {
			h.log.Debug().Stringer("holder", h).Msg("testing connection with native validity probe")
			valid, err := prober.Valid(timeout)
			switch {
			case err != nil:
				h.log.Warn().Err(err).Stringer("holder", h).
					Msg("dysfunctional native validity probe, falling back to test query")
				h.driverVersion.Store(3)
			case valid:
				return nil
			default:
				metrics.ValidationFailures.WithLabelValues(def.UniqueName, "native").Inc()
				return fmt.Errorf("connection of %s: %w", h, ErrConnectionDead)
			}
		}
	}

	query := def.TestQuery
	if query == "" {
		h.log.Debug().Stringer("holder", h).Msg("no query to test connection, skipping test")
		return nil
	}

	stmt, err := h.conn.Prepare(query, xa.StmtOptions{})
	if err != nil {
		metrics.ValidationFailures.WithLabelValues(def.UniqueName, "query").Inc()
		return fmt.Errorf("testing connection of %s: %w: %w", h, ErrConnectionDead, err)
	}
	defer stmt.Close()

	if err := stmt.SetQueryTimeout(timeout); err != nil {
		metrics.ValidationFailures.WithLabelValues(def.UniqueName, "query").Inc()
		return fmt.Errorf("testing connection of %s: %w: %w", h, ErrConnectionDead, err)
	}
	rows, err := stmt.Query()
	if err != nil {
		metrics.ValidationFailures.WithLabelValues(def.UniqueName, "query").Inc()
		return fmt.Errorf("testing connection of %s: %w: %w", h, ErrConnectionDead, err)
	}
	if err := rows.Close(); err != nil {
		metrics.ValidationFailures.WithLabelValues(def.UniqueName, "query").Inc()
		return fmt.Errorf("testing connection of %s: %w: %w", h, ErrConnectionDead, err)
	}
	return nil
}

func (h *PooledConnection) applyIsolationLevel() error {
	isolationLevel := h.pool.def.IsolationLevel
	if isolationLevel == "" {
		return nil
	}
	level := translateIsolationLevel(isolationLevel)
	if level < 0 {
		h.log.Warn().Str("isolation_level", isolationLevel).
			Msg("invalid transaction isolation level configured, keeping the default isolation level")
		return nil
	}
	h.log.Debug().Str("isolation_level", isolationLevel).Msg("setting connection's isolation level")
	return h.conn.SetTransactionIsolation(level)
}

func (h *PooledConnection) applyCursorHoldability() error {
	cursorHoldability := h.pool.def.CursorHoldability
	if cursorHoldability == "" {
		return nil
	}
	holdability := translateCursorHoldability(cursorHoldability)
	if holdability < 0 {
		h.log.Warn().Str("cursor_holdability", cursorHoldability).
			Msg("invalid cursor holdability configured, keeping the default cursor holdability")
		return nil
	}
	h.log.Debug().Str("cursor_holdability", cursorHoldability).Msg("setting connection's cursor holdability")
	return h.conn.SetHoldability(holdability)
}

func (h *PooledConnection) applyLocalAutoCommit() error {
	localAutoCommit := h.pool.def.LocalAutoCommit
	switch {
	case localAutoCommit == "":
		return nil
	case strings.EqualFold(localAutoCommit, "true"):
		h.log.Debug().Msg("setting connection's auto commit to true")
		return h.conn.SetAutoCommit(true)
	case strings.EqualFold(localAutoCommit, "false"):
		h.log.Debug().Msg("setting connection's auto commit to false")
		return h.conn.SetAutoCommit(false)
	default:
		h.log.Warn().Str("local_auto_commit", localAutoCommit).
			Msg("invalid auto commit configured, keeping default auto commit")
		return nil
	}
}

func translateIsolationLevel(name string) int {
	switch name {
	case "READ_UNCOMMITTED":
		return xa.LevelReadUncommitted
	case "READ_COMMITTED":
		return xa.LevelReadCommitted
	case "REPEATABLE_READ":
		return xa.LevelRepeatableRead
	case "SERIALIZABLE":
		return xa.LevelSerializable
	}
	if level, err := strconv.Atoi(name); err == nil {
		return level
	}
	return -1
}

func translateCursorHoldability(name string) int {
	switch name {
	case "CLOSE_CURSORS_AT_COMMIT":
		return xa.CloseCursorsAtCommit
	case "HOLD_CURSORS_OVER_COMMIT":
		return xa.HoldCursorsOverCommit
	}
	return -1
}

// Resource returns the XA resource view handed to the transaction manager.
func (h *PooledConnection) Resource() xa.Resource {
	return h.res
}

// Pool returns the enclosing pool.
func (h *PooledConnection) Pool() *Pool {
	return h.pool
}

// MarkEnlisted records that the holder participates in the given global
// transaction. Called by the transaction manager.
func (h *PooledConnection) MarkEnlisted(gtrid string) {
	h.gtridMu.Lock()
	h.gtrids[gtrid] = struct{}{}
	h.gtridMu.Unlock()
}

// MarkDelisted removes the holder's participation record for gtrid.
func (h *PooledConnection) MarkDelisted(gtrid string) {
	h.gtridMu.Lock()
	delete(h.gtrids, gtrid)
	h.gtridMu.Unlock()
}

// HoldingGTRID reports whether the holder participates in gtrid.
func (h *PooledConnection) HoldingGTRID(gtrid string) bool {
	h.gtridMu.Lock()
	defer h.gtridMu.Unlock()
	_, ok := h.gtrids[gtrid]
	return ok
}

// TransactionGTRIDs returns the identifiers of the global transactions
// currently holding this connection.
func (h *PooledConnection) TransactionGTRIDs() []string {
	h.gtridMu.Lock()
	defer h.gtridMu.Unlock()
	out := make([]string, 0, len(h.gtrids))
	for gtrid := range h.gtrids {
		out = append(out, gtrid)
	}
	return out
}

// CachedStatement returns the statement cached under key, or nil.
func (h *PooledConnection) CachedStatement(key CacheKey) xa.Stmt {
	return h.cache.get(key)
}

// PutCachedStatement caches the statement under key and returns it.
func (h *PooledConnection) PutCachedStatement(key CacheKey, stmt xa.Stmt) xa.Stmt {
	return h.cache.put(key, stmt)
}

// RegisterUncachedStatement tracks a statement created outside the cache so
// it can be closed when the connection is put back in the pool.
func (h *PooledConnection) RegisterUncachedStatement(stmt xa.Stmt) xa.Stmt {
	h.uncached.register(stmt)
	return stmt
}

// UnregisterUncachedStatement removes the tracking for stmt.
func (h *PooledConnection) UnregisterUncachedStatement(stmt xa.Stmt) {
	h.uncached.unregister(stmt)
}

// State returns the holder's current lifecycle state.
func (h *PooledConnection) State() State {
	return State(h.state.Load())
}

// UsageCount returns the number of outstanding logical acquisitions.
func (h *PooledConnection) UsageCount() int {
	return int(h.usageCount.Load())
}

// AcquisitionDate returns the last time the holder left the pool.
func (h *PooledConnection) AcquisitionDate() time.Time {
	return time.UnixMilli(h.acquisitionDate.Load())
}

// LastReleaseDate returns the last time the holder entered the pool.
func (h *PooledConnection) LastReleaseDate() time.Time {
	return time.UnixMilli(h.lastReleaseDate.Load())
}

// DriverVersion returns the validation path currently selected: 4 for the
// native probe, 3 for the test-query fallback.
func (h *PooledConnection) DriverVersion() int {
	return int(h.driverVersion.Load())
}

// ManagementName returns the identifier the holder is registered under.
func (h *PooledConnection) ManagementName() string {
	return h.mgmtName
}

func (h *PooledConnection) String() string {
	return fmt.Sprintf("a PooledConnection from datasource %s in state %s with usage count %d",
		h.pool.def.UniqueName, h.State(), h.usageCount.Load())
}
