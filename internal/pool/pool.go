// Package pool implements the XA resource pool: connection holders with a
// lifecycle state machine, statement caching, validation on acquire, and
// enlist/delist handoff with the ambient global transaction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joao-brasil/xapool/internal/metrics"
	"github.com/joao-brasil/xapool/pkg/resource"
	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ConnectionFactory opens physical XA connections for a pool. Datasource
// adapters implement it.
type ConnectionFactory interface {
	CreateXAConnection(ctx context.Context) (xa.XAConnection, error)
}

// SlotLimiter caps the number of physical connections across pool instances.
// The pool consults it before growing and releases the slot when a holder is
// destroyed.
type SlotLimiter interface {
	TryAcquire(ctx context.Context, resourceName string) error
	Release(ctx context.Context, resourceName string)
}

// Hooks are the pool's observability events.
type Hooks struct {
	OnAcquire func(*PooledConnection)
	OnLease   func(*PooledConnection)
	OnRelease func(*PooledConnection)
	OnDestroy func(*PooledConnection)
	OnClose   func(*ConnHandle, error)
}

// Env carries the collaborators injected into a pool. Zero-value fields get
// working defaults.
type Env struct {
	TxContext TransactionContext
	Registrar Registrar
	Limiter   SlotLimiter
	Hooks     Hooks
	Logger    zerolog.Logger
}

// Pool manages the holders for a single resource. It provides acquire/release
// semantics with a LIFO free list, a waiter queue for callers blocked at max
// capacity, and timed shrinking of stale idle holders.
type Pool struct {
	def       *resource.Definition
	factory   ConnectionFactory
	txContext TransactionContext
	registrar Registrar
	limiter   SlotLimiter
	hooks     Hooks
	log       zerolog.Logger

	mu      sync.Mutex
	idle    []*PooledConnection
	all     map[*PooledConnection]struct{}
	waiters []chan *PooledConnection
	closed  bool

	// holderID mints the per-pool management id counter.
	holderID atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool for the given resource definition and eagerly opens
// min_pool_size connections. Failures during warm-up are logged, not fatal.
func New(ctx context.Context, def *resource.Definition, factory ConnectionFactory, env Env) (*Pool, error) {
	if env.TxContext == nil {
		env.TxContext = NoTransactionContext{}
	}
	if env.Registrar == nil {
		env.Registrar = NewRegistrar()
	}

	p := &Pool{
		def:       def,
		factory:   factory,
		txContext: env.TxContext,
		registrar: env.Registrar,
		limiter:   env.Limiter,
		hooks:     env.Hooks,
		log:       env.Logger.With().Str("component", "pool").Str("resource", def.UniqueName).Logger(),
		all:       make(map[*PooledConnection]struct{}),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < def.MinPoolSize; i++ {
		if !p.acquireSlot(ctx) {
			break
		}
		h, err := p.createHolder(ctx)
		if err != nil {
			p.releaseSlot()
			p.log.Warn().Err(err).Int("n", i+1).Int("min_pool_size", def.MinPoolSize).
				Msg("failed to create warm connection")
			continue
		}
		p.mu.Lock()
		p.all[h] = struct{}{}
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}

	metrics.ConnectionsMax.WithLabelValues(def.UniqueName).Set(float64(def.MaxPoolSize))
	p.mu.Lock()
	p.updateGauges()
	p.mu.Unlock()
	p.log.Info().Int("idle", len(p.idle)).Int("max_pool_size", def.MaxPoolSize).Msg("pool initialized")

	return p, nil
}

// Definition returns the pool's resource definition.
func (p *Pool) Definition() *resource.Definition {
	return p.def
}

// acquireRetries bounds how many unusable holders one Acquire call will
// discard before giving up.
const acquireRetries = 3

// Acquire obtains a connection handle. If no holder is available and the pool
// is at capacity, the caller blocks until one is released or the context
// expires. A holder failing validation is discarded and the acquire retried
// against a fresh one.
func (p *Pool) Acquire(ctx context.Context) (*ConnHandle, error) {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		h, err := p.reserve(ctx)
		if err != nil {
			return nil, err
		}

		handle, err := h.Handle()
		if err == nil {
			metrics.AcquireWaitDuration.WithLabelValues(p.def.UniqueName).Observe(time.Since(start).Seconds())
			return handle, nil
		}
		if errors.Is(err, ErrConnectionDead) || errors.Is(err, ErrHolderPoisoned) {
			p.log.Warn().Err(err).Msg("discarding unusable connection")
			if cerr := h.Close(); cerr != nil {
				p.log.Warn().Err(cerr).Msg("error destroying unusable connection")
			}
			if attempt < acquireRetries {
				continue
			}
		}
		return nil, err
	}
}

// reserve picks the holder the next handle will come from: a holder already
// shared by the current transaction, an idle one, a freshly created one, or
// one handed over by a releasing caller.
func (p *Pool) reserve(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquiring from pool %s: %w", p.def.UniqueName, ErrPoolClosed)
	}

	if p.def.ShareHandles {
		if tx := p.txContext.Current(); tx != nil {
			for h := range p.all {
				if h.State() == StateAccessible && h.HoldingGTRID(tx.GTRID()) {
					p.mu.Unlock()
					p.log.Debug().Stringer("holder", h).Msg("sharing connection already enlisted in current transaction")
					return h, nil
				}
			}
		}
	}

	if h := p.popIdle(); h != nil {
		p.updateGauges()
		p.mu.Unlock()
		return h, nil
	}

	if len(p.all) < p.def.MaxPoolSize {
		p.mu.Unlock()
		if p.acquireSlot(ctx) {
			h, err := p.createHolder(ctx)
			if err != nil {
				p.releaseSlot()
				return nil, fmt.Errorf("creating connection for %s: %w", p.def.UniqueName, err)
			}
			p.mu.Lock()
			p.all[h] = struct{}{}
			p.updateGauges()
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Lock()
	}

	// Pool is full, or the global slot limit is reached; enter the wait queue.
	waiterCh := make(chan *PooledConnection, 1)
	p.waiters = append(p.waiters, waiterCh)
	p.mu.Unlock()

	timer := time.NewTimer(p.def.AcquireTimeout)
	defer timer.Stop()

	select {
	case h := <-waiterCh:
		if h == nil {
			return nil, fmt.Errorf("pool %s closed while waiting: %w", p.def.UniqueName, ErrPoolClosed)
		}
		return h, nil
	case <-timer.C:
		p.abandonWait(waiterCh)
		return nil, fmt.Errorf("acquire timeout (%v) for pool %s", p.def.AcquireTimeout, p.def.UniqueName)
	case <-ctx.Done():
		p.abandonWait(waiterCh)
		return nil, ctx.Err()
	}
}

// abandonWait removes a waiter that gave up. A holder handed over in the
// window between the handoff and the removal goes back to the free list.
func (p *Pool) abandonWait(waiterCh chan *PooledConnection) {
	p.removeWaiter(waiterCh)
	select {
	case h := <-waiterCh:
		if h != nil {
			p.mu.Lock()
			p.idle = append(p.idle, h)
			p.updateGauges()
			p.mu.Unlock()
		}
	default:
	}
}

// requeue returns a holder to the free list, handing it directly to a queued
// waiter when one exists. The holder's own Release calls this; an error here
// means the holder stays owned by its caller.
func (p *Pool) requeue(h *PooledConnection) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("requeuing into pool %s: %w", p.def.UniqueName, ErrPoolClosed)
	}

	if err := h.setState(StateInPool); err != nil {
		p.mu.Unlock()
		return err
	}

	metrics.HolderOperations.WithLabelValues(p.def.UniqueName, "requeue").Inc()

	if len(p.waiters) > 0 {
		waiterCh := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waiterCh <- h
		return nil
	}

	p.idle = append(p.idle, h)
	p.updateGauges()
	p.mu.Unlock()
	return nil
}

// unregister removes a holder being destroyed. Called back by the holder's
// Close, never the other way around: the pool owns its holders, the holder
// only keeps a non-owning back-reference.
func (p *Pool) unregister(h *PooledConnection) {
	p.mu.Lock()
	delete(p.all, h)
	for i, idle := range p.idle {
		if idle == h {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.updateGauges()
	p.mu.Unlock()
	p.releaseSlot()
}

// Close shuts down the pool, destroying all holders and waking all waiters.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, waiterCh := range p.waiters {
		close(waiterCh)
	}
	p.waiters = nil

	holders := make([]*PooledConnection, 0, len(p.all))
	for h := range p.all {
		holders = append(holders, h)
	}
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, h := range holders {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.wg.Wait()
	p.log.Info().Msg("pool closed")
	return firstErr
}

// Stats holds pool statistics.
type Stats struct {
	Resource   string
	InPool     int
	Accessible int
	Max        int
	WaitQueue  int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Resource:   p.def.UniqueName,
		InPool:     len(p.idle),
		Accessible: len(p.all) - len(p.idle),
		Max:        p.def.MaxPoolSize,
		WaitQueue:  len(p.waiters),
	}
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) createHolder(ctx context.Context) (*PooledConnection, error) {
	xaConn, err := p.factory.CreateXAConnection(ctx)
	if err != nil {
		return nil, err
	}
	h, err := newPooledConnection(p, xaConn)
	if err != nil {
		if cerr := xaConn.Close(); cerr != nil {
			p.log.Warn().Err(cerr).Msg("error closing physical connection after failed holder construction")
		}
		return nil, err
	}
	return h, nil
}

// popIdle removes and returns the most recently used idle holder, discarding
// any that sat in the pool past max_idle_time. Callers hold p.mu.
func (p *Pool) popIdle() *PooledConnection {
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		h := p.idle[n]
		p.idle = p.idle[:n]

		if p.def.MaxIdleTime > 0 && time.Since(h.LastReleaseDate()) > p.def.MaxIdleTime {
			delete(p.all, h)
			go p.destroyStale(h)
			continue
		}
		return h
	}
	return nil
}

// destroyStale closes a stale holder outside the pool lock.
func (p *Pool) destroyStale(h *PooledConnection) {
	if err := h.Close(); err != nil {
		p.log.Warn().Err(err).Msg("error closing stale connection")
	}
}

func (p *Pool) removeWaiter(ch chan *PooledConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
}

func (p *Pool) acquireSlot(ctx context.Context) bool {
	if p.limiter == nil {
		return true
	}
	if err := p.limiter.TryAcquire(ctx, p.def.UniqueName); err != nil {
		p.log.Debug().Err(err).Msg("global connection slot unavailable")
		return false
	}
	return true
}

func (p *Pool) releaseSlot() {
	if p.limiter != nil {
		p.limiter.Release(context.Background(), p.def.UniqueName)
	}
}

// updateGauges refreshes the Prometheus gauges. Callers hold p.mu.
func (p *Pool) updateGauges() {
	metrics.ConnectionsInPool.WithLabelValues(p.def.UniqueName).Set(float64(len(p.idle)))
	metrics.ConnectionsAccessible.WithLabelValues(p.def.UniqueName).Set(float64(len(p.all) - len(p.idle)))
}

func (p *Pool) nextHolderID() uint64 {
	return p.holderID.Add(1)
}

func (p *Pool) fireOnAcquire(h *PooledConnection) {
	metrics.HolderOperations.WithLabelValues(p.def.UniqueName, "acquire").Inc()
	if p.hooks.OnAcquire != nil {
		p.hooks.OnAcquire(h)
	}
}

func (p *Pool) fireOnLease(h *PooledConnection) {
	metrics.HolderOperations.WithLabelValues(p.def.UniqueName, "lease").Inc()
	if p.hooks.OnLease != nil {
		p.hooks.OnLease(h)
	}
}

func (p *Pool) fireOnRelease(h *PooledConnection) {
	metrics.HolderOperations.WithLabelValues(p.def.UniqueName, "release").Inc()
	if p.hooks.OnRelease != nil {
		p.hooks.OnRelease(h)
	}
}

func (p *Pool) fireOnDestroy(h *PooledConnection) {
	metrics.HolderOperations.WithLabelValues(p.def.UniqueName, "destroy").Inc()
	if p.hooks.OnDestroy != nil {
		p.hooks.OnDestroy(h)
	}
}

func (p *Pool) fireOnClose(c *ConnHandle, err error) {
	if p.hooks.OnClose != nil {
		p.hooks.OnClose(c, err)
	}
}
