// Package tm provides a minimal transaction context: enough of a transaction
// manager to drive the pool's enlist/delist handoff end to end. It manages
// one global transaction at a time per manager, enlisting holders' XA
// resources as branches and committing them in two-phase ordering position
// order so last-resource-commit emulators go last.
//
// The full 2PC recovery engine and the persistent journal live outside this
// repository; the pool only ever sees the TransactionContext interface.
package tm

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/joao-brasil/xapool/internal/pool"
	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/rs/zerolog"
)

// Manager hands out transactions and implements pool.TransactionContext.
type Manager struct {
	mu      sync.Mutex
	current *Transaction
	log     zerolog.Logger
}

// NewManager creates a transaction manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("component", "tm").Logger()}
}

// Begin starts a new global transaction. Only one transaction may be in
// flight per manager.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, fmt.Errorf("transaction %s already in flight", m.current.gtrid)
	}

	id := uuid.New()
	tx := &Transaction{
		m:          m,
		gtrid:      id.String(),
		gtridBytes: id[:],
		status:     xa.StatusActive,
	}
	m.current = tx
	m.log.Debug().Str("gtrid", tx.gtrid).Msg("transaction started")
	return tx, nil
}

// Current returns the ambient transaction, or nil when none is running.
func (m *Manager) Current() pool.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

// Enlist registers the holder's XA resource as a branch of the current
// transaction. A holder already enlisted rejoins its existing branch when the
// resource definition asks for TM join.
func (m *Manager) Enlist(h *pool.PooledConnection) error {
	tx := m.currentTx()
	if tx == nil {
		return fmt.Errorf("no transaction to enlist %s in", h)
	}
	return tx.enlist(h)
}

// Delist ends the holder's branch in the current transaction. A transaction
// already marked rollback-only reports the unilateral rollback through an
// *xa.Error in the XA_RB* range.
func (m *Manager) Delist(h *pool.PooledConnection) error {
	tx := m.currentTx()
	if tx == nil {
		return nil
	}
	return tx.delist(h)
}

// Recycle re-enlists a holder resuming from suspension into the caller's
// current transaction.
func (m *Manager) Recycle(h *pool.PooledConnection) error {
	return m.Enlist(h)
}

func (m *Manager) currentTx() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) clear(tx *Transaction) {
	m.mu.Lock()
	if m.current == tx {
		m.current = nil
	}
	m.mu.Unlock()
}

// Transaction is one global transaction with its enlisted branches.
type Transaction struct {
	m          *Manager
	gtrid      string
	gtridBytes []byte

	mu       sync.Mutex
	status   xa.Status
	enlisted []*enlistment
}

type enlistment struct {
	holder   *pool.PooledConnection
	xid      xa.Xid
	position int
	ended    bool
}

// GTRID returns the global transaction identifier.
func (t *Transaction) GTRID() string {
	return t.gtrid
}

// Status returns the transaction status.
func (t *Transaction) Status() xa.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetRollbackOnly marks the transaction so the only possible outcome is
// rollback. Holders delisting afterwards observe a unilateral rollback.
func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	if t.status == xa.StatusActive {
		t.status = xa.StatusMarkedRollback
	}
	t.mu.Unlock()
}

func (t *Transaction) enlist(h *pool.PooledConnection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != xa.StatusActive && t.status != xa.StatusMarkedRollback {
		return fmt.Errorf("cannot enlist in transaction %s with status %s",
			t.gtrid, xa.DecodeStatus(t.status))
	}

	def := h.Pool().Definition()
	for _, en := range t.enlisted {
		if en.holder != h {
			continue
		}
		if !en.ended {
			return nil
		}
		if def.UseTMJoin {
			if err := h.Resource().Start(en.xid, xa.TMJoin); err != nil {
				return fmt.Errorf("joining branch %s: %w", en.xid, err)
			}
			en.ended = false
			h.MarkEnlisted(t.gtrid)
			return nil
		}
	}

	branch := uuid.New()
	en := &enlistment{
		holder:   h,
		xid:      xa.Xid{FormatID: formatID, GTRID: t.gtridBytes, BQual: branch[:]},
		position: def.TwoPCOrderingPosition,
	}
	if err := h.Resource().Start(en.xid, xa.TMNoFlags); err != nil {
		return fmt.Errorf("starting branch %s: %w", en.xid, err)
	}
	t.enlisted = append(t.enlisted, en)
	h.MarkEnlisted(t.gtrid)
	t.m.log.Debug().Str("gtrid", t.gtrid).Stringer("xid", en.xid).Msg("resource enlisted")
	return nil
}

func (t *Transaction) delist(h *pool.PooledConnection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var en *enlistment
	for _, candidate := range t.enlisted {
		if candidate.holder == h && !candidate.ended {
			en = candidate
			break
		}
	}
	if en == nil {
		return nil
	}

	if t.status == xa.StatusMarkedRollback {
		if err := h.Resource().End(en.xid, xa.TMFail); err != nil {
			return fmt.Errorf("ending branch %s: %w", en.xid, err)
		}
		en.ended = true
		h.MarkDelisted(t.gtrid)
		return &xa.Error{Code: xa.RBRollback, Msg: fmt.Sprintf("transaction %s is marked rollback-only", t.gtrid)}
	}

	if err := h.Resource().End(en.xid, xa.TMSuccess); err != nil {
		return fmt.Errorf("ending branch %s: %w", en.xid, err)
	}
	en.ended = true
	h.MarkDelisted(t.gtrid)
	return nil
}

// Commit drives the two-phase protocol over the enlisted branches in
// ordering-position order: prepare ascending, then commit ascending, so
// always-last resources (LRC emulators) commit after everything else. A
// single branch is committed one-phase.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.m.clear(t)

	if t.status == xa.StatusMarkedRollback {
		t.rollbackLocked()
		return fmt.Errorf("transaction %s was marked rollback-only, rolled back", t.gtrid)
	}
	if t.status != xa.StatusActive {
		return fmt.Errorf("cannot commit transaction %s with status %s", t.gtrid, xa.DecodeStatus(t.status))
	}

	if err := t.endAllLocked(xa.TMSuccess); err != nil {
		t.rollbackLocked()
		return err
	}

	ordered := slices.Clone(t.enlisted)
	slices.SortStableFunc(ordered, func(a, b *enlistment) int {
		return cmp.Compare(a.position, b.position)
	})

	if len(ordered) == 1 {
		en := ordered[0]
		t.status = xa.StatusCommitting
		if err := en.holder.Resource().Commit(en.xid, true); err != nil {
			t.status = xa.StatusUnknown
			return fmt.Errorf("one-phase commit of branch %s: %w", en.xid, err)
		}
		t.finishLocked(xa.StatusCommitted)
		return nil
	}

	t.status = xa.StatusPreparing
	for _, en := range ordered {
		vote, err := en.holder.Resource().Prepare(en.xid)
		if err != nil {
			t.m.log.Warn().Err(err).Stringer("xid", en.xid).Msg("prepare failed, rolling back")
			t.rollbackLocked()
			return fmt.Errorf("preparing branch %s: %w", en.xid, err)
		}
		t.m.log.Debug().Stringer("xid", en.xid).Str("vote", xa.DecodeVote(vote)).Msg("branch prepared")
	}
	t.status = xa.StatusPrepared

	t.status = xa.StatusCommitting
	var firstErr error
	for _, en := range ordered {
		if err := en.holder.Resource().Commit(en.xid, false); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("committing branch %s: %w", en.xid, err)
		}
	}
	if firstErr != nil {
		t.status = xa.StatusUnknown
		return firstErr
	}
	t.finishLocked(xa.StatusCommitted)
	return nil
}

// Rollback cancels every enlisted branch.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.m.clear(t)

	if t.status != xa.StatusActive && t.status != xa.StatusMarkedRollback {
		return fmt.Errorf("cannot roll back transaction %s with status %s", t.gtrid, xa.DecodeStatus(t.status))
	}
	t.rollbackLocked()
	return nil
}

func (t *Transaction) rollbackLocked() {
	t.status = xa.StatusRollingBack
	if err := t.endAllLocked(xa.TMFail); err != nil {
		t.m.log.Warn().Err(err).Str("gtrid", t.gtrid).Msg("error ending branches before rollback")
	}
	for _, en := range t.enlisted {
		if err := en.holder.Resource().Rollback(en.xid); err != nil {
			t.m.log.Warn().Err(err).Stringer("xid", en.xid).Msg("error rolling back branch")
		}
	}
	t.finishLocked(xa.StatusRolledBack)
}

func (t *Transaction) endAllLocked(flag xa.Flag) error {
	for _, en := range t.enlisted {
		if en.ended {
			continue
		}
		if err := en.holder.Resource().End(en.xid, flag); err != nil {
			return fmt.Errorf("ending branch %s: %w", en.xid, err)
		}
		en.ended = true
	}
	return nil
}

func (t *Transaction) finishLocked(status xa.Status) {
	t.status = status
	for _, en := range t.enlisted {
		en.holder.MarkDelisted(t.gtrid)
	}
	t.m.log.Debug().Str("gtrid", t.gtrid).Str("status", xa.DecodeStatus(status)).Msg("transaction finished")
}

// formatID tags xids minted by this manager.
const formatID int32 = 0x4a42
