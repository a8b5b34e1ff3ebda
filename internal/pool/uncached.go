package pool

import (
	"sync"

	"github.com/joao-brasil/xapool/pkg/xa"
)

// uncachedRegistry tracks statements created outside the statement cache so
// they can be force-closed when the holder returns to the pool. Statements
// close independently of the holder lifecycle, so insertion and removal may
// race with the owner thread; iteration uses snapshot-and-clear.
type uncachedRegistry struct {
	mu    sync.Mutex
	stmts []xa.Stmt
}

func (r *uncachedRegistry) register(stmt xa.Stmt) {
	r.mu.Lock()
	r.stmts = append(r.stmts, stmt)
	r.mu.Unlock()
}

func (r *uncachedRegistry) unregister(stmt xa.Stmt) {
	r.mu.Lock()
	for i, s := range r.stmts {
		if s == stmt {
			r.stmts = append(r.stmts[:i], r.stmts[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// snapshotAndClear swaps the contents out, leaving the registry empty.
func (r *uncachedRegistry) snapshotAndClear() []xa.Stmt {
	r.mu.Lock()
	snapshot := r.stmts
	r.stmts = nil
	r.mu.Unlock()
	return snapshot
}

func (r *uncachedRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stmts)
}
