package pool

import "errors"

var (
	// ErrConnectionDead reports that validation found the physical connection
	// unusable. The caller should retry; the pool will allocate a fresh holder.
	ErrConnectionDead = errors.New("connection is no longer valid")

	// ErrUnilateralRollback reports that the transaction manager had already
	// rolled back the enclosing transaction when the connection was delisted.
	ErrUnilateralRollback = errors.New("unilateral rollback")

	// ErrDelistFailed reports a generic delist error at release time.
	ErrDelistFailed = errors.New("error delisting connection")

	// ErrRequeueFailed reports that the pool rejected the holder at release
	// time. The holder's usage count is restored before this is returned.
	ErrRequeueFailed = errors.New("error requeuing connection")

	// ErrInvalidTransition reports a state transition the machine does not
	// permit. This is a programming error.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrHolderPoisoned reports that a holder was marked unusable after a
	// failed requeue of an already delisted connection.
	ErrHolderPoisoned = errors.New("holder has been poisoned")

	// ErrPoolClosed reports an operation against a closed pool.
	ErrPoolClosed = errors.New("pool is closed")
)
