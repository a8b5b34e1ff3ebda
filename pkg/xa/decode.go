package xa

import "fmt"

// DecodeError returns the symbolic name of an XA error code.
func DecodeError(code int32) string {
	switch code {
	case RBRollback:
		return "XA_RBROLLBACK"
	case RBCommFail:
		return "XA_RBCOMMFAIL"
	case RBDeadlock:
		return "XA_RBDEADLOCK"
	case RBIntegrity:
		return "XA_RBINTEGRITY"
	case RBOther:
		return "XA_RBOTHER"
	case RBProto:
		return "XA_RBPROTO"
	case RBTimeout:
		return "XA_RBTIMEOUT"
	case RBTransient:
		return "XA_RBTRANSIENT"
	case HeurCom:
		return "XA_HEURCOM"
	case HeurHaz:
		return "XA_HEURHAZ"
	case HeurMix:
		return "XA_HEURMIX"
	case HeurRB:
		return "XA_HEURRB"
	case ErrRMErr:
		return "XAER_RMERR"
	case ErrRMFail:
		return "XAER_RMFAIL"
	case ErrNotA:
		return "XAER_NOTA"
	case ErrInval:
		return "XAER_INVAL"
	case ErrProto:
		return "XAER_PROTO"
	case ErrAsync:
		return "XAER_ASYNC"
	case ErrDupID:
		return "XAER_DUPID"
	case ErrOutside:
		return "XAER_OUTSIDE"
	default:
		return fmt.Sprintf("!invalid error code (%d)!", code)
	}
}

// DecodeStatus returns the symbolic name of a transaction status.
func DecodeStatus(status Status) string {
	switch status {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLEDBACK"
	case StatusUnknown:
		return "UNKNOWN"
	case StatusNoTransaction:
		return "NO_TRANSACTION"
	case StatusPreparing:
		return "PREPARING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusRollingBack:
		return "ROLLING_BACK"
	default:
		return fmt.Sprintf("!incorrect status (%d)!", int(status))
	}
}

// DecodeFlag returns the symbolic name of a resource flag.
func DecodeFlag(flag Flag) string {
	switch flag {
	case TMNoFlags:
		return "NOFLAGS"
	case TMJoin:
		return "JOIN"
	case TMEndRScan:
		return "ENDRSCAN"
	case TMStartRScan:
		return "STARTRSCAN"
	case TMSuspend:
		return "SUSPEND"
	case TMSuccess:
		return "SUCCESS"
	case TMResume:
		return "RESUME"
	case TMFail:
		return "FAIL"
	case TMOnePhase:
		return "ONEPHASE"
	default:
		return fmt.Sprintf("!invalid flag (%d)!", int32(flag))
	}
}

// DecodeVote returns the symbolic name of a prepare vote.
func DecodeVote(vote Vote) string {
	switch vote {
	case VoteOK:
		return "XA_OK"
	case VoteReadOnly:
		return "XA_RDONLY"
	default:
		return fmt.Sprintf("!invalid return code (%d)!", int32(vote))
	}
}
