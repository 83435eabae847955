package commands

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// CheckTxnStatus reports on the status of a transaction and may take action
// to roll it back if its primary lock has outlived its TTL.
type CheckTxnStatus struct {
	CommandBase
	releasedLocks
	request *kvrpcpb.CheckTxnStatusRequest
}

func NewCheckTxnStatus(request *kvrpcpb.CheckTxnStatusRequest) CheckTxnStatus {
	return CheckTxnStatus{
		CommandBase: newBase(request.Context, request.LockTs, request),
		request:     request,
	}
}

func (c *CheckTxnStatus) WillWrite() [][]byte {
	return [][]byte{c.request.PrimaryKey}
}

func (c *CheckTxnStatus) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	key := c.request.PrimaryKey
	response := new(kvrpcpb.CheckTxnStatusResponse)

	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Ts == txn.StartTS {
		if lock.UseAsyncCommit {
			// Async commit transactions are resolved through their secondary
			// locks, never expired here.
			response.Action = kvrpcpb.Action_NoAction
			response.LockTtl = lock.Ttl
			response.LockInfo = lock.Info(key)
			return response, nil
		}
		if lock.IsExpired(c.request.CurrentTs) {
			// Lock has expired, roll it back.
			if lock.Kind == mvcc.WriteKindPut && lock.ShortValue == nil {
				txn.DeleteValue(key)
			}
			write := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
			txn.PutWrite(key, txn.StartTS, &write)
			txn.DeleteLock(key)
			c.recordRelease(key, txn.StartTS, 0)
			if lock.IsPessimistic() {
				response.Action = kvrpcpb.Action_TTLExpirePessimisticRollback
			} else {
				response.Action = kvrpcpb.Action_TTLExpireRollback
			}
			return response, nil
		}

		// Lock is alive. A reader blocked on it may push its minimum commit
		// timestamp forward so the reader's snapshot stays consistent.
		response.Action = kvrpcpb.Action_NoAction
		response.LockTtl = lock.Ttl
		callerStart := c.request.CallerStartTs
		if callerStart != 0 && callerStart != mvcc.TsMax && callerStart >= lock.MinCommitTs {
			lock.MinCommitTs = callerStart + 1
			txn.PutLock(key, lock)
			response.Action = kvrpcpb.Action_MinCommitTSPushed
		}
		return response, nil
	}

	existingWrite, commitTs, err := txn.CurrentWrite(key)
	if err != nil {
		return nil, err
	}
	if existingWrite == nil {
		if !c.request.RollbackIfNotExist {
			return keyError(&mvcc.ErrTxnNotFound{StartTs: txn.StartTS, PrimaryKey: key}, response)
		}
		// The lock never existed, leave a rollback record so a late prewrite
		// cannot create it.
		write := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
		txn.PutWrite(key, txn.StartTS, &write)
		response.Action = kvrpcpb.Action_LockNotExistRollback
		return response, nil
	}

	if existingWrite.Kind == mvcc.WriteKindRollback {
		// The key has already been rolled back, so nothing to do.
		response.Action = kvrpcpb.Action_NoAction
		return response, nil
	}

	// The key has already been committed.
	response.CommitVersion = commitTs
	response.Action = kvrpcpb.Action_NoAction
	return response, nil
}

// TxnHeartBeat extends the TTL of a transaction's primary lock, so a long
// transaction is not rolled back by readers while its coordinator is alive.
type TxnHeartBeat struct {
	CommandBase
	request *kvrpcpb.TxnHeartBeatRequest
}

func NewTxnHeartBeat(request *kvrpcpb.TxnHeartBeatRequest) TxnHeartBeat {
	return TxnHeartBeat{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

func (t *TxnHeartBeat) WillWrite() [][]byte {
	return [][]byte{t.request.PrimaryLock}
}

func (t *TxnHeartBeat) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	key := t.request.PrimaryLock
	response := new(kvrpcpb.TxnHeartBeatResponse)

	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Ts != txn.StartTS {
		return keyError(&mvcc.ErrTxnNotFound{StartTs: txn.StartTS, PrimaryKey: key}, response)
	}

	if t.request.AdviseLockTtl > lock.Ttl {
		lock.Ttl = t.request.AdviseLockTtl
		txn.PutLock(key, lock)
	}
	response.LockTtl = lock.Ttl
	return response, nil
}
