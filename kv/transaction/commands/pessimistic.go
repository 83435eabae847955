package commands

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// PessimisticLock locks keys before the transaction's writes are known, so
// later prewrites cannot run into conflicts. If a key is locked by another
// transaction the command fails with *mvcc.ErrLocked and the scheduler may
// park the caller on a lock waiter and retry.
type PessimisticLock struct {
	CommandBase
	request *kvrpcpb.PessimisticLockRequest
}

func NewPessimisticLock(request *kvrpcpb.PessimisticLockRequest) PessimisticLock {
	return PessimisticLock{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

// WaitTimeout is how long the caller is willing to block on a conflicting
// lock, in milliseconds. Zero means fail immediately, negative means wait
// without bound.
func (pl *PessimisticLock) WaitTimeout() int64 {
	return pl.request.WaitTimeout
}

func (pl *PessimisticLock) WillWrite() [][]byte {
	result := [][]byte{}
	for _, m := range pl.request.Mutations {
		result = append(result, m.Key)
	}
	return result
}

func (pl *PessimisticLock) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	response := new(kvrpcpb.PessimisticLockResponse)

	for _, m := range pl.request.Mutations {
		keyError, err := pl.lockKey(txn, m, response)
		if keyError != nil {
			response.Errors = append(response.Errors, keyError)
		} else if err != nil {
			return nil, err
		}
	}
	return response, nil
}

func (pl *PessimisticLock) lockKey(txn *mvcc.MvccTxn, mut *kvrpcpb.Mutation, response *kvrpcpb.PessimisticLockResponse) (*kvrpcpb.KeyError, error) {
	key := mut.Key
	forUpdateTs := pl.request.ForUpdateTs

	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		if lock.Ts != txn.StartTS {
			// Locked by someone else. Surface as an error so the scheduler
			// can decide whether to wait for the lock to be released.
			return nil, &mvcc.ErrLocked{Key: key, Lock: lock}
		}
		// Locked by us already, the request is a retry.
		return nil, pl.appendValue(txn, key, response)
	}

	// The lock must not overwrite a commit the client has not yet observed.
	write, commitTs, err := txn.MostRecentWrite(key)
	if err != nil {
		return nil, err
	}
	if write != nil && commitTs > forUpdateTs {
		conflict := &mvcc.ErrWriteConflict{
			StartTs:    txn.StartTS,
			ConflictTs: commitTs,
			Key:        key,
			Primary:    pl.request.PrimaryLock,
		}
		return mvcc.ToKeyError(conflict), nil
	}

	// A rollback record for our own start timestamp means the transaction
	// was aborted by someone else, locking must not resurrect it.
	currentWrite, _, err := txn.CurrentWrite(key)
	if err != nil {
		return nil, err
	}
	if currentWrite != nil && currentWrite.Kind == mvcc.WriteKindRollback {
		return &kvrpcpb.KeyError{
			Abort: (&mvcc.ErrAlreadyRollback{StartTs: txn.StartTS, Key: key}).Error(),
		}, nil
	}

	if mut.Op == kvrpcpb.Op_Insert {
		value, err := txn.GetValueAt(key, forUpdateTs)
		if err != nil {
			return nil, err
		}
		if value != nil {
			return mvcc.ToKeyError(&mvcc.ErrKeyAlreadyExists{Key: key}), nil
		}
	}

	txn.PutLock(key, &mvcc.Lock{
		Primary:     pl.request.PrimaryLock,
		Ts:          txn.StartTS,
		Ttl:         pl.request.LockTtl,
		Kind:        mvcc.WriteKindPessimistic,
		ForUpdateTs: forUpdateTs,
		MinCommitTs: pl.request.MinCommitTs,
	})
	return nil, pl.appendValue(txn, key, response)
}

// appendValue reads the committed value for key when the client asked for
// values back with its locks.
func (pl *PessimisticLock) appendValue(txn *mvcc.MvccTxn, key []byte, response *kvrpcpb.PessimisticLockResponse) error {
	if !pl.request.ReturnValues {
		return nil
	}
	value, err := txn.GetValueAt(key, pl.request.ForUpdateTs)
	if err != nil {
		return err
	}
	response.Values = append(response.Values, value)
	return nil
}

// PessimisticRollback removes pessimistic locks taken by a transaction,
// either because it is giving up or because a lock attempt failed part way.
type PessimisticRollback struct {
	CommandBase
	releasedLocks
	request *kvrpcpb.PessimisticRollbackRequest
}

func NewPessimisticRollback(request *kvrpcpb.PessimisticRollbackRequest) PessimisticRollback {
	return PessimisticRollback{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

func (pr *PessimisticRollback) WillWrite() [][]byte {
	return pr.request.Keys
}

func (pr *PessimisticRollback) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	response := new(kvrpcpb.PessimisticRollbackResponse)

	for _, key := range pr.request.Keys {
		lock, err := txn.GetLock(key)
		if err != nil {
			return nil, err
		}
		// Only this transaction's own pessimistic locks are removed; a lock
		// taken at a newer for_update_ts belongs to a newer attempt.
		if lock != nil && lock.IsPessimistic() && lock.Ts == txn.StartTS &&
			lock.ForUpdateTs <= pr.request.ForUpdateTs {
			txn.DeleteLock(key)
			pr.recordRelease(key, txn.StartTS, 0)
		}
	}
	return response, nil
}
