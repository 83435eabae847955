package commands

import (
	"fmt"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// Rollback undoes a prewrite: it removes the transaction's locks and staged
// values, and leaves a rollback record so a late prewrite from the same
// transaction cannot resurrect the lock.
type Rollback struct {
	CommandBase
	releasedLocks
	request *kvrpcpb.BatchRollbackRequest
}

func NewRollback(request *kvrpcpb.BatchRollbackRequest) Rollback {
	return Rollback{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

func (r *Rollback) WillWrite() [][]byte {
	return r.request.Keys
}

func (r *Rollback) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	response := new(kvrpcpb.BatchRollbackResponse)

	for _, k := range r.request.Keys {
		resp, err := r.rollbackKey(k, txn, response)
		if resp != nil || err != nil {
			return resp, err
		}
	}
	return response, nil
}

func (r *Rollback) rollbackKey(key []byte, txn *mvcc.MvccTxn, response interface{}) (interface{}, error) {
	resp, err := rollbackKey(key, txn, response)
	if resp == nil && err == nil {
		r.recordRelease(key, txn.StartTS, 0)
	}
	return resp, err
}

// rollbackKey rolls back one key in txn's transaction. It is shared between
// Rollback, Cleanup and ResolveLock.
func rollbackKey(key []byte, txn *mvcc.MvccTxn, response interface{}) (interface{}, error) {
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}

	if lock == nil || lock.Ts != txn.StartTS {
		// There is no lock, check the write status.
		existingWrite, ts, err := txn.CurrentWrite(key)
		if err != nil {
			return nil, err
		}
		if existingWrite == nil {
			// The lock never existed or the prewrite has not arrived yet.
			// Leave a rollback record to block it.
			write := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
			txn.PutWrite(key, txn.StartTS, &write)
			return nil, nil
		}
		if existingWrite.Kind == mvcc.WriteKindRollback {
			// The key has already been rolled back, so nothing to do.
			return nil, nil
		}
		// The key has already been committed. This should not happen, since
		// the client should never send both commit and rollback requests.
		err = &mvcc.KeyError{KeyError: kvrpcpb.KeyError{
			Abort: fmt.Sprintf("transaction %d already committed at %d", txn.StartTS, ts),
		}}
		return nil, err
	}

	if lock.Kind == mvcc.WriteKindPut && lock.ShortValue == nil {
		txn.DeleteValue(key)
	}

	write := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
	txn.PutWrite(key, txn.StartTS, &write)
	txn.DeleteLock(key)

	return nil, nil
}

// Cleanup rolls back a single key on behalf of a reader that ran into the
// transaction's expired lock. An unexpired lock is left alone and reported
// back instead.
type Cleanup struct {
	CommandBase
	releasedLocks
	request *kvrpcpb.CleanupRequest
}

func NewCleanup(request *kvrpcpb.CleanupRequest) Cleanup {
	return Cleanup{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

func (c *Cleanup) WillWrite() [][]byte {
	return [][]byte{c.request.Key}
}

func (c *Cleanup) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	response := new(kvrpcpb.CleanupResponse)
	key := c.request.Key

	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Ts == txn.StartTS && c.request.CurrentTs > 0 && !lock.IsExpired(c.request.CurrentTs) {
		return keyError(&mvcc.ErrLocked{Key: key, Lock: lock}, response)
	}

	// The write path also reports a committed transaction through the
	// response's CommitVersion rather than an error.
	if lock == nil || lock.Ts != txn.StartTS {
		existingWrite, ts, err := txn.CurrentWrite(key)
		if err != nil {
			return nil, err
		}
		if existingWrite != nil && existingWrite.Kind != mvcc.WriteKindRollback {
			response.CommitVersion = ts
			return response, nil
		}
	}

	resp, err := rollbackKey(key, txn, response)
	if resp != nil || err != nil {
		return resp, err
	}
	c.recordRelease(key, txn.StartTS, 0)
	return response, nil
}
