package commands

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// Commit is the second phase of two phase commit: it replaces every lock the
// transaction wrote with a write record at the commit timestamp.
type Commit struct {
	CommandBase
	releasedLocks
	request *kvrpcpb.CommitRequest
}

func NewCommit(request *kvrpcpb.CommitRequest) Commit {
	return Commit{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

func (c *Commit) WillWrite() [][]byte {
	return c.request.Keys
}

func (c *Commit) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	response := new(kvrpcpb.CommitResponse)
	commitTs := c.request.CommitVersion
	if commitTs <= txn.StartTS {
		return nil, errors.Errorf(
			"invalid transaction timestamp: %d (commit TS) <= %d (start TS)", commitTs, txn.StartTS)
	}

	// Commit each key.
	for _, k := range c.request.Keys {
		resp, err := c.commitKey(k, commitTs, txn, response)
		if resp != nil || err != nil {
			return resp, err
		}
	}

	return response, nil
}

func (c *Commit) commitKey(key []byte, commitTs uint64, txn *mvcc.MvccTxn, response interface{}) (interface{}, error) {
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}

	// If there is no correspond lock for this transaction.
	if lock == nil || lock.Ts != txn.StartTS {
		write, _, err := txn.CurrentWrite(key)
		if err != nil {
			return nil, err
		}
		if write == nil || write.Kind == mvcc.WriteKindRollback {
			// The transaction's lock is gone and it was not committed: it has
			// been rolled back, so the commit must fail.
			return keyError(&mvcc.ErrLockNotFound{StartTs: txn.StartTS, Key: key}, response)
		}
		// The key was already committed, the repeated commit is a no-op.
		return nil, nil
	}

	if lock.IsPessimistic() {
		// A pessimistic lock was never prewritten, committing it makes no
		// sense.
		return keyError(&mvcc.ErrLockNotFound{StartTs: txn.StartTS, Key: key}, response)
	}

	if lock.MinCommitTs > commitTs {
		// A reader pushed the lock forward: the caller must fetch a newer
		// commit timestamp and retry.
		return keyError(&mvcc.ErrCommitTsExpired{
			StartTs:     txn.StartTS,
			CommitTs:    commitTs,
			MinCommitTs: lock.MinCommitTs,
			Key:         key,
		}, response)
	}

	// Commit a Write object to the DB.
	write := mvcc.Write{StartTS: txn.StartTS, Kind: lock.Kind, ShortValue: lock.ShortValue}
	txn.PutWrite(key, commitTs, &write)
	// Unlock the key.
	txn.DeleteLock(key)
	c.recordRelease(key, txn.StartTS, commitTs)

	return nil, nil
}
