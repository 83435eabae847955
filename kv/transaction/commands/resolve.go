package commands

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// ResolveLock finishes what another client started: it commits or rolls back
// every lock left behind by the transaction with the given start timestamp,
// according to the status the caller learned from CheckTxnStatus. A lite
// resolve names the keys explicitly instead of scanning for them.
type ResolveLock struct {
	CommandBase
	releasedLocks
	request   *kvrpcpb.ResolveLockRequest
	batchSize int
	keyLocks  []mvcc.KlPair
}

func NewResolveLock(request *kvrpcpb.ResolveLockRequest) ResolveLock {
	return ResolveLock{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

// SetBatchSize caps the number of locks resolved per run. The client retries
// until no locks remain, keeping individual write batches bounded.
func (rl *ResolveLock) SetBatchSize(n int) {
	rl.batchSize = n
}

func (rl *ResolveLock) WillWrite() [][]byte {
	if len(rl.request.Keys) > 0 {
		// Lite resolve: the caller names the keys to resolve.
		return rl.request.Keys
	}
	return nil
}

func (rl *ResolveLock) Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error) {
	// Find all locks belonging to the transaction, then hand the keys back so
	// the write phase can latch them.
	keyLocks, err := mvcc.AllLocksForTxn(txn)
	if err != nil {
		return nil, nil, err
	}
	if rl.batchSize > 0 && len(keyLocks) > rl.batchSize {
		keyLocks = keyLocks[:rl.batchSize]
	}
	rl.keyLocks = keyLocks
	if len(keyLocks) == 0 {
		return new(kvrpcpb.ResolveLockResponse), nil, nil
	}
	keys := [][]byte{}
	for _, kl := range keyLocks {
		keys = append(keys, kl.Key)
	}
	return nil, keys, nil
}

func (rl *ResolveLock) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	commitTs := rl.request.CommitVersion
	response := new(kvrpcpb.ResolveLockResponse)

	keys := rl.request.Keys
	if len(keys) == 0 {
		for _, kl := range rl.keyLocks {
			keys = append(keys, kl.Key)
		}
	}

	for _, key := range keys {
		if commitTs == 0 {
			resp, err := rollbackKey(key, txn, response)
			if resp != nil || err != nil {
				return resp, err
			}
		} else {
			commit := Commit{}
			resp, err := commit.commitKey(key, commitTs, txn, response)
			if resp != nil || err != nil {
				return resp, err
			}
			rl.released = append(rl.released, commit.released...)
			continue
		}
		rl.recordRelease(key, txn.StartTS, commitTs)
	}

	return response, nil
}

// ScanLock reports every lock at or below the given timestamp, so a client
// (or garbage collector) can resolve stale transactions in bulk.
type ScanLock struct {
	ReadOnly
	CommandBase
	request *kvrpcpb.ScanLockRequest
}

func NewScanLock(request *kvrpcpb.ScanLockRequest) ScanLock {
	return ScanLock{
		CommandBase: newBase(request.Context, request.MaxVersion, request),
		request:     request,
	}
}

func (sl *ScanLock) Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error) {
	response := new(kvrpcpb.ScanLockResponse)

	pairs, err := mvcc.LocksAtOrBefore(txn, sl.request.StartKey, sl.request.MaxVersion, int(sl.request.Limit))
	if err != nil {
		return nil, nil, err
	}
	for _, kl := range pairs {
		response.Locks = append(response.Locks, kl.Lock.Info(kl.Key))
	}

	return response, nil, nil
}
