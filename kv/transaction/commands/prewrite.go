package commands

import (
	"bytes"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/transaction/concurrency"
	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// Prewrite represents the prewrite stage of a transaction. A prewrite
// contains all writes (but not reads) in a transaction, if the whole
// transaction can be written to underlying storage atomically and without
// conflicting with other transactions (complete or in-progress) then success
// is returned to the client. If all a client's prewrites succeed, then it
// will send a commit message. I.e., prewrite is the first phase in a two
// phase commit.
type Prewrite struct {
	CommandBase
	request *kvrpcpb.PrewriteRequest
	cm      *concurrency.ConcurrencyManager
	guards  []*concurrency.KeyGuard
}

func NewPrewrite(request *kvrpcpb.PrewriteRequest) Prewrite {
	return Prewrite{
		CommandBase: newBase(request.Context, request.StartVersion, request),
		request:     request,
	}
}

func (p *Prewrite) WillWrite() [][]byte {
	result := [][]byte{}
	for _, m := range p.request.Mutations {
		result = append(result, m.Key)
	}
	return result
}

// AcquireGuards takes in-memory guards for every mutated key so readers can
// see the transaction's locks between timestamp assignment and the storage
// write. Only async commit prewrites need this; other transactions become
// visible through the lock CF alone.
func (p *Prewrite) AcquireGuards(cm *concurrency.ConcurrencyManager) {
	if !p.request.UseAsyncCommit {
		return
	}
	p.cm = cm
	for _, m := range p.request.Mutations {
		p.guards = append(p.guards, cm.LockKey(m.Key))
	}
}

func (p *Prewrite) ReleaseGuards() {
	for _, g := range p.guards {
		g.SetLock(nil)
		g.Release()
	}
	p.guards = nil
}

func (p *Prewrite) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	response := new(kvrpcpb.PrewriteResponse)

	minCommitTs := p.request.MinCommitTs
	if p.request.UseAsyncCommit && txn.StartTS+1 > minCommitTs {
		minCommitTs = txn.StartTS + 1
	}

	// Prewrite all mutations in the request. Async commit locks become
	// visible in the in-memory table here, before the commit timestamp is
	// fixed below.
	var staged []mvcc.KlPair
	for i, m := range p.request.Mutations {
		lock, keyError, err := p.prewriteMutation(txn, m, p.pessimistic(i), minCommitTs)
		if keyError != nil {
			response.Errors = append(response.Errors, keyError)
		} else if err != nil {
			return nil, err
		} else if lock != nil {
			staged = append(staged, mvcc.KlPair{Key: m.Key, Lock: lock})
			if p.request.UseAsyncCommit {
				p.publishLock(m.Key, lock)
			}
		}
	}

	if p.request.UseAsyncCommit {
		// The commit timestamp must exceed every timestamp already handed to
		// a reader. A reader raises the watermark before it consults the
		// in-memory table, and our locks are published there already, so any
		// snapshot that could miss them is now below minCommitTs.
		if ts := p.maxObservedTs() + 1; ts > minCommitTs {
			minCommitTs = ts
		}
		// Published locks are immutable, so raising the timestamp swaps in a
		// copy rather than writing through the shared pointer.
		for i := range staged {
			lock := *staged[i].Lock
			lock.MinCommitTs = minCommitTs
			staged[i].Lock = &lock
			p.publishLock(staged[i].Key, &lock)
		}
	}

	for _, s := range staged {
		txn.PutLock(s.Key, s.Lock)
	}

	if len(response.Errors) == 0 && p.request.UseAsyncCommit {
		response.MinCommitTs = minCommitTs
	}
	return response, nil
}

func (p *Prewrite) pessimistic(i int) bool {
	return i < len(p.request.IsPessimisticLock) && p.request.IsPessimisticLock[i]
}

func (p *Prewrite) maxObservedTs() uint64 {
	if p.cm == nil {
		return 0
	}
	return p.cm.MaxTs()
}

// publishLock mirrors the staged lock into the in-memory table under the
// key's guard.
func (p *Prewrite) publishLock(key []byte, lock *mvcc.Lock) {
	for i, m := range p.request.Mutations {
		if bytes.Equal(m.Key, key) && i < len(p.guards) {
			p.guards[i].SetLock(lock)
			return
		}
	}
}

// prewriteMutation prewrites mut to txn. It returns (lock, nil, nil) on
// success, (nil, err, nil) if the key in mut is already locked or there is
// any other key error, and (nil, nil, err) if an internal error occurs.
func (p *Prewrite) prewriteMutation(txn *mvcc.MvccTxn, mut *kvrpcpb.Mutation, pessimistic bool, minCommitTs uint64) (*mvcc.Lock, *kvrpcpb.KeyError, error) {
	key := mut.Key

	// Check if key is locked.
	existingLock, err := txn.GetLock(key)
	if err != nil {
		return nil, nil, err
	}
	if existingLock != nil && existingLock.Ts != txn.StartTS {
		// Key is locked by someone else.
		if pessimistic {
			// Our pessimistic lock has been removed by somebody, the
			// transaction must restart.
			keyError := mvcc.ToKeyError(mvcc.ErrRetryable("pessimistic lock not found"))
			return nil, keyError, nil
		}
		keyError := new(kvrpcpb.KeyError)
		keyError.Locked = existingLock.Info(key)
		return nil, keyError, nil
	}
	if existingLock != nil && !existingLock.IsPessimistic() {
		// Key is already prewritten by us, this is a retried request.
		return nil, nil, nil
	}
	if pessimistic && existingLock == nil {
		keyError := mvcc.ToKeyError(mvcc.ErrRetryable("pessimistic lock not found"))
		return nil, keyError, nil
	}

	// Conflicts with committed writes were already ruled out when a
	// pessimistic lock was taken.
	if !pessimistic {
		if write, writeCommitTS, err := txn.MostRecentWrite(key); err != nil {
			return nil, nil, err
		} else if write != nil && writeCommitTS >= txn.StartTS {
			conflict := &mvcc.ErrWriteConflict{
				StartTs:    txn.StartTS,
				ConflictTs: writeCommitTS,
				Key:        key,
				Primary:    p.request.PrimaryLock,
			}
			return nil, mvcc.ToKeyError(conflict), nil
		}
	}

	if mut.Op == kvrpcpb.Op_Insert {
		value, err := txn.GetValue(key)
		if err != nil {
			return nil, nil, err
		}
		if value != nil {
			return nil, mvcc.ToKeyError(&mvcc.ErrKeyAlreadyExists{Key: key}), nil
		}
	}

	kind := mvcc.WriteKindFromProto(mut.Op)
	if kind == mvcc.WriteKindPessimistic {
		return nil, nil, mvcc.ErrInvalidOp{Op: mut.Op}
	}

	// Build the lock. The caller stages it once the commit timestamp is
	// final.
	lock := &mvcc.Lock{
		Primary:     p.request.PrimaryLock,
		Ts:          txn.StartTS,
		Kind:        kind,
		Ttl:         p.request.LockTtl,
		TxnSize:     p.request.TxnSize,
		MinCommitTs: minCommitTs,
	}
	if pessimistic {
		lock.ForUpdateTs = p.request.ForUpdateTs
	}
	if p.request.UseAsyncCommit && bytes.Equal(key, p.request.PrimaryLock) {
		lock.UseAsyncCommit = true
		lock.Secondaries = p.request.Secondaries
	}
	if kind == mvcc.WriteKindPut {
		if mvcc.IsShortValue(mut.Value) {
			lock.ShortValue = mut.Value
		} else {
			txn.PutValue(key, mut.Value)
		}
	}

	return lock, nil, nil
}
