// Package concurrency provides an in-memory lock table and timestamp
// watermark shared by readers and writers. Writers that use async commit
// publish their locks here before releasing latches, so that a reader can
// reject or push a not-yet-visible commit without touching storage.
package concurrency

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

const btreeDegree = 32

// ConcurrencyManager tracks the largest timestamp any reader has used and the
// set of in-memory locks currently being written.
type ConcurrencyManager struct {
	maxTs *atomic.Uint64

	mu    sync.Mutex
	table *btree.BTree
}

func NewConcurrencyManager(latestTs uint64) *ConcurrencyManager {
	return &ConcurrencyManager{
		maxTs: atomic.NewUint64(latestTs),
		table: btree.New(btreeDegree),
	}
}

// UpdateMaxTs raises the read watermark to ts. Timestamps never move
// backwards; concurrent updates keep the largest value.
func (cm *ConcurrencyManager) UpdateMaxTs(ts uint64) {
	if ts >= mvcc.TsMax {
		return
	}
	for {
		current := cm.maxTs.Load()
		if ts <= current || cm.maxTs.CAS(current, ts) {
			return
		}
	}
}

// MaxTs returns the largest timestamp observed so far.
func (cm *ConcurrencyManager) MaxTs() uint64 {
	return cm.maxTs.Load()
}

// keyHandle is the per-key entry of the lock table. Its mutex provides guard
// exclusivity; the lock and reference count are protected by the manager's
// table mutex.
type keyHandle struct {
	key  []byte
	mu   sync.Mutex
	ref  int
	lock *mvcc.Lock
}

func (h *keyHandle) Less(than btree.Item) bool {
	return bytes.Compare(h.key, than.(*keyHandle).key) < 0
}

// KeyGuard represents exclusive ownership of a key's handle. While a guard is
// held, no other goroutine can take a guard on the same key, and the guard's
// holder may publish or clear the key's in-memory lock.
type KeyGuard struct {
	cm     *ConcurrencyManager
	handle *keyHandle
}

// LockKey returns a guard for key, blocking while another goroutine holds
// one.
func (cm *ConcurrencyManager) LockKey(key []byte) *KeyGuard {
	cm.mu.Lock()
	var handle *keyHandle
	if item := cm.table.Get(&keyHandle{key: key}); item != nil {
		handle = item.(*keyHandle)
	} else {
		handle = &keyHandle{key: append([]byte{}, key...)}
		cm.table.ReplaceOrInsert(handle)
	}
	handle.ref++
	cm.mu.Unlock()

	handle.mu.Lock()
	return &KeyGuard{cm: cm, handle: handle}
}

// SetLock publishes lock as the key's in-memory lock. Passing nil clears it.
func (g *KeyGuard) SetLock(lock *mvcc.Lock) {
	g.cm.mu.Lock()
	g.handle.lock = lock
	g.cm.mu.Unlock()
}

// Release gives up the guard. The handle is dropped from the table once
// nobody references it and no lock is published on it.
func (g *KeyGuard) Release() {
	g.handle.mu.Unlock()
	g.cm.mu.Lock()
	g.handle.ref--
	if g.handle.ref == 0 && g.handle.lock == nil {
		g.cm.table.Delete(g.handle)
	}
	g.cm.mu.Unlock()
}

// ReadKeyCheck returns an *ErrLocked if an in-memory lock on key blocks a
// read at startTs. Locks whose start timestamps appear in bypass are treated
// as already resolved.
func (cm *ConcurrencyManager) ReadKeyCheck(key []byte, startTs uint64, bypass map[uint64]struct{}) error {
	cm.mu.Lock()
	var lock *mvcc.Lock
	if item := cm.table.Get(&keyHandle{key: key}); item != nil {
		lock = item.(*keyHandle).lock
	}
	cm.mu.Unlock()
	return checkLock(key, lock, startTs, bypass)
}

// ReadRangeCheck returns an *ErrLocked if any in-memory lock in
// [startKey, endKey) blocks a read at startTs. A nil endKey means no upper
// bound.
func (cm *ConcurrencyManager) ReadRangeCheck(startKey, endKey []byte, startTs uint64, bypass map[uint64]struct{}) error {
	var result error
	cm.mu.Lock()
	iterator := func(item btree.Item) bool {
		handle := item.(*keyHandle)
		if err := checkLock(handle.key, handle.lock, startTs, bypass); err != nil {
			result = err
			return false
		}
		return true
	}
	if endKey == nil {
		cm.table.AscendGreaterOrEqual(&keyHandle{key: startKey}, iterator)
	} else {
		cm.table.AscendRange(&keyHandle{key: startKey}, &keyHandle{key: endKey}, iterator)
	}
	cm.mu.Unlock()
	return result
}

func checkLock(key []byte, lock *mvcc.Lock, startTs uint64, bypass map[uint64]struct{}) error {
	if lock == nil || lock.IsPessimistic() || lock.Ts > startTs {
		return nil
	}
	if _, ok := bypass[lock.Ts]; ok {
		return nil
	}
	return &mvcc.ErrLocked{Key: key, Lock: lock}
}
