// Package lockwaiter queues transactions that are blocked on somebody else's
// pessimistic lock and wakes them when the lock is released.
package lockwaiter

import (
	"sort"
	"sync"
	"time"

	"github.com/pingcap/kvproto/pkg/deadlock"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager keeps one queue of waiters per blocking transaction (keyed by that
// transaction's start timestamp).
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[uint64]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[uint64]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// getReadyWaiters returns the waiters blocked on any of keyHashes and the
// number of waiters left in the queue. Callers must hold the manager lock.
func (q *queue) getReadyWaiters(keyHashes []uint64) (readyWaiters []*Waiter, remainSize int) {
	readyWaiters = make([]*Waiter, 0, 8)
	remainedWaiters := q.waiters[:0]
	for _, w := range q.waiters {
		if w.inKeys(keyHashes) {
			readyWaiters = append(readyWaiters, w)
		} else {
			remainedWaiters = append(remainedWaiters, w)
		}
	}
	remainSize = len(remainedWaiters)
	q.waiters = remainedWaiters
	return
}

// removeWaiter removes w from the pending array. Callers must hold the
// manager lock.
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	timeout time.Duration
	ch      chan WaitResult
	startTS uint64
	LockTS  uint64
	KeyHash uint64
}

type Position int

type WaitResult struct {
	Position     Position
	CommitTS     uint64
	DeadlockResp *deadlock.DeadlockResponse
}

const WaitTimeout Position = -1

// Wait blocks until the waiter is woken up or its timeout elapses. A
// non-positive timeout waits forever.
func (w *Waiter) Wait() WaitResult {
	if w.timeout <= 0 {
		return <-w.ch
	}
	select {
	case <-time.After(w.timeout):
		return WaitResult{Position: WaitTimeout}
	case result := <-w.ch:
		return result
	}
}

func (w *Waiter) inKeys(keyHashes []uint64) bool {
	idx := sort.Search(len(keyHashes), func(i int) bool {
		return keyHashes[i] >= w.KeyHash
	})
	if idx == len(keyHashes) {
		return false
	}
	return keyHashes[idx] == w.KeyHash
}

// NewWaiter registers a waiter blocked on the lock at keyHash held by the
// transaction with start timestamp lockTS.
func (lw *Manager) NewWaiter(startTS, lockTS, keyHash uint64, timeout time.Duration) *Waiter {
	// allocate memory before holding the lock.
	q := new(queue)
	q.waiters = make([]*Waiter, 0, 8)
	waiter := &Waiter{
		timeout: timeout,
		ch:      make(chan WaitResult, 1),
		startTS: startTS,
		LockTS:  lockTS,
		KeyHash: keyHash,
	}
	q.waiters = append(q.waiters, waiter)
	lw.mu.Lock()
	if old, ok := lw.waitingQueues[lockTS]; ok {
		old.waiters = append(old.waiters, waiter)
	} else {
		lw.waitingQueues[lockTS] = q
	}
	lw.mu.Unlock()
	return waiter
}

// WakeUp wakes up the waiters blocked on txn's locks at keyHashes, passing
// them the transaction's commit timestamp (0 if it rolled back).
func (lw *Manager) WakeUp(txn, commitTS uint64, keyHashes []uint64) {
	var (
		waiters    []*Waiter
		remainSize int
	)
	lw.mu.Lock()
	q := lw.waitingQueues[txn]
	if q != nil {
		sort.Slice(keyHashes, func(i, j int) bool {
			return keyHashes[i] < keyHashes[j]
		})
		waiters, remainSize = q.getReadyWaiters(keyHashes)
		if remainSize == 0 {
			delete(lw.waitingQueues, txn)
		}
	}
	lw.mu.Unlock()

	if len(waiters) > 0 {
		for i, w := range waiters {
			w.ch <- WaitResult{Position: Position(i), CommitTS: commitTS}
		}
		log.Info("woke up blocked transactions",
			zap.Int("waiters", len(waiters)),
			zap.Uint64("blockingTxn", txn))
	}
}

// CleanUp removes a waiter from its queue after a wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.LockTS]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.LockTS)
		}
	}
	lw.mu.Unlock()
}

// WakeUpForDeadlock wakes up the single waiter named by a deadlock detection
// response so it can abort instead of waiting out its timeout.
func (lw *Manager) WakeUpForDeadlock(resp *deadlock.DeadlockResponse) {
	var (
		waiter     *Waiter
		waitForTxn uint64
	)
	waitForTxn = resp.Entry.WaitForTxn
	lw.mu.Lock()
	q := lw.waitingQueues[waitForTxn]
	if q != nil {
		for i, curWaiter := range q.waiters {
			// there should be no duplicated waiters
			if curWaiter.startTS == resp.Entry.Txn && curWaiter.KeyHash == resp.Entry.KeyHash {
				waiter = curWaiter
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, waitForTxn)
		}
	}
	lw.mu.Unlock()
	if waiter != nil {
		waiter.ch <- WaitResult{DeadlockResp: resp}
		log.Info("woke up transaction for deadlock",
			zap.Uint64("txn", resp.Entry.Txn),
			zap.Uint64("blockingTxn", waitForTxn),
			zap.Uint64("deadlockKeyHash", resp.DeadlockKeyHash))
	}
}
