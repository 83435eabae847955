// Package scheduler admits, serializes and executes transactional commands.
// Commands on disjoint keys run concurrently on a worker pool; commands on
// overlapping keys are serialized by latches; the total size of queued
// commands is bounded, and overflow is rejected instead of queued.
package scheduler

import (
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tidekv/tidekv/kv/config"
	"github.com/tidekv/tidekv/kv/storage"
	"github.com/tidekv/tidekv/kv/transaction/commands"
	"github.com/tidekv/tidekv/kv/transaction/concurrency"
	"github.com/tidekv/tidekv/kv/transaction/deadlock"
	"github.com/tidekv/tidekv/kv/transaction/latches"
	"github.com/tidekv/tidekv/kv/transaction/mvcc"
	"github.com/tidekv/tidekv/kv/util/lockwaiter"
)

// ErrSchedTooBusy is returned when the scheduler's pending command budget is
// exhausted. Clients should back off and retry.
var ErrSchedTooBusy = errors.New("scheduler is too busy")

// Callback delivers a command's result. It is invoked exactly once, from a
// scheduler worker goroutine.
type Callback func(resp interface{}, err error)

type task struct {
	cmd commands.Command
	cb  Callback
}

// Scheduler runs transactional commands against a Storage.
type Scheduler struct {
	storage  storage.Storage
	Latches  *latches.Latches
	cm       *concurrency.ConcurrencyManager
	waiters  *lockwaiter.Manager
	detector *deadlock.Detector

	normalCh chan task
	highCh   chan task
	stopCh   chan struct{}

	pendingBytes *atomic.Int64
	threshold    int64
}

func NewScheduler(st storage.Storage, cm *concurrency.ConcurrencyManager, conf *config.Storage) *Scheduler {
	s := &Scheduler{
		storage:      st,
		Latches:      latches.NewLatches(),
		cm:           cm,
		waiters:      lockwaiter.NewManager(),
		detector:     deadlock.NewDetector(3*time.Second, 100000, time.Hour),
		normalCh:     make(chan task, conf.SchedulerWorkerPoolSize*4),
		highCh:       make(chan task, conf.SchedulerHighPriPoolSize*4),
		stopCh:       make(chan struct{}),
		pendingBytes: atomic.NewInt64(0),
		threshold:    int64(conf.SchedulerPendingWriteThreshold),
	}
	for i := 0; i < conf.SchedulerWorkerPoolSize; i++ {
		go s.workerLoop(s.normalCh)
	}
	for i := 0; i < conf.SchedulerHighPriPoolSize; i++ {
		go s.workerLoop(s.highCh)
	}
	return s
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Run submits a command. It never blocks: if the command cannot be queued
// within the pending budget, the callback fires immediately with
// ErrSchedTooBusy.
func (s *Scheduler) Run(cmd commands.Command, cb Callback) {
	size := int64(cmd.Size())
	if s.pendingBytes.Add(size) > s.threshold {
		s.pendingBytes.Sub(size)
		schedTooBusyCounter.Inc()
		cb(nil, ErrSchedTooBusy)
		return
	}

	ch := s.normalCh
	if cmd.Priority() == kvrpcpb.CommandPri_High {
		ch = s.highCh
	}
	t := task{cmd: cmd, cb: s.accounted(cb, size)}
	select {
	case ch <- t:
	default:
		s.pendingBytes.Sub(size)
		schedTooBusyCounter.Inc()
		cb(nil, ErrSchedTooBusy)
	}
}

// accounted wraps cb to return the command's size to the pending budget when
// the result is delivered.
func (s *Scheduler) accounted(cb Callback, size int64) Callback {
	return func(resp interface{}, err error) {
		s.pendingBytes.Sub(size)
		cb(resp, err)
	}
}

func (s *Scheduler) workerLoop(ch chan task) {
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-ch:
			s.process(t)
		}
	}
}

func (s *Scheduler) process(t task) {
	start := time.Now()
	resp, err := s.execute(t.cmd)
	commandDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		s.wakeUpWaiters(t.cmd)
	}
	t.cb(resp, err)
}

// execute runs the command, parking on a lock waiter and retrying when a
// pessimistic lock attempt is blocked by somebody else's lock.
func (s *Scheduler) execute(cmd commands.Command) (interface{}, error) {
	for {
		resp, err := commands.RunCommand(cmd, s.storage, s.Latches, s.cm)
		locked, ok := err.(*mvcc.ErrLocked)
		if !ok {
			return resp, err
		}
		pessimistic, ok := cmd.(*commands.PessimisticLock)
		if !ok {
			return resp, err
		}

		waitTimeout := pessimistic.WaitTimeout()
		if waitTimeout == 0 {
			// The client asked not to wait.
			return resp, err
		}

		keyHash := farm.Fingerprint64(locked.Key)
		startTs := cmd.StartTs()
		if dl := s.detector.Detect(startTs, locked.Lock.Ts, keyHash); dl != nil {
			dl.LockKey = locked.Key
			dl.LockTs = locked.Lock.Ts
			return nil, dl
		}

		var timeout time.Duration
		if waitTimeout > 0 {
			timeout = time.Duration(waitTimeout) * time.Millisecond
		}
		waiter := s.waiters.NewWaiter(startTs, locked.Lock.Ts, keyHash, timeout)
		result := waiter.Wait()
		s.detector.CleanUpWaitFor(startTs, locked.Lock.Ts, keyHash)
		if result.Position == lockwaiter.WaitTimeout {
			s.waiters.CleanUp(waiter)
			return resp, err
		}
		if result.DeadlockResp != nil {
			return nil, &mvcc.ErrDeadlock{
				LockKey:         locked.Key,
				LockTs:          locked.Lock.Ts,
				DeadlockKeyHash: result.DeadlockResp.DeadlockKeyHash,
			}
		}
		log.Debug("blocked lock released, retrying",
			zap.Uint64("startTs", startTs),
			zap.Uint64("blockingTs", locked.Lock.Ts),
			zap.Uint64("commitTs", result.CommitTS))
	}
}

// wakeUpWaiters wakes the transactions blocked on locks the command removed.
func (s *Scheduler) wakeUpWaiters(cmd commands.Command) {
	releaser, ok := cmd.(commands.ReleasesLocks)
	if !ok {
		return
	}
	released := releaser.ReleasedLocks()
	if len(released) == 0 {
		return
	}
	s.detector.CleanUp(cmd.StartTs())

	byTxn := map[uint64][]commands.ReleasedLock{}
	for _, r := range released {
		byTxn[r.TxnTs] = append(byTxn[r.TxnTs], r)
	}
	for txnTs, locks := range byTxn {
		hashes := make([]uint64, 0, len(locks))
		for _, l := range locks {
			hashes = append(hashes, l.KeyHash)
		}
		s.waiters.WakeUp(txnTs, locks[0].CommitTs, hashes)
	}
}
