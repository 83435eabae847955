// Package deadlock implements a wait-for-graph deadlock detector for
// pessimistic transactions. Each edge records that one transaction is waiting
// for a lock held by another; a detection request that would close a cycle is
// rejected with the hash of the key the cycle was found on.
package deadlock

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// Detector detects deadlocks in the local wait-for graph.
type Detector struct {
	waitForMap       map[uint64]*txnList
	lock             sync.Mutex
	entryTTL         time.Duration
	totalSize        uint64
	lastActiveExpire time.Time
	urgentSize       uint64
	expireInterval   time.Duration
}

type txnList struct {
	txns []txnKeyHashPair
}

type txnKeyHashPair struct {
	txn          uint64
	keyHash      uint64
	registerTime time.Time
}

func (p *txnKeyHashPair) isExpired(ttl time.Duration, nowTime time.Time) bool {
	return p.registerTime.Add(ttl).Before(nowTime)
}

// NewDetector creates a new Detector. Edges older than entryTTL are discarded
// lazily; a full sweep runs every expireInterval, or immediately once the
// graph holds more than urgentSize edges.
func NewDetector(ttl time.Duration, urgentSize uint64, expireInterval time.Duration) *Detector {
	return &Detector{
		waitForMap:       map[uint64]*txnList{},
		entryTTL:         ttl,
		urgentSize:       urgentSize,
		expireInterval:   expireInterval,
		lastActiveExpire: time.Now(),
	}
}

// Detect checks if the transaction sourceTxn waiting for waitForTxn would
// form a deadlock. If so it returns an *ErrDeadlock carrying the key hash on
// which the cycle was found; otherwise it registers the edge and returns nil.
func (d *Detector) Detect(sourceTxn, waitForTxn, keyHash uint64) *mvcc.ErrDeadlock {
	d.lock.Lock()
	nowTime := time.Now()
	d.activeExpire(nowTime)
	err := d.doDetect(nowTime, sourceTxn, waitForTxn)
	if err == nil {
		d.register(sourceTxn, waitForTxn, keyHash)
	}
	d.lock.Unlock()
	return err
}

func (d *Detector) doDetect(nowTime time.Time, sourceTxn, waitForTxn uint64) *mvcc.ErrDeadlock {
	list := d.waitForMap[waitForTxn]
	if list == nil {
		return nil
	}
	var nextVictims []txnKeyHashPair
	for _, nextTarget := range list.txns {
		if nextTarget.isExpired(d.entryTTL, nowTime) {
			continue
		}
		nextVictims = append(nextVictims, nextTarget)
	}
	if len(nextVictims) < len(list.txns) {
		d.totalSize -= uint64(len(list.txns) - len(nextVictims))
		if len(nextVictims) == 0 {
			delete(d.waitForMap, waitForTxn)
			return nil
		}
		list.txns = nextVictims
	}
	for _, nextTarget := range list.txns {
		if nextTarget.txn == sourceTxn {
			return &mvcc.ErrDeadlock{DeadlockKeyHash: nextTarget.keyHash}
		}
		if err := d.doDetect(nowTime, sourceTxn, nextTarget.txn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) register(sourceTxn, waitForTxn, keyHash uint64) {
	pair := txnKeyHashPair{txn: waitForTxn, keyHash: keyHash, registerTime: time.Now()}
	list := d.waitForMap[sourceTxn]
	if list == nil {
		d.waitForMap[sourceTxn] = &txnList{txns: []txnKeyHashPair{pair}}
		d.totalSize++
		return
	}
	for _, tar := range list.txns {
		if tar.txn == waitForTxn && tar.keyHash == keyHash {
			return
		}
	}
	list.txns = append(list.txns, pair)
	d.totalSize++
}

// CleanUp removes the wait-for entry of the transaction with startTs, called
// when it is done waiting (committed, rolled back or timed out).
func (d *Detector) CleanUp(startTs uint64) {
	d.lock.Lock()
	if list, ok := d.waitForMap[startTs]; ok {
		d.totalSize -= uint64(len(list.txns))
	}
	delete(d.waitForMap, startTs)
	d.lock.Unlock()
}

// CleanUpWaitFor removes a single wait-for edge after one lock wait finishes.
func (d *Detector) CleanUpWaitFor(txnTs, waitForTxn, keyHash uint64) {
	d.lock.Lock()
	if list := d.waitForMap[txnTs]; list != nil {
		for i, tar := range list.txns {
			if tar.txn == waitForTxn && tar.keyHash == keyHash {
				list.txns = append(list.txns[:i], list.txns[i+1:]...)
				d.totalSize--
				break
			}
		}
		if len(list.txns) == 0 {
			delete(d.waitForMap, txnTs)
		}
	}
	d.lock.Unlock()
}

// activeExpire removes expired entries. Callers must hold d.lock.
func (d *Detector) activeExpire(nowTime time.Time) {
	if d.totalSize < d.urgentSize && nowTime.Sub(d.lastActiveExpire) < d.expireInterval {
		return
	}
	log.Info("deadlock detector expiring entries", zap.Uint64("total size", d.totalSize))
	for txn, list := range d.waitForMap {
		var remain []txnKeyHashPair
		for _, pair := range list.txns {
			if !pair.isExpired(d.entryTTL, nowTime) {
				remain = append(remain, pair)
			}
		}
		d.totalSize -= uint64(len(list.txns) - len(remain))
		if len(remain) == 0 {
			delete(d.waitForMap, txn)
		} else {
			list.txns = remain
		}
	}
	d.lastActiveExpire = nowTime
}
