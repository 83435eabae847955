package mvcc

import (
	"fmt"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// KeyError wraps the protobuf KeyError so it can travel as a Go error through
// command execution and be unwrapped into responses at the boundary.
type KeyError struct {
	kvrpcpb.KeyError
}

func (ke *KeyError) Error() string {
	return ke.String()
}

// ErrLocked is returned when a read or write runs into somebody else's lock.
type ErrLocked struct {
	Key  []byte
	Lock *Lock
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("key is locked, key: %q, Lock: %v", e.Key, e.Lock)
}

func (e *ErrLocked) KeyError() *kvrpcpb.KeyError {
	return &kvrpcpb.KeyError{Locked: e.Lock.Info(e.Key)}
}

// ErrWriteConflict is returned when a prewrite observes a write committed
// after the transaction's start timestamp.
type ErrWriteConflict struct {
	StartTs    uint64
	ConflictTs uint64
	Key        []byte
	Primary    []byte
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict, startTS: %d, conflictTS: %d, key: %q", e.StartTs, e.ConflictTs, e.Key)
}

func (e *ErrWriteConflict) KeyError() *kvrpcpb.KeyError {
	return &kvrpcpb.KeyError{
		Conflict: &kvrpcpb.WriteConflict{
			StartTs:    e.StartTs,
			ConflictTs: e.ConflictTs,
			Key:        e.Key,
			Primary:    e.Primary,
		},
	}
}

// ErrKeyAlreadyExists is returned by a prewrite with an Insert mutation when
// the key already has a committed value.
type ErrKeyAlreadyExists struct {
	Key []byte
}

func (e *ErrKeyAlreadyExists) Error() string {
	return fmt.Sprintf("key already exists, key: %q", e.Key)
}

func (e *ErrKeyAlreadyExists) KeyError() *kvrpcpb.KeyError {
	return &kvrpcpb.KeyError{
		AlreadyExist: &kvrpcpb.AlreadyExist{Key: e.Key},
	}
}

// ErrLockNotFound is returned by a commit when its lock on a key is missing
// and there is no record of the transaction having committed or rolled back.
type ErrLockNotFound struct {
	StartTs uint64
	Key     []byte
}

func (e *ErrLockNotFound) Error() string {
	return fmt.Sprintf("lock not found, startTS: %d, key: %q", e.StartTs, e.Key)
}

func (e *ErrLockNotFound) KeyError() *kvrpcpb.KeyError {
	// The client retries commit through the resolve path, so this travels in
	// the retryable field rather than a dedicated message.
	return &kvrpcpb.KeyError{Retryable: e.Error()}
}

// ErrTxnNotFound is returned by CheckTxnStatus when the primary lock is
// absent and the transaction has no rollback or commit record.
type ErrTxnNotFound struct {
	StartTs    uint64
	PrimaryKey []byte
}

func (e *ErrTxnNotFound) Error() string {
	return fmt.Sprintf("txn not found, startTS: %d, primary: %q", e.StartTs, e.PrimaryKey)
}

func (e *ErrTxnNotFound) KeyError() *kvrpcpb.KeyError {
	return &kvrpcpb.KeyError{
		TxnNotFound: &kvrpcpb.TxnNotFound{
			StartTs:    e.StartTs,
			PrimaryKey: e.PrimaryKey,
		},
	}
}

// ErrAlreadyRollback is returned when an operation finds a rollback record
// for its transaction on the key it wanted to touch.
type ErrAlreadyRollback struct {
	StartTs uint64
	Key     []byte
}

func (e *ErrAlreadyRollback) Error() string {
	return fmt.Sprintf("transaction already rolled back, startTS: %d, key: %q", e.StartTs, e.Key)
}

// ErrCommitTsExpired is returned by a commit whose commit timestamp is below
// the lock's min_commit_ts, which can happen after readers have pushed the
// lock forward.
type ErrCommitTsExpired struct {
	StartTs     uint64
	CommitTs    uint64
	MinCommitTs uint64
	Key         []byte
}

func (e *ErrCommitTsExpired) Error() string {
	return fmt.Sprintf("commit ts expired, startTS: %d, commitTS: %d, minCommitTS: %d, key: %q",
		e.StartTs, e.CommitTs, e.MinCommitTs, e.Key)
}

func (e *ErrCommitTsExpired) KeyError() *kvrpcpb.KeyError {
	return &kvrpcpb.KeyError{
		CommitTsExpired: &kvrpcpb.CommitTsExpired{
			StartTs:           e.StartTs,
			AttemptedCommitTs: e.CommitTs,
			Key:               e.Key,
			MinCommitTs:       e.MinCommitTs,
		},
	}
}

// ErrDeadlock is returned when acquiring a pessimistic lock would close a
// cycle in the wait-for graph.
type ErrDeadlock struct {
	LockKey         []byte
	LockTs          uint64
	DeadlockKeyHash uint64
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock, lockTS: %d, lock key: %q", e.LockTs, e.LockKey)
}

func (e *ErrDeadlock) KeyError() *kvrpcpb.KeyError {
	return &kvrpcpb.KeyError{
		Deadlock: &kvrpcpb.Deadlock{
			LockKey:         e.LockKey,
			LockTs:          e.LockTs,
			DeadlockKeyHash: e.DeadlockKeyHash,
		},
	}
}

// ErrRetryable marks errors the client can safely retry without user
// intervention.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

// ErrInvalidOp is returned by a prewrite carrying a mutation kind that cannot
// be staged.
type ErrInvalidOp struct {
	Op kvrpcpb.Op
}

func (e ErrInvalidOp) Error() string {
	return fmt.Sprintf("invalid op: %s", e.Op.String())
}

type keyErrorCause interface {
	KeyError() *kvrpcpb.KeyError
}

// ToKeyError converts an error produced during command execution to a
// KeyError for embedding in a response. It returns nil for errors that do not
// belong to any key (those surface as region or fatal errors instead).
func ToKeyError(err error) *kvrpcpb.KeyError {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *KeyError:
		return &e.KeyError
	case keyErrorCause:
		return e.KeyError()
	case ErrRetryable:
		return &kvrpcpb.KeyError{Retryable: e.Error()}
	}
	return nil
}
