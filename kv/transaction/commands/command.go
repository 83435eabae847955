package commands

import (
	"github.com/dgryski/go-farm"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/storage"
	"github.com/tidekv/tidekv/kv/transaction/concurrency"
	"github.com/tidekv/tidekv/kv/transaction/latches"
	"github.com/tidekv/tidekv/kv/transaction/mvcc"
)

// Command is an abstraction which covers the process from receiving a request
// to returning a response. Commands are driven either directly by RunCommand
// or by a scheduler which adds admission control around it.
type Command interface {
	Context() *kvrpcpb.Context
	StartTs() uint64
	// Size returns the approximate byte size of the request, used for
	// scheduler backpressure accounting.
	Size() int
	Priority() kvrpcpb.CommandPri
	// WillWrite returns a list of all keys that might be written by this
	// command. Return nil if the command is readonly.
	WillWrite() [][]byte
	// Read executes a readonly part of the command. Only called if WillWrite
	// returns nil. If the command needs to write to the DB it should return a
	// non-nil set of keys that the command will write.
	Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error)
	// PrepareWrites is for building writes in an mvcc transaction. Commands
	// can also make non-transactional reads and writes using txn. Returning
	// without modifying txn means that no transaction will be executed.
	PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error)
}

// Guarded is implemented by commands that must hold in-memory key guards
// while they execute, so concurrent readers observe their locks before the
// storage write lands.
type Guarded interface {
	AcquireGuards(cm *concurrency.ConcurrencyManager)
	ReleaseGuards()
}

// ReleasedLock names a persisted lock removed by a command. The scheduler
// uses these to wake up transactions blocked on the lock.
type ReleasedLock struct {
	TxnTs    uint64
	CommitTs uint64
	KeyHash  uint64
}

// ReleasesLocks is implemented by commands that commit or remove locks.
type ReleasesLocks interface {
	ReleasedLocks() []ReleasedLock
}

// RunCommand runs a transactional command to completion: the read phase, the
// latched write phase, and the final atomic write to storage.
func RunCommand(cmd Command, st storage.Storage, lat *latches.Latches, cm *concurrency.ConcurrencyManager) (interface{}, error) {
	ctxt := cmd.Context()
	var resp interface{}

	keysToWrite := cmd.WillWrite()
	if keysToWrite == nil {
		// The command is readonly or requires access to the DB to determine
		// the keys it will write.
		reader, err := st.Reader(ctxt)
		if err != nil {
			return nil, err
		}
		txn := mvcc.RoTxn{Reader: reader, StartTS: cmd.StartTs()}
		resp, keysToWrite, err = cmd.Read(&txn)
		reader.Close()
		if err != nil {
			return nil, err
		}
	}

	if keysToWrite != nil {
		// The command will write to the DB.
		lat.WaitForLatches(keysToWrite)
		defer lat.ReleaseLatches(keysToWrite)

		if guarded, ok := cmd.(Guarded); ok && cm != nil {
			guarded.AcquireGuards(cm)
			defer guarded.ReleaseGuards()
		}

		reader, err := st.Reader(ctxt)
		if err != nil {
			return nil, err
		}
		defer reader.Close()

		// Build an mvcc transaction.
		txn := mvcc.NewMvccTxn(reader, cmd.StartTs())
		resp, err = cmd.PrepareWrites(&txn)
		if err != nil {
			return nil, err
		}

		lat.Validate(&txn, keysToWrite)

		// Building the transaction succeeded without conflict, write all
		// writes to backing storage.
		err = st.Write(ctxt, txn.Writes())
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// sizer is satisfied by every generated request message.
type sizer interface {
	Size() int
}

// CommandBase provides some default function implementations for the Command
// interface.
type CommandBase struct {
	context *kvrpcpb.Context
	startTs uint64
	size    int
}

func newBase(context *kvrpcpb.Context, startTs uint64, request sizer) CommandBase {
	return CommandBase{
		context: context,
		startTs: startTs,
		size:    request.Size(),
	}
}

func (base CommandBase) Context() *kvrpcpb.Context {
	return base.context
}

func (base CommandBase) StartTs() uint64 {
	return base.startTs
}

func (base CommandBase) Size() int {
	return base.size
}

func (base CommandBase) Priority() kvrpcpb.CommandPri {
	return base.context.GetPriority()
}

func (base CommandBase) Read(txn *mvcc.RoTxn) (interface{}, [][]byte, error) {
	return nil, nil, nil
}

// ReadOnly is a helper type for commands which will never write anything to
// the database. It provides some default function implementations.
type ReadOnly struct{}

func (ro ReadOnly) WillWrite() [][]byte {
	return nil
}

func (ro ReadOnly) PrepareWrites(txn *mvcc.MvccTxn) (interface{}, error) {
	return nil, nil
}

// releasedLocks accumulates the locks a command removed during its write
// phase.
type releasedLocks struct {
	released []ReleasedLock
}

func (r *releasedLocks) recordRelease(key []byte, txnTs, commitTs uint64) {
	r.released = append(r.released, ReleasedLock{
		TxnTs:    txnTs,
		CommitTs: commitTs,
		KeyHash:  farm.Fingerprint64(key),
	})
}

func (r *releasedLocks) ReleasedLocks() []ReleasedLock {
	return r.released
}
