package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// Write is a representation of a committed write to backing storage.
// A serialized version is stored in the "write" CF of our engine when a write
// is committed. That allows MvccTxn to find the status of a key at a given
// timestamp. Small values are inlined into the write record itself
// (ShortValue) so committed point reads need a single CF lookup.
type Write struct {
	StartTS    uint64
	Kind       WriteKind
	ShortValue []byte
}

func (wr *Write) ToBytes() []byte {
	buf := append([]byte{byte(wr.Kind)}, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(buf[1:], wr.StartTS)
	return append(buf, wr.ShortValue...)
}

func ParseWrite(value []byte) (*Write, error) {
	if value == nil {
		return nil, nil
	}
	if len(value) < 9 {
		return nil, fmt.Errorf("mvcc: write value is too short, expected at least 9 bytes, found %d", len(value))
	}
	kind := WriteKind(value[0])
	startTs := binary.BigEndian.Uint64(value[1:])
	var shortValue []byte
	if len(value) > 9 {
		shortValue = append([]byte{}, value[9:]...)
	}
	return &Write{StartTS: startTs, Kind: kind, ShortValue: shortValue}, nil
}

type WriteKind int

const (
	WriteKindPut      WriteKind = 1
	WriteKindDelete   WriteKind = 2
	WriteKindRollback WriteKind = 3
	// WriteKindLock records that a key was locked (but not changed) by a
	// committed transaction.
	WriteKindLock WriteKind = 4
	// WriteKindPessimistic only ever appears in locks, never in committed
	// write records: a pessimistic lock either becomes a Put/Delete/Lock at
	// prewrite time or is removed.
	WriteKindPessimistic WriteKind = 5
)

func (wk WriteKind) ToProto() kvrpcpb.Op {
	switch wk {
	case WriteKindPut:
		return kvrpcpb.Op_Put
	case WriteKindDelete:
		return kvrpcpb.Op_Del
	case WriteKindRollback:
		return kvrpcpb.Op_Rollback
	case WriteKindLock:
		return kvrpcpb.Op_Lock
	case WriteKindPessimistic:
		return kvrpcpb.Op_PessimisticLock
	}
	return -1
}

func WriteKindFromProto(op kvrpcpb.Op) WriteKind {
	switch op {
	case kvrpcpb.Op_Put, kvrpcpb.Op_Insert:
		return WriteKindPut
	case kvrpcpb.Op_Del:
		return WriteKindDelete
	case kvrpcpb.Op_Rollback:
		return WriteKindRollback
	case kvrpcpb.Op_Lock:
		return WriteKindLock
	case kvrpcpb.Op_PessimisticLock:
		return WriteKindPessimistic
	default:
		panic(fmt.Sprintf("unsupported op %v", op))
	}
}
