package storage

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/engine_util"
)

// Storage is the engine contract the transaction layer is built on. An
// implementation only needs per-snapshot consistent reads and atomic batch
// writes; everything transactional is layered above it.
type Storage interface {
	Start() error
	Stop() error
	// Write applies the batch atomically: either every modification becomes
	// durable or none does.
	Write(ctx *kvrpcpb.Context, batch []Modify) error
	// Reader returns a consistent point-in-time view of the data. The caller
	// must Close it when done; holding a reader must not block writers.
	Reader(ctx *kvrpcpb.Context) (StorageReader, error)
}

// StorageReader is a snapshot of the underlying storage. Reads through one
// reader are repeatable for its whole lifetime.
type StorageReader interface {
	// GetCF returns (nil, nil) when the key does not exist.
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	// IterReverseCF iterates the column family in descending key order.
	IterReverseCF(cf string) engine_util.DBIterator
	Close()
}
