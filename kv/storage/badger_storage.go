package storage

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/config"
	"github.com/tidekv/tidekv/kv/engine_util"
)

// BadgerStorage is a Storage backed by a single local badger instance. It
// does not communicate with other nodes; all data is stored locally.
type BadgerStorage struct {
	conf    *config.Config
	engines *engine_util.Engines
}

func NewBadgerStorage(conf *config.Config) *BadgerStorage {
	return &BadgerStorage{conf: conf}
}

func (s *BadgerStorage) Start() error {
	db := engine_util.CreateDB("kv", &s.conf.Engine)
	s.engines = engine_util.NewEngines(db, s.conf.Engine.DBPath)
	return nil
}

func (s *BadgerStorage) Stop() error {
	return s.engines.Close()
}

func (s *BadgerStorage) Write(ctx *kvrpcpb.Context, batch []Modify) error {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case Delete:
			wb.DeleteCF(data.Cf, data.Key)
		case DeleteRange:
			// Ranges are expanded into per-key deletes so the whole batch
			// still applies in one engine transaction.
			if err := s.appendRangeDeletes(wb, data.Cf, data.StartKey, data.EndKey); err != nil {
				return err
			}
		}
	}
	return s.engines.WriteKV(wb)
}

func (s *BadgerStorage) appendRangeDeletes(wb *engine_util.WriteBatch, cf string, startKey, endKey []byte) error {
	txn := s.engines.Kv.NewTransaction(false)
	defer txn.Discard()
	cfs := engine_util.CFs[:]
	if cf != "" {
		cfs = []string{cf}
	}
	for _, cf := range cfs {
		it := engine_util.NewCFIterator(cf, txn)
		for it.Seek(startKey); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if engine_util.ExceedEndKey(key, endKey) {
				break
			}
			wb.DeleteCF(cf, key)
		}
		it.Close()
	}
	return nil
}

func (s *BadgerStorage) Reader(ctx *kvrpcpb.Context) (StorageReader, error) {
	return &badgerReader{txn: s.engines.Kv.NewTransaction(false)}, nil
}

// badgerReader wraps a read-only badger transaction, which is a consistent
// snapshot of the database.
type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.WithStack(err)
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) IterReverseCF(cf string) engine_util.DBIterator {
	return engine_util.NewReverseCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
