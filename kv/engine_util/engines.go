package engine_util

import (
	"os"
	"path/filepath"

	"github.com/coocood/badger"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tidekv/tidekv/kv/config"
)

// Engines keeps a reference to the badger instance storing all column
// families, along with the filesystem path the data lives at.
type Engines struct {
	Kv     *badger.DB
	KvPath string
}

func NewEngines(kvEngine *badger.DB, kvPath string) *Engines {
	return &Engines{
		Kv:     kvEngine,
		KvPath: kvPath,
	}
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.Kv)
}

func (en *Engines) Close() error {
	return en.Kv.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.KvPath)
}

// CreateDB opens (creating if needed) a badger DB under conf.DBPath/subPath.
func CreateDB(subPath string, conf *config.Engine) *badger.DB {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.SyncWrites = conf.SyncWrite
	opts.MaxCacheSize = conf.BlockCacheSize
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		log.Fatal("create engine dir failed", zap.String("dir", opts.Dir), zap.Error(err))
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("open badger failed", zap.String("dir", opts.Dir), zap.Error(err))
	}
	return db
}
