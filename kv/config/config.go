package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

type Config struct {
	StoreAddr string  `toml:"store-addr"`
	HttpAddr  string  `toml:"http-addr"`
	LogLevel  string  `toml:"log-level"`
	MaxProcs  int     `toml:"max-procs"` // Max CPU cores to use, set 0 to use all CPU cores in the machine.
	Engine    Engine  `toml:"engine"`    // Engine options.
	Storage   Storage `toml:"storage"`   // Transactional storage options.
}

type Engine struct {
	DBPath           string `toml:"db-path"`             // Directory to store the data in. Should exist and be writable.
	ValueThreshold   int    `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     int64  `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int    `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int    `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int    `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     int64  `toml:"vlog-file-size"`      // Value log file size.
	SyncWrite        bool   `toml:"sync-write"`          // Sync all writes to disk.
	NumCompactors    int    `toml:"num-compactors"`
	BlockCacheSize   int64  `toml:"block-cache-size"`
}

type Storage struct {
	// Number of workers executing write commands. Writes touching overlapping
	// key sets are serialized by latches regardless of this value.
	SchedulerWorkerPoolSize int `toml:"scheduler-worker-pool-size"`
	// Workers reserved for high priority commands.
	SchedulerHighPriPoolSize int `toml:"scheduler-high-pri-pool-size"`
	// Total byte size of queued plus in-flight writes above which new write
	// submissions fail fast with a server-is-busy error.
	SchedulerPendingWriteThreshold int64 `toml:"scheduler-pending-write-threshold"`
	// Number of concurrent read tasks admitted before reads fail fast with a
	// server-is-busy error.
	ReadPoolSize int `toml:"read-pool-size"`
	// Keys longer than this are rejected before scheduling.
	MaxKeySize int `toml:"max-key-size"`
	// Update the read-ts watermark and consult the in-memory lock table
	// before taking a snapshot for a read.
	EnableAsyncCommit bool `toml:"enable-async-commit"`
	// Default number of locks resolved per write batch by ResolveLock.
	ResolveLockBatchSize int `toml:"resolve-lock-batch-size"`
}

const MB = 1024 * 1024

var DefaultConf = Config{
	StoreAddr: "127.0.0.1:9191",
	HttpAddr:  "127.0.0.1:9291",
	LogLevel:  "info",
	MaxProcs:  0,
	Engine: Engine{
		DBPath:           "/tmp/tidekv",
		ValueThreshold:   256,
		MaxTableSize:     64 * MB,
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     256 * MB,
		SyncWrite:        true,
		NumCompactors:    1,
		BlockCacheSize:   512 * MB,
	},
	Storage: Storage{
		SchedulerWorkerPoolSize:        4,
		SchedulerHighPriPoolSize:       2,
		SchedulerPendingWriteThreshold: 100 * MB,
		ReadPoolSize:                   8,
		MaxKeySize:                     4 * 1024,
		EnableAsyncCommit:              true,
		ResolveLockBatchSize:           256,
	},
}

// LoadFromFile parses a toml config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	conf := DefaultConf
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if c.Storage.SchedulerWorkerPoolSize <= 0 {
		return errors.New("scheduler-worker-pool-size must be greater than 0")
	}
	if c.Storage.SchedulerHighPriPoolSize <= 0 {
		return errors.New("scheduler-high-pri-pool-size must be greater than 0")
	}
	if c.Storage.ReadPoolSize <= 0 {
		return errors.New("read-pool-size must be greater than 0")
	}
	if c.Storage.MaxKeySize <= 0 {
		return errors.New("max-key-size must be greater than 0")
	}
	return nil
}
