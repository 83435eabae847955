package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfValid(t *testing.T) {
	conf := DefaultConf
	assert.NoError(t, conf.Validate())
}

func TestValidate(t *testing.T) {
	conf := DefaultConf
	conf.Storage.SchedulerWorkerPoolSize = 0
	assert.Error(t, conf.Validate())

	conf = DefaultConf
	conf.Storage.ReadPoolSize = -1
	assert.Error(t, conf.Validate())

	conf = DefaultConf
	conf.Storage.MaxKeySize = 0
	assert.Error(t, conf.Validate())
}

func TestLoadFromFile(t *testing.T) {
	content := `
store-addr = "0.0.0.0:20160"
log-level = "debug"

[engine]
db-path = "/data/tidekv"
sync-write = false

[storage]
scheduler-worker-pool-size = 8
max-key-size = 1024
`
	dir, err := ioutil.TempDir("", "tidekv-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	conf, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:20160", conf.StoreAddr)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, "/data/tidekv", conf.Engine.DBPath)
	assert.False(t, conf.Engine.SyncWrite)
	assert.Equal(t, 8, conf.Storage.SchedulerWorkerPoolSize)
	assert.Equal(t, 1024, conf.Storage.MaxKeySize)

	// Unset fields keep their defaults.
	assert.Equal(t, DefaultConf.HttpAddr, conf.HttpAddr)
	assert.Equal(t, DefaultConf.Storage.ResolveLockBatchSize, conf.Storage.ResolveLockBatchSize)
}

func TestLoadFromFileInvalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "tidekv-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte("[storage]\nmax-key-size = 0\n"), 0644))

	_, err = LoadFromFile(path)
	assert.Error(t, err)

	_, err = LoadFromFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
