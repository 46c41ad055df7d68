package am

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9000\n"), 0644))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }
	t.Cleanup(func() { cw.Stop() })

	var port atomic.Int64
	cw.OnReload(func(cfg *Config) error {
		port.Store(int64(cfg.Server.Port))
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9001\n"), 0644))

	assert.Eventually(t, func() bool { return port.Load() == 9001 }, 2*time.Second, 10*time.Millisecond)
}

func TestConfigWatcher_InvalidConfigSkipsCallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 0\n"), 0644))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }
	t.Cleanup(func() { cw.Stop() })

	called := false
	cw.OnReload(func(*Config) error {
		called = true
		return nil
	})

	err = cw.reload()
	assert.Error(t, err)
	assert.False(t, called)
}

func TestConfigWatcher_OwnWrite(t *testing.T) {
	cw := &ConfigWatcher{}
	assert.False(t, cw.checkOwnWrite())
	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite(), "flag clears after one check")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("am.toml"))
}
