package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/harun/switchboard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lifecycleFor(t *testing.T) (*LifecycleManager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	d := &Daemon{config: cfg, opts: Options{Gateway: true}}
	return NewLifecycleManager(d), dir
}

func TestLifecycleManagerStartStop(t *testing.T) {
	lm, dir := lifecycleFor(t)
	assert.Equal(t, filepath.Join(dir, "gateway.pid"), lm.PIDFile())

	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(lm.PIDFile()))

	require.NoError(t, lm.Stop())
	assert.False(t, IsRunning(lm.PIDFile()))
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerRefusesLiveProcess(t *testing.T) {
	lm, dir := lifecycleFor(t)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(strconv.Itoa(os.Getpid())), 0644))

	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")

	_, err := ReadPID(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))
	_, err = ReadPID(path)
	assert.Error(t, err)
	assert.False(t, IsRunning(path))

	require.NoError(t, os.WriteFile(path, []byte("42\n"), 0644))
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)
}
