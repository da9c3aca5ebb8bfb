package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHolder(t *testing.T, path string, info Info) {
	t.Helper()
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "algotrader.lock")

	l, err := Acquire(path, "virtual")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), l.Info().PID)

	_, err = Acquire(path, "virtual")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	l2, err := Acquire(path, "real")
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestStaleLockIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algotrader.lock")
	writeHolder(t, path, Info{PID: 999999999, Machine: MachineID(), Started: time.Now().Add(-time.Hour)})

	l, err := Acquire(path, "virtual")
	require.NoError(t, err)
	info, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	require.NoError(t, l.Release())
}

func TestCorruptLockIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algotrader.lock")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l, err := Acquire(path, "virtual")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestForeignMachineLockIsRespected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algotrader.lock")
	writeHolder(t, path, Info{PID: 999999999, Machine: "some-other-host"})

	_, err := Acquire(path, "virtual")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algotrader.lock")
	l, err := Acquire(path, "virtual")
	require.NoError(t, err)

	writeHolder(t, path, Info{PID: 42, Machine: "other"})
	assert.Error(t, l.Release())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
