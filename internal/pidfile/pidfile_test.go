package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCheckRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayd.pid")

	require.NoError(t, Check(path), "no file yet should check clean")
	require.NoError(t, Write(path))

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	err = Check(path)
	var locked *ErrLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, os.Getpid(), locked.PID)

	require.NoError(t, Remove(path))
	require.NoError(t, Check(path))
}

func TestCheckDetectsStalePid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayd.pid")

	// PID 1 << 30 is not a real process on any sane system.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30)), 0o644))

	err := Check(path)
	var stale *ErrStale
	require.ErrorAs(t, err, &stale)
}
