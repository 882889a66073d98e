package pidfile

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, path string, rec Record) {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

// exitedPID runs a short-lived child and returns its (now dead) PID.
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "samactl.pid")
	f, err := Acquire(path)
	require.NoError(t, err)

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.True(t, Alive(rec))

	require.NoError(t, f.Release())
	require.NoError(t, f.Release())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAcquireRejectsLiveOwner(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperSleep$")
	cmd.Env = append(os.Environ(), "PIDFILE_HELPER=1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "samactl.pid")
	writeRecord(t, path, Record{PID: cmd.Process.Pid, StartMilli: startMilli(cmd.Process.Pid)})

	_, err := Acquire(path)
	require.ErrorIs(t, err, ErrRunning)
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samactl.pid")
	writeRecord(t, path, Record{PID: exitedPID(t)})

	f, err := Acquire(path)
	require.NoError(t, err)
	defer func() { _ = f.Release() }()
	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestAliveDetectsReusedPID(t *testing.T) {
	self := Record{PID: os.Getpid(), StartMilli: startMilli(os.Getpid())}
	require.True(t, Alive(self))
	if self.StartMilli == 0 {
		t.Skip("process start time unavailable")
	}
	self.StartMilli -= 60_000
	assert.False(t, Alive(self))
}

func TestReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err := Read(path)
	assert.Error(t, err)

	f, err := Acquire(path)
	require.NoError(t, err)
	_ = f.Release()
}

func TestHelperSleep(t *testing.T) {
	if os.Getenv("PIDFILE_HELPER") != "1" {
		t.Skip("helper process")
	}
	time.Sleep(time.Minute)
}
