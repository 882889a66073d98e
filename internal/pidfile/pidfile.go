// Package pidfile keeps a single samactl fleet per pid file. The file records
// the owner's PID and process start time so a PID reused by an unrelated
// process after a crash is not mistaken for a live owner.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrRunning is returned by Acquire while a live owner holds the file.
var ErrRunning = errors.New("another samactl instance is running")

// Record is the pid file content.
type Record struct {
	PID        int   `json:"pid"`
	StartMilli int64 `json:"start_ms,omitempty"`
}

// startMilli returns the process creation time in Unix milliseconds, 0 when
// unavailable.
func startMilli(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115 pids fit in int32
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ms
}

// Alive reports whether rec still describes a running process.
func Alive(rec Record) bool {
	if rec.PID <= 0 {
		return false
	}
	p, err := gopsproc.NewProcess(int32(rec.PID)) // #nosec G115
	if err != nil {
		return false
	}
	if ok, err := p.IsRunning(); err != nil || !ok {
		return false
	}
	if rec.StartMilli > 0 {
		if cur := startMilli(rec.PID); cur > 0 && cur != rec.StartMilli {
			return false
		}
	}
	return true
}

func Read(path string) (Record, error) {
	var rec Record
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return rec, nil
}

// File is an acquired pid file.
type File struct {
	path string
	rec  Record
	once sync.Once
}

// Acquire writes the current process into path. A stale or unreadable file
// is replaced; a live owner yields ErrRunning.
func Acquire(path string) (*File, error) {
	if rec, err := Read(path); err == nil && Alive(rec) && rec.PID != os.Getpid() {
		return nil, fmt.Errorf("%w: pid %d holds %s", ErrRunning, rec.PID, path)
	}
	self := Record{PID: os.Getpid(), StartMilli: startMilli(os.Getpid())}
	b, err := json.Marshal(self)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &File{path: path, rec: self}, nil
}

func (f *File) Path() string { return f.path }

// Release removes the file if it still names this process. Safe to call more
// than once.
func (f *File) Release() error {
	var err error
	f.once.Do(func() {
		rec, rerr := Read(f.path)
		if rerr != nil || rec.PID != f.rec.PID {
			return
		}
		if rmErr := os.Remove(f.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}
