package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/entl/cliwrapped/internal/lifecycle"
)

// LockFileName is the instance lock inside the storage directory.
const LockFileName = "daemon.lock"

// LockConflictError is returned when another process holds the instance
// lock. Holder is nil if the holder's record could not be read.
type LockConflictError struct {
	Path   string
	Holder *lifecycle.Holder
}

func (e *LockConflictError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("supervisor: %s is held by another process", e.Path)
	}
	return fmt.Sprintf("supervisor: %s is held by pid %d (instance %s)", e.Path, e.Holder.PID, e.Holder.InstanceID)
}

// instanceLock is an exclusive flock on the lock file. The kernel drops
// the lock when the process dies, so a lock that can be taken is never
// stale; the heartbeat only tells a wedged holder from a healthy one.
type instanceLock struct {
	path string

	mu     sync.Mutex
	f      *os.File
	holder lifecycle.Holder
}

func acquireLock(path string, holder lifecycle.Holder) (*instanceLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		defer f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			conflict := &LockConflictError{Path: path}
			if h, readErr := readHolder(f); readErr == nil {
				conflict.Holder = &h
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	l := &instanceLock{path: path, f: f, holder: holder}
	if err := l.write(); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return l, nil
}

// write replaces the file contents with the holder record. Must be called
// with l.mu held or before l is shared.
func (l *instanceLock) write() error {
	data, err := json.Marshal(l.holder)
	if err != nil {
		return err
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// heartbeat refreshes the heartbeat stamp.
func (l *instanceLock) heartbeat(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.holder.Heartbeat = now
	return l.write()
}

// release clears the record and drops the lock. The file itself stays so
// that a concurrent opener never locks an unlinked inode.
func (l *instanceLock) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	truncErr := l.f.Truncate(0)
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(truncErr, unlockErr, closeErr)
}

func readHolder(f *os.File) (lifecycle.Holder, error) {
	var h lifecycle.Holder
	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<16))
	if err != nil {
		return h, err
	}
	if len(data) == 0 {
		return h, errors.New("empty lock file")
	}
	err = json.Unmarshal(data, &h)
	return h, err
}

// probeHolder returns the record of another process holding the lock at
// path, or nil when nobody holds it.
func probeHolder(path string, now time.Time, staleAfter time.Duration) (*lifecycle.Holder, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err == nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return nil, nil
	} else if !errors.Is(err, unix.EWOULDBLOCK) {
		return nil, err
	}

	h, err := readHolder(f)
	if err != nil {
		return nil, fmt.Errorf("reading lock holder: %w", err)
	}
	markStale(&h, now, staleAfter)
	return &h, nil
}

func markStale(h *lifecycle.Holder, now time.Time, staleAfter time.Duration) {
	h.Stale = staleAfter > 0 && now.Sub(h.Heartbeat) > staleAfter
}
