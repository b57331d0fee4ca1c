// Package lockfile guards a destination directory against two archive runs
// writing into it at the same time.
//
// The lock is a small JSON file created with O_EXCL. While held, a heartbeat
// refreshes its timestamp; a lock whose timestamp is older than the stale
// timeout belongs to a crashed run and is taken over.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// LockFileName is the name of the lock file created in the destination.
const LockFileName = ".~pgl-archive.lock"

// TempPattern matches the files used to rewrite the lock atomically.
const TempPattern = LockFileName + ".*.tmp"

// Content is what a lock file holds.
type Content struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive is returned when another live run holds the lock.
type ErrLockActive struct {
	Owner    string
	PID      int
	Hostname string
	Age      time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("destination is locked by %s (PID %d on %s), last heartbeat %s ago", e.Owner, e.PID, e.Hostname, e.Age.Truncate(time.Second))
}

var (
	ErrLostRace    = errors.New("lost race during stale lock takeover")
	ErrCorruptLock = errors.New("lock file is corrupt or empty")
)

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 30 * time.Second
	staleTimeout      = 4 * heartbeatInterval
)

type Lock struct {
	path    string
	content Content

	mu      sync.Mutex
	held    bool
	stop    context.CancelFunc
	stopped chan struct{}
}

// Acquire takes the lock in dir for owner. It returns *ErrLockActive when
// another run holds it.
func Acquire(ctx context.Context, dir, owner string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)

	const maxAttempts = 3
	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := create(path, owner)
		if err == nil {
			cleanupTempFiles(dir)
			lock.start()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		current, err := read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Released between our create and read.
			continue
		case errors.Is(err, ErrCorruptLock):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path)
		case err != nil:
			return nil, err
		default:
			age := time.Since(current.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{Owner: current.Owner, PID: current.PID, Hostname: current.Hostname, Age: age}
			}
			plog.Warn("Found stale lock, taking over", "path", path, "pid", current.PID, "age", age.Truncate(time.Second))
		}

		lock, err = takeover(path, owner)
		if err != nil {
			plog.Debug("Lock takeover failed, retrying", "path", path, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		cleanupTempFiles(dir)
		lock.start()
		return lock, nil
	}
	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts", path, maxAttempts)
}

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.stop()
	<-l.stopped

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func newContent(owner string) (Content, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Content{}, fmt.Errorf("failed to read hostname: %w", err)
	}
	return Content{
		Owner:      owner,
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
	}, nil
}

// create claims a free lock. O_EXCL fails with os.ErrExist if it is taken.
func create(path, owner string) (*Lock, error) {
	content, err := newContent(owner)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	err = json.NewEncoder(f).Encode(content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path, content: content, held: true}, nil
}

// takeover replaces a stale lock and reads it back to see whether this
// process won against a concurrent takeover.
func takeover(path, owner string) (*Lock, error) {
	content, err := newContent(owner)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}
	current, err := read(path)
	if err != nil {
		return nil, err
	}
	if current.Token != content.Token {
		return nil, ErrLostRace
	}
	return &Lock{path: path, content: content, held: true}, nil
}

func (l *Lock) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	l.stopped = make(chan struct{})
	go l.heartbeat(ctx)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.stopped)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := writeAtomic(l.path, l.content); err != nil {
				plog.Warn("Failed to refresh lock file", "path", l.path, "error", err)
			}
		}
	}
}

// StaleTimeout is the heartbeat age after which a lock, or a temp file written
// next to it, is considered abandoned by a crashed run.
func StaleTimeout() time.Duration {
	return staleTimeout
}

// cleanupTempFiles removes lock temp files in dir left behind by crashed runs.
// Files modified within the stale timeout may belong to a heartbeat in flight
// and are kept.
func cleanupTempFiles(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, TempPattern))
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "dir", dir, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()).Truncate(time.Second))
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

// writeAtomic replaces the lock file through a temp file in the same directory.
func writeAtomic(path string, content Content) (retErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(TempPattern))
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := json.NewEncoder(tmp).Encode(content); err != nil {
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace lock file: %w", err)
	}
	return nil
}

// read decodes the lock file. A writer may be mid-create, so an empty or
// partial file is retried a few times before it counts as corrupt.
func read(path string) (Content, error) {
	var lastErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, err
		}
		var content Content
		if len(data) == 0 {
			lastErr = errors.New("empty file")
		} else if lastErr = json.Unmarshal(data, &content); lastErr == nil {
			return content, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return Content{}, fmt.Errorf("%w: %v", ErrCorruptLock, lastErr)
}
