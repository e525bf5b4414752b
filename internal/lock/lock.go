// Package lock provides the cooperative single-run lock.
//
// The lock file is created with exclusive-create semantics, held with a
// non-blocking exclusive flock, and carries a JSON record naming the holder.
// The record decides staleness (age against TTL). The flock provides mutual
// exclusion between live processes. A crashed run leaves the file behind;
// TTL expiry recovers it once no process holds the flock, and a forced
// acquire recovers it unconditionally.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
)

const (
	// DefaultPath is the lock file location relative to the repository root.
	DefaultPath = "var/locks/nh-run.lock"

	// DefaultTTL is how long a lock stays fresh.
	DefaultTTL = 7200 * time.Second
)

// LockError reports a fresh lock held by another invocation.
type LockError struct {
	Path   string
	Record model.LockRecord
	Age    time.Duration
	TTL    time.Duration
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s held by pid %d (%q) for %s (ttl %s)",
		e.Path, e.Record.PID, e.Record.Command, e.Age.Truncate(time.Second), e.TTL)
}

// IsLockError returns true if err is (or wraps) a LockError.
func IsLockError(err error) bool {
	var le *LockError
	return errors.As(err, &le)
}

// Lock is a single-run lock. States: Unlocked -> Held -> Unlocked.
// A Lock value is owned by one goroutine.
type Lock struct {
	path   string
	ttl    time.Duration
	now    func() time.Time
	pid    int
	logger *slog.Logger

	f *os.File
}

// Option configures a Lock.
type Option func(*Lock)

// WithClock sets the clock used for record timestamps and age checks.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

// WithLogger sets the logger used for stale-lock recovery messages.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) {
		l.logger = logger
	}
}

// New creates an unlocked Lock at path. A non-positive ttl means DefaultTTL.
func New(path string, ttl time.Duration, opts ...Option) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Lock{
		path:   path,
		ttl:    ttl,
		now:    time.Now,
		pid:    os.Getpid(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Held reports whether this Lock currently holds the file.
func (l *Lock) Held() bool {
	return l.f != nil
}

// Acquire takes the lock for command.
//
// With force, any existing lock file is removed first. Otherwise an existing
// file whose record is younger than the TTL fails with *LockError, and an
// older one is treated as stale and removed unless a live process still
// holds its flock.
func (l *Lock) Acquire(command string, force bool) error {
	if l.f != nil {
		return fmt.Errorf("acquire lock %s: already held", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("acquire lock: create parent: %w", err)
	}

	if force {
		if err := fsx.RemoveIfExists(l.path); err != nil {
			return fmt.Errorf("acquire lock: force remove: %w", err)
		}
	} else if err := l.clearIfStale(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return l.contention()
		}
		return fmt.Errorf("acquire lock: create %s: %w", l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return l.contention()
		}
		return fmt.Errorf("acquire lock: flock %s: %w", l.path, err)
	}

	record := model.LockRecord{
		PID:        l.pid,
		Command:    command,
		Timestamp:  l.now().UTC(),
		TTLSeconds: int(l.ttl / time.Second),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err == nil {
		_, err = f.Write(append(data, '\n'))
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("acquire lock: write record: %w", err)
	}

	l.f = f
	return nil
}

// clearIfStale removes an existing lock file older than the configured TTL,
// and returns *LockError for a fresh one or for an expired one whose flock
// is still held.
func (l *Lock) clearIfStale() error {
	status, err := readStatus(l.path, l.now())
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !status.Exists {
		return nil
	}
	if status.Age < l.ttl {
		return &LockError{Path: l.path, Record: status.Record, Age: status.Age, TTL: l.ttl}
	}
	if flockHeld(l.path) {
		l.logger.Warn("lock past ttl is still held; not removing",
			"path", l.path,
			"holder_pid", status.Record.PID,
			"holder_command", status.Record.Command,
			"age", status.Age.Truncate(time.Second))
		return &LockError{Path: l.path, Record: status.Record, Age: status.Age, TTL: l.ttl}
	}
	l.logger.Warn("removing stale lock",
		"path", l.path,
		"holder_pid", status.Record.PID,
		"holder_command", status.Record.Command,
		"age", status.Age.Truncate(time.Second))
	if err := fsx.RemoveIfExists(l.path); err != nil {
		return fmt.Errorf("acquire lock: remove stale: %w", err)
	}
	return nil
}

// contention builds the LockError for a lock another process won.
func (l *Lock) contention() error {
	status, err := readStatus(l.path, l.now())
	if err != nil || !status.Exists {
		return &LockError{Path: l.path, TTL: l.ttl}
	}
	return &LockError{Path: l.path, Record: status.Record, Age: status.Age, TTL: l.ttl}
}

// Release drops the flock and removes the lock file. It is idempotent and
// never fails; removal is best-effort.
func (l *Lock) Release() {
	if l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
	if err := fsx.RemoveIfExists(l.path); err != nil {
		l.logger.Warn("could not remove lock file", "path", l.path, "error", err)
	}
}

// Status describes a lock file on disk.
type Status struct {
	Exists bool             `json:"exists"`
	Record model.LockRecord `json:"record"`
	Age    time.Duration    `json:"age"`
	TTL    time.Duration    `json:"ttl"`
	Stale  bool             `json:"stale"`

	// Active is set when a live process holds the flock.
	Active bool `json:"active"`
}

// Inspect reads the lock file at path without taking it and probes whether
// a live process holds it. The probe briefly takes the flock, so Acquire
// itself never calls Inspect.
func Inspect(path string, now time.Time) (Status, error) {
	st, err := readStatus(path, now)
	if err != nil || !st.Exists {
		return st, err
	}
	st.Active = flockHeld(path)
	return st, nil
}

// readStatus reads the lock record. An unreadable record falls back to the
// file's modification time and DefaultTTL, so a corrupt lock still ages out.
func readStatus(path string, now time.Time) (Status, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("inspect lock %s: %w", path, err)
	}

	st := Status{Exists: true}
	data, err := os.ReadFile(path)
	if err == nil && json.Unmarshal(data, &st.Record) == nil && !st.Record.Timestamp.IsZero() {
		st.TTL = time.Duration(st.Record.TTLSeconds) * time.Second
	} else {
		st.Record = model.LockRecord{Timestamp: info.ModTime(), TTLSeconds: int(DefaultTTL / time.Second)}
		st.TTL = DefaultTTL
	}
	st.Age = st.Record.Age(now)
	st.Stale = st.Record.Stale(now)
	return st, nil
}

// flockHeld probes whether another open file description holds the flock.
func flockHeld(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// Clear removes the lock file regardless of its holder.
func Clear(path string) error {
	if err := fsx.RemoveIfExists(path); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}
