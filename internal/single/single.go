// Package single keeps at most one running task per key, host-wide.
package single

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/victorarias/taskhost/internal/exitcode"
)

const retryDelay = 25 * time.Millisecond

var (
	ErrAlreadyHeld = errors.New("single instance lock already held by this process")
	ErrRefused     = errors.New("another instance is running")
)

// ExitRefused is the process exit code used when the lock cannot be taken.
const ExitRefused = exitcode.SingleRefuse

// Guard owns the single-instance lock of one worker process. The lock is
// held until the process exits; it is never released explicitly.
type Guard struct {
	dir    string
	exit   func(code int)
	stderr io.Writer
	logf   func(format string, args ...interface{})

	mu   sync.Mutex
	lock *flock.Flock
}

// New returns a guard that keeps lock files in dir and calls exit when
// another instance holds the lock.
func New(dir string, exit func(code int), logf func(format string, args ...interface{})) *Guard {
	if exit == nil {
		exit = os.Exit
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Guard{dir: dir, exit: exit, stderr: os.Stderr, logf: logf}
}

// SetStderr redirects the refusal message.
func (g *Guard) SetStderr(w io.Writer) { g.stderr = w }

// LockPath returns the lock file used for key.
func (g *Guard) LockPath(key string) string {
	return filepath.Join(g.dir, "single-"+sanitize(key)+".lock")
}

// Single takes the lock for key, waiting up to wait (negative waits
// forever). If another process keeps the lock, it prints a message unless
// silent and exits with ExitRefused. When exit returns (tests), ErrRefused
// is returned.
func (g *Guard) Single(key string, wait time.Duration, silent bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lock != nil {
		return ErrAlreadyHeld
	}
	if key == "" {
		return errors.New("empty single instance key")
	}
	if err := os.MkdirAll(g.dir, 0700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(g.LockPath(key))
	ctx := context.Background()
	if wait >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	locked, err := lock.TryLock()
	if err == nil && !locked && wait != 0 {
		locked, err = lock.TryLockContext(ctx, retryDelay)
		if errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	}
	if err != nil {
		_ = lock.Close()
		return fmt.Errorf("single instance lock %q: %w", key, err)
	}
	if !locked {
		_ = lock.Close()
		g.logf("single instance %q refused: another instance is running", key)
		if !silent {
			fmt.Fprintf(g.stderr, "Cannot run this task because another instance (%s) is running.\n", key)
		}
		g.exit(ExitRefused)
		return ErrRefused
	}

	g.lock = lock
	return nil
}

// Held reports whether this guard owns a lock.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lock != nil
}

// sanitize maps a free-form key to a file name component.
func sanitize(key string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	if clean == key && len(key) <= 64 {
		return clean
	}
	sum := sha1.Sum([]byte(key))
	if len(clean) > 40 {
		clean = clean[:40]
	}
	return clean + "-" + hex.EncodeToString(sum[:6])
}
