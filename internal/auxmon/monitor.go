// Package auxmon runs the per-worker lifecycle monitor.
//
// Every worker starts one Monitor right after the handoff. The monitor owns
// a datagram endpoint addressable by the worker's pid, watches the host
// process, and reacts to control messages: end requests, hotkeys, power
// suspend and session lock. It ends the worker through the injected exit
// function so tests can observe the decision without the process dying.
package auxmon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/victorarias/taskhost/internal/exitcode"
	"github.com/victorarias/taskhost/internal/hotkey"
	"github.com/victorarias/taskhost/internal/proc"
)

// Control messages.
const (
	MsgClose   = "close"
	MsgHotkey  = "hotkey"
	MsgSuspend = "suspend"
	MsgLock    = "lock"
	MsgSetenv  = "setenv"
	MsgPing    = "ping"
)

// Hotkey ids below HotkeyExitBase toggle pause, ids from HotkeyExitBase up to
// HotkeyLimit end the task.
const (
	HotkeyPauseBase = 0
	HotkeyExitBase  = 16
	HotkeyLimit     = 32
)

const (
	readPoll             = 200 * time.Millisecond
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultWarnAfter     = 4
	DefaultMaxAttempts   = 120
)

// Config configures a Monitor.
type Config struct {
	RuntimeDir string
	PID        int
	HostPID    int

	PauseKey      string
	ExitKey       string
	ExitOnSuspend bool
	ExitOnLock    bool

	Registry      *hotkey.Registry
	RetryInterval time.Duration
	WarnAfter     int
	MaxAttempts   int

	Paused *atomic.Bool
	Exit   func(code int)
	Logf   func(format string, args ...interface{})
}

// Monitor is the running lifecycle monitor of one worker.
type Monitor struct {
	cfg  Config
	conn *net.UnixConn
	path string
	logf func(format string, args ...interface{})

	pauseIsLock    bool
	toggledAtStart bool

	registeredMu    sync.Mutex
	registered      []string
	registrationErr error

	exitOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	signals  chan os.Signal
}

// SocketPath returns the aux endpoint of worker pid.
func SocketPath(runtimeDir string, pid int) string {
	return filepath.Join(runtimeDir, "aux-"+strconv.Itoa(pid)+".sock")
}

// Send delivers one control message to worker pid.
func Send(runtimeDir string, pid int, msg string) error {
	addr := &net.UnixAddr{Name: SocketPath(runtimeDir, pid), Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return fmt.Errorf("dial aux endpoint of pid %d: %w", pid, err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send aux message to pid %d: %w", pid, err)
	}
	return nil
}

// Start opens the endpoint and starts watching. It returns once the endpoint
// is reachable; key registration continues in the background.
func Start(ctx context.Context, cfg Config) (*Monitor, error) {
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Paused == nil {
		cfg.Paused = new(atomic.Bool)
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	path := SocketPath(cfg.RuntimeDir, cfg.PID)
	_ = os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen aux endpoint: %w", err)
	}

	m := &Monitor{
		cfg:    cfg,
		conn:   conn,
		path:   path,
		logf:   cfg.Logf,
		stopCh: make(chan struct{}),
	}

	if cfg.PauseKey != "" && hotkey.IsLockKey(cfg.PauseKey) && cfg.Registry != nil {
		m.pauseIsLock = true
		m.toggledAtStart, _ = cfg.Registry.LockState(cfg.PauseKey)
	}

	if cfg.HostPID > 0 {
		h, err := proc.Open(cfg.HostPID)
		if err != nil {
			conn.Close()
			_ = os.Remove(path)
			m.logf("aux monitor: host pid %d is gone", cfg.HostPID)
			m.exit(exitcode.HostDied, "host not running")
			return nil, fmt.Errorf("watch host: %w", err)
		}
		m.wg.Add(1)
		go m.watchHost(ctx, h)
	}

	m.signals = make(chan os.Signal, 2)
	signal.Notify(m.signals, syscall.SIGPWR, syscall.SIGTERM)
	m.wg.Add(2)
	go m.readLoop()
	go m.signalLoop()

	if cfg.Registry != nil {
		keys := map[string]int{}
		if cfg.PauseKey != "" && !m.pauseIsLock {
			keys[cfg.PauseKey] = HotkeyPauseBase
		}
		if cfg.ExitKey != "" {
			keys[cfg.ExitKey] = HotkeyExitBase
		}
		for key, id := range keys {
			m.wg.Add(1)
			go m.registerKey(key, id)
		}
	}
	return m, nil
}

// Addr returns the aux endpoint path.
func (m *Monitor) Addr() string { return m.path }

// Paused reports whether the task should pause. For a lock-style pause key
// the pause flag is combined with the key's toggle state relative to the
// state it had when the task started.
func (m *Monitor) Paused() bool {
	paused := m.cfg.Paused.Load()
	if m.pauseIsLock {
		on, err := m.cfg.Registry.LockState(m.cfg.PauseKey)
		if err == nil && on != m.toggledAtStart {
			paused = !paused
		}
	}
	return paused
}

// TogglePause flips the pause flag and returns the new effective state.
func (m *Monitor) TogglePause() bool {
	for {
		old := m.cfg.Paused.Load()
		if m.cfg.Paused.CompareAndSwap(old, !old) {
			break
		}
	}
	return m.Paused()
}

// Registered returns the keys this monitor currently owns.
func (m *Monitor) Registered() []string {
	m.registeredMu.Lock()
	defer m.registeredMu.Unlock()
	return append([]string(nil), m.registered...)
}

// Stop closes the endpoint and releases keys. It does not exit the process.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		signal.Stop(m.signals)
		m.conn.Close()
		m.wg.Wait()
		_ = os.Remove(m.path)
		if m.cfg.Registry != nil && len(m.Registered()) > 0 {
			_ = m.cfg.Registry.Unregister(m.cfg.PID)
		}
	})
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Monitor) exit(code int, reason string) {
	m.exitOnce.Do(func() {
		m.logf("aux monitor: exiting with code %d: %s", code, reason)
		m.cfg.Exit(code)
	})
}

func (m *Monitor) watchHost(ctx context.Context, h *proc.Handle) {
	defer m.wg.Done()
	defer h.Close()
	select {
	case <-h.Done():
		m.exit(exitcode.HostDied, "host process ended")
	case <-m.stopCh:
	case <-ctx.Done():
	}
}

func (m *Monitor) signalLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case sig := <-m.signals:
			switch sig {
			case syscall.SIGPWR:
				m.handle(MsgSuspend)
			case syscall.SIGTERM:
				m.exit(exitcode.Ended, "terminated")
			}
		}
	}
}

func (m *Monitor) readLoop() {
	defer m.wg.Done()
	buf := make([]byte, 4096)
	for !m.stopped() {
		_ = m.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, _, err := m.conn.ReadFromUnix(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !m.stopped() {
				m.logf("aux monitor read failed: %v", err)
			}
			return
		}
		m.handle(string(buf[:n]))
	}
}

// handle applies one control message.
func (m *Monitor) handle(msg string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(msg), " ")
	switch cmd {
	case MsgClose:
		m.exit(exitcode.Ended, "end requested")
	case MsgHotkey:
		id, err := strconv.Atoi(arg)
		if err != nil {
			m.logf("aux monitor: bad hotkey id %q", arg)
			return
		}
		switch {
		case id >= HotkeyPauseBase && id < HotkeyExitBase:
			m.logf("aux monitor: pause toggled, paused=%v", m.TogglePause())
		case id >= HotkeyExitBase && id < HotkeyLimit:
			m.exit(exitcode.Ended, "exit key pressed")
		default:
			m.logf("aux monitor: hotkey id %d out of range", id)
		}
	case MsgSuspend:
		if m.cfg.ExitOnSuspend {
			m.exit(exitcode.Ended, "computer is going to sleep")
		}
	case MsgLock:
		if m.cfg.ExitOnLock {
			m.exit(exitcode.Ended, "session locked")
		}
	case MsgSetenv:
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			m.logf("aux monitor: bad setenv %q", arg)
			return
		}
		_ = os.Setenv(k, v)
	case MsgPing, "":
	default:
		m.logf("aux monitor: unknown message %q", cmd)
	}
}

// registerKey claims key, retrying while another live process owns it.
func (m *Monitor) registerKey(key string, id int) {
	defer m.wg.Done()
	for attempt := 1; ; attempt++ {
		err := m.cfg.Registry.Register(key, m.cfg.PID, id)
		if err == nil {
			m.registeredMu.Lock()
			m.registered = append(m.registered, key)
			m.registeredMu.Unlock()
			if attempt > m.cfg.WarnAfter {
				m.logf("aux monitor: registered hotkey %s after %d attempts", key, attempt)
			}
			return
		}
		if !errors.Is(err, hotkey.ErrKeyTaken) {
			m.setRegistrationErr(err)
			m.logf("aux monitor: cannot register hotkey %s: %v", key, err)
			return
		}
		if attempt == m.cfg.WarnAfter {
			m.logf("aux monitor: warning: failed to register hotkey %s; will retry while it is used by another task", key)
		}
		if attempt >= m.cfg.MaxAttempts {
			m.setRegistrationErr(err)
			m.logf("aux monitor: giving up on hotkey %s", key)
			return
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.RetryInterval):
		}
	}
}

// RegistrationError returns the last permanent key registration failure.
func (m *Monitor) RegistrationError() error {
	m.registeredMu.Lock()
	defer m.registeredMu.Unlock()
	return m.registrationErr
}

func (m *Monitor) setRegistrationErr(err error) {
	m.registeredMu.Lock()
	m.registrationErr = err
	m.registeredMu.Unlock()
}
