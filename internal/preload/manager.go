// Package preload starts tasks in worker processes, preferring a pre-warmed
// standby worker (a slot) over a fresh process.
//
// A slot is spawned ahead of demand, performs its one-time initialization
// and then blocks opening its wake FIFO for reading. To launch a task the
// host opens the FIFO without blocking (no reader means the slot is not
// ready), publishes a handoff generation, writes the generation number to
// the FIFO, and hands the full launch payload over the slot's pipe. If any
// step fails the host kills the slot and starts a fresh worker instead.
package preload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/victorarias/taskhost/internal/handoff"
)

const (
	acceptPoll        = 50 * time.Millisecond
	defaultPipeWait   = 5 * time.Second
	defaultDrainWait  = 2 * time.Second
	payloadWriteLimit = 5 * time.Second
)

var (
	ErrSlotNotReady = errors.New("slot is not waiting")
	ErrSlotExited   = errors.New("worker exited before connecting")
	ErrPipeTimeout  = errors.New("worker did not connect in time")
)

// Process is a spawned worker as seen by the manager.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Kill()
}

// SpawnFunc starts a worker process with the given worker arguments.
type SpawnFunc func(args ...string) (Process, error)

// Worker command-line flags understood by the worker runtime.
const (
	ArgPipe  = "--pipe"
	ArgWake  = "--wake"
	ArgBlock = "--block"
)

// Config configures a Manager.
type Config struct {
	Dir          string
	HostPID      int
	Block        *handoff.Block
	Spawn        SpawnFunc
	Enabled      bool
	PipeTimeout  time.Duration
	DrainTimeout time.Duration
	Logf         func(format string, args ...interface{})
}

type slot struct {
	id       int
	pipePath string
	fifoPath string
	ln       *net.UnixListener
	proc     Process
}

func (s *slot) close() {
	if s.ln != nil {
		s.ln.Close()
	}
	_ = os.Remove(s.pipePath)
	if s.fifoPath != "" {
		_ = os.Remove(s.fifoPath)
	}
}

func (s *slot) exited() bool {
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

// Manager hands launches to workers. Launches are serialized.
type Manager struct {
	cfg  Config
	logf func(format string, args ...interface{})

	launchMu sync.Mutex

	mu     sync.Mutex
	seq    int
	slot   *slot
	closed bool
}

// NewManager returns a manager. Call Prepare to start the first slot.
func NewManager(cfg Config) *Manager {
	if cfg.PipeTimeout <= 0 {
		cfg.PipeTimeout = defaultPipeWait
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainWait
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	if cfg.Block == nil {
		cfg.Enabled = false
	}
	return &Manager{cfg: cfg, logf: cfg.Logf}
}

func (m *Manager) nextID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *Manager) pipePath(kind string, id int) string {
	return filepath.Join(m.cfg.Dir, kind+"-"+strconv.Itoa(m.cfg.HostPID)+"-"+strconv.Itoa(id)+".sock")
}

func listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	ln.SetUnlinkOnClose(true)
	return ln, nil
}

// Prepare starts a standby slot if none is running.
func (m *Manager) Prepare() error {
	if !m.cfg.Enabled {
		return nil
	}
	m.mu.Lock()
	if m.closed || (m.slot != nil && !m.slot.exited()) {
		m.mu.Unlock()
		return nil
	}
	stale := m.slot
	m.slot = nil
	m.mu.Unlock()
	if stale != nil {
		stale.close()
	}

	id := m.nextID()
	s := &slot{
		id:       id,
		pipePath: m.pipePath("slot", id),
		fifoPath: filepath.Join(m.cfg.Dir, "wake-"+strconv.Itoa(m.cfg.HostPID)+"-"+strconv.Itoa(id)),
	}
	ln, err := listen(s.pipePath)
	if err != nil {
		return fmt.Errorf("listen slot pipe: %w", err)
	}
	s.ln = ln
	_ = os.Remove(s.fifoPath)
	if err := unix.Mkfifo(s.fifoPath, 0600); err != nil {
		s.close()
		return fmt.Errorf("create wake fifo: %w", err)
	}
	p, err := m.cfg.Spawn(ArgPipe, s.pipePath, ArgWake, s.fifoPath, ArgBlock, m.cfg.Block.Path())
	if err != nil {
		s.close()
		return fmt.Errorf("spawn slot: %w", err)
	}
	s.proc = p

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.Kill()
		s.close()
		return nil
	}
	m.slot = s
	m.mu.Unlock()
	m.logf("preload: slot %d started pid=%d", id, p.PID())
	return nil
}

// Launch starts l in a worker and returns the worker process. preloaded
// reports whether a standby slot was used.
func (m *Manager) Launch(ctx context.Context, l Launch) (p Process, preloaded bool, err error) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()

	m.mu.Lock()
	s := m.slot
	m.mu.Unlock()

	if s != nil && !s.exited() {
		err := m.wake(ctx, s, l)
		switch {
		case err == nil:
			m.takeSlot(s, false)
			m.prepareAsync()
			return s.proc, true, nil
		case errors.Is(err, ErrSlotNotReady):
			m.logf("preload: slot %d not ready, starting fresh worker", s.id)
		default:
			m.logf("preload: slot %d handoff failed: %v; starting fresh worker", s.id, err)
			m.takeSlot(s, true)
			m.prepareAsync()
		}
	} else if s != nil {
		m.logf("preload: slot %d exited, discarding", s.id)
		m.takeSlot(s, true)
		m.prepareAsync()
	}

	p, err = m.startFresh(ctx, l)
	return p, false, err
}

// LaunchFresh starts l in a new worker without touching the standby slot.
func (m *Manager) LaunchFresh(ctx context.Context, l Launch) (Process, error) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	return m.startFresh(ctx, l)
}

func (m *Manager) prepareAsync() {
	if !m.cfg.Enabled {
		return
	}
	go func() {
		if err := m.Prepare(); err != nil {
			m.logf("preload: prepare failed: %v", err)
		}
	}()
}

// takeSlot detaches s from the manager, killing it if requested.
func (m *Manager) takeSlot(s *slot, kill bool) {
	m.mu.Lock()
	if m.slot == s {
		m.slot = nil
	}
	m.mu.Unlock()
	if kill {
		s.proc.Kill()
	}
	s.close()
}

func (m *Manager) wake(ctx context.Context, s *slot, l Launch) error {
	fd, err := unix.Open(s.fifoPath, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return ErrSlotNotReady
		}
		return fmt.Errorf("open wake fifo: %w", err)
	}
	fifo := os.NewFile(uintptr(fd), s.fifoPath)
	defer fifo.Close()

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	drained := m.cfg.Block.WaitDrained(drainCtx)
	cancel()
	if !drained {
		m.logf("preload: previous handoff generation %d was never received", m.cfg.Block.Generation())
	}

	var flags int32
	if l.Has(FlagFromEditor) {
		flags |= handoff.FlagTesting
	}
	if l.Has(FlagIsPortable) {
		flags |= handoff.FlagPortable
	}
	gen, err := m.cfg.Block.Publish(handoff.Data{
		Flags:           flags,
		HostPID:         int32(l.HostPID),
		MessageTargetID: int32(l.MessageTargetID),
		MainScriptID:    l.MainScriptID,
		PipeName:        l.ResultPipe,
		Workspace:       l.Workspace,
	})
	if err != nil {
		return fmt.Errorf("publish handoff: %w", err)
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], gen)
	if _, err := fifo.Write(word[:]); err != nil {
		if errors.Is(err, syscall.EPIPE) {
			return ErrSlotExited
		}
		return fmt.Errorf("signal slot: %w", err)
	}

	l.Flags |= FlagPreloaded
	return m.handOver(ctx, s.ln, s.proc, l)
}

func (m *Manager) startFresh(ctx context.Context, l Launch) (Process, error) {
	id := m.nextID()
	path := m.pipePath("fresh", id)
	ln, err := listen(path)
	if err != nil {
		return nil, fmt.Errorf("listen worker pipe: %w", err)
	}
	defer func() {
		ln.Close()
		_ = os.Remove(path)
	}()

	p, err := m.cfg.Spawn(ArgPipe, path)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	l.Flags &^= FlagPreloaded
	if err := m.handOver(ctx, ln, p, l); err != nil {
		p.Kill()
		return nil, err
	}
	return p, nil
}

// handOver waits for p to connect to ln and sends the payload.
func (m *Manager) handOver(ctx context.Context, ln *net.UnixListener, p Process, l Launch) error {
	deadline := time.Now().Add(m.cfg.PipeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-p.Done():
			return ErrSlotExited
		default:
		}
		if time.Now().After(deadline) {
			return ErrPipeTimeout
		}
		_ = ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := ln.AcceptUnix()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept worker: %w", err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(payloadWriteLimit))
		err = WritePayload(conn, l)
		conn.Close()
		return err
	}
}

// SlotPID returns the pid of the standby slot, or 0.
func (m *Manager) SlotPID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return 0
	}
	return m.slot.proc.PID()
}

// Close kills the standby slot and stops preparing new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	s := m.slot
	m.slot = nil
	m.mu.Unlock()
	if s != nil {
		s.proc.Kill()
		s.close()
	}
}
