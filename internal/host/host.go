// Package host is the long-lived task host: it owns the control endpoint,
// resolves run targets in the workspace, applies ifRunning policies, starts
// workers (through a preloaded slot when one is ready), reaps them, and
// records their history.
package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/config"
	"github.com/victorarias/taskhost/internal/handoff"
	"github.com/victorarias/taskhost/internal/logging"
	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/store"
)

const (
	maxRequest       = 1 << 20
	defaultEndGrace  = time.Second
	killWait         = 2 * time.Second
	maxExitCodeWait  = 60 * time.Second
	defaultHistLimit = 50
)

// requestDeadline bounds reading a request and writing its reply. Executing
// the request is not bounded by it: host extensions and exit_code waits can
// take longer.
var requestDeadline = 30 * time.Second

// Options configures a Host.
type Options struct {
	Workspace  string
	RuntimeDir string
	// ID names the control socket; defaults to the process id.
	ID int
	// WSPort enables the event websocket on 127.0.0.1 when non-empty.
	WSPort string
	// DBPath enables persistent history when non-empty.
	DBPath       string
	Preload      bool
	Portable     bool
	PipeTimeout  time.Duration
	DrainTimeout time.Duration
	// WorkerCommand is the argv prefix used to start workers; "worker" and
	// the worker flags are appended. Defaults to this executable.
	WorkerCommand []string
	// WorkerEnv is appended to the environment of every worker.
	WorkerEnv []string
	EndGrace  time.Duration
	Logger    *logging.Logger
}

// OptionsFromConfig fills Options from the config package.
func OptionsFromConfig() Options {
	return Options{
		Workspace:    config.Workspace(),
		RuntimeDir:   config.RuntimeDir(),
		WSPort:       config.WSPort(),
		DBPath:       config.DBPath(),
		Preload:      config.PreloadEnabled(),
		Portable:     config.Portable(),
		PipeTimeout:  config.PreloadPipeTimeout(),
		DrainTimeout: config.HandoffDrainTimeout(),
	}
}

// task is a running worker.
type task struct {
	info  protocol.TaskInfo
	proc  *workerProcess
	ended chan struct{}
}

// deferredRun is a run postponed by the wait policy.
type deferredRun struct {
	target *target
	msg    protocol.RunMessage
}

// Host runs tasks for clients.
type Host struct {
	opts        Options
	pid         int
	id          int // message target id
	socketPath  string
	pointerPath string

	ctx    context.Context
	cancel context.CancelFunc

	listener   net.Listener
	httpServer *http.Server
	wsHub      *wsHub
	store      *store.Store
	block      *handoff.Block
	preload    *preload.Manager
	spawner    *spawner
	logger     *logging.Logger

	done     chan struct{}
	ready    chan struct{}
	stopOnce sync.Once

	// runMu serializes policy decisions and launches.
	runMu sync.Mutex

	mu       sync.Mutex
	tasks    map[int]*task
	deferred []deferredRun // newest first
}

// New prepares a host. Nothing listens until Start.
func New(opts Options) (*Host, error) {
	if opts.RuntimeDir == "" {
		return nil, errors.New("runtime dir is required")
	}
	if opts.Workspace != "" {
		abs, err := filepath.Abs(opts.Workspace)
		if err != nil {
			return nil, err
		}
		opts.Workspace = abs
	}
	if opts.EndGrace <= 0 {
		opts.EndGrace = defaultEndGrace
	}
	if len(opts.WorkerCommand) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		opts.WorkerCommand = []string{exe}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	pid := os.Getpid()
	id := opts.ID
	if id == 0 {
		id = pid
	}

	st := store.New()
	if opts.DBPath != "" {
		dbStore, err := store.NewWithDB(opts.DBPath)
		if err != nil {
			logger.Warnf("Failed to open DB at %s: %v (using in-memory)", opts.DBPath, err)
		} else {
			st = dbStore
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		opts:        opts,
		pid:         pid,
		id:          id,
		socketPath:  config.ControlSocketPath(opts.RuntimeDir, id),
		pointerPath: filepath.Join(opts.RuntimeDir, "host.json"),
		ctx:         ctx,
		cancel:      cancel,
		wsHub:       newWSHub(),
		store:       st,
		logger:      logger,
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		tasks:       make(map[int]*task),
	}
	h.wsHub.logf = logger.Debugf
	h.spawner = &spawner{
		argv:   opts.WorkerCommand,
		logDir: filepath.Join(opts.RuntimeDir, "logs"),
		env: append([]string{
			"TASKHOST_RUNTIME_DIR=" + opts.RuntimeDir,
			"TASKHOST_HOST_PID=" + strconv.Itoa(pid),
		}, opts.WorkerEnv...),
		logf:   logger.Warnf,
	}
	return h, nil
}

// SocketPath is the control endpoint.
func (h *Host) SocketPath() string { return h.socketPath }

// Ready is closed once Start is accepting connections.
func (h *Host) Ready() <-chan struct{} { return h.ready }

// PID is the host process id.
func (h *Host) PID() int { return h.pid }

// ID is the message target id workers use to reach the control socket.
func (h *Host) ID() int { return h.id }

// Start listens and serves until Stop. It returns once the listener is
// closed.
func (h *Host) Start() error {
	if err := os.MkdirAll(h.opts.RuntimeDir, 0700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	// Remove stale socket
	os.Remove(h.socketPath)

	listener, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return err
	}
	h.listener = listener

	h.block, err = handoff.Create(handoff.DefaultPath(h.opts.RuntimeDir, h.pid))
	if err != nil {
		h.logger.Warnf("handoff block unavailable, preloading disabled: %v", err)
	}
	h.preload = preload.NewManager(preload.Config{
		Dir:          h.opts.RuntimeDir,
		HostPID:      h.pid,
		Block:        h.block,
		Spawn:        h.spawner.spawn,
		Enabled:      h.opts.Preload,
		PipeTimeout:  h.opts.PipeTimeout,
		DrainTimeout: h.opts.DrainTimeout,
		Logf:         h.logger.Infof,
	})
	if h.opts.Preload && h.block != nil {
		go func() {
			if err := h.preload.Prepare(); err != nil {
				h.logger.Warnf("preload: first slot failed: %v", err)
			}
		}()
	}

	pointer := client.NewHostPointer(h.pid, h.id, h.socketPath, h.opts.Workspace)
	if err := client.WriteHostPointer(h.pointerPath, pointer); err != nil {
		h.logger.Warnf("write host pointer: %v", err)
	}

	if h.opts.WSPort != "" {
		h.startHTTPServer()
	}

	h.logger.Infof("host started: pid=%d socket=%s workspace=%s", h.pid, h.socketPath, h.opts.Workspace)
	close(h.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-h.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logger.Warnf("accept error: %v", err)
			continue
		}
		go h.handleConnection(conn)
	}
}

// Stop ends every task, kills the standby slot and releases all endpoints.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.logger.Info("host stopping")
		close(h.done)
		if h.listener != nil {
			h.listener.Close()
		}
		if h.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			h.httpServer.Shutdown(ctx)
			cancel()
		}
		h.wsHub.closeAll()
		if h.preload != nil {
			h.preload.Close()
		}

		h.mu.Lock()
		h.deferred = nil
		running := make([]*task, 0, len(h.tasks))
		for _, t := range h.tasks {
			running = append(running, t)
		}
		h.mu.Unlock()
		var wg sync.WaitGroup
		for _, t := range running {
			wg.Add(1)
			go func(t *task) {
				defer wg.Done()
				h.endTask(t)
			}(t)
		}
		wg.Wait()

		h.cancel()
		if h.block != nil {
			h.block.Remove()
		}
		os.Remove(h.socketPath)
		client.RemoveHostPointer(h.pointerPath, h.pid)
		h.store.Close()
	})
}

func (h *Host) startHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)

	srv := &http.Server{
		Addr:    "127.0.0.1:" + h.opts.WSPort,
		Handler: mux,
	}
	h.httpServer = srv
	h.logger.Infof("WebSocket server starting on ws://127.0.0.1:%s/ws", h.opts.WSPort)
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			h.logger.Warnf("HTTP server error: %v", err)
		}
	}()
}

func (h *Host) handleConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestDeadline))

	line, err := bufio.NewReader(io.LimitReader(conn, maxRequest+1)).ReadBytes('\n')
	if len(line) > maxRequest {
		h.send(conn, protocol.Response{Error: "request too large"})
		return
	}
	if err != nil && len(line) == 0 {
		return
	}

	_ = conn.SetDeadline(time.Time{})
	resp := h.dispatch(line)
	_ = conn.SetWriteDeadline(time.Now().Add(requestDeadline))
	h.send(conn, resp)
}

// dispatch parses one request and executes it.
func (h *Host) dispatch(data []byte) protocol.Response {
	cmd, msg, err := protocol.ParseMessage(data)
	if err != nil {
		return protocol.Response{Error: err.Error()}
	}

	switch cmd {
	case protocol.CmdRun, protocol.CmdRunCL:
		return protocol.Response{OK: true, Result: h.Run(*msg.(*protocol.RunMessage))}
	case protocol.CmdEnd:
		return protocol.Response{OK: true, Result: h.End(msg.(*protocol.EndMessage).Target)}
	case protocol.CmdEndPID:
		if h.EndPID(msg.(*protocol.EndPIDMessage).PID) {
			return protocol.Response{OK: true, Result: protocol.EndEnded}
		}
		return protocol.Response{OK: true, Result: protocol.EndNotFound}
	case protocol.CmdIsRunning:
		running, err := h.IsRunning(msg.(*protocol.IsRunningMessage).Target)
		if err != nil {
			return protocol.Response{OK: true, Result: protocol.ResultNotFound}
		}
		return protocol.Response{OK: true, Running: running, Result: boolResult(running)}
	case protocol.CmdExitCode:
		m := msg.(*protocol.ExitCodeMessage)
		code, err := h.ExitCode(m.PID, time.Duration(m.TimeoutMs)*time.Millisecond)
		if err != nil {
			return protocol.Response{Error: err.Error()}
		}
		return protocol.Response{OK: true, Result: code}
	case protocol.CmdList:
		return protocol.Response{OK: true, Tasks: h.store.List(), HostPID: h.pid}
	case protocol.CmdHistory:
		limit := msg.(*protocol.HistoryMessage).Limit
		if limit <= 0 {
			limit = defaultHistLimit
		}
		hist, err := h.store.History(limit)
		if err != nil {
			return protocol.Response{Error: err.Error()}
		}
		return protocol.Response{OK: true, Finished: hist}
	case protocol.CmdPing:
		return protocol.Response{OK: true, HostPID: h.pid}
	}
	return protocol.Response{Error: "unknown command"}
}

func (h *Host) send(conn net.Conn, resp protocol.Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		h.logger.Debugf("send response: %v", err)
	}
}

func boolResult(b bool) int {
	if b {
		return 1
	}
	return 0
}
