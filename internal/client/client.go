package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/victorarias/taskhost/internal/config"
	"github.com/victorarias/taskhost/internal/protocol"
)

// ErrNoHost means no host is listening on the control endpoint.
var ErrNoHost = errors.New("task host is not running")

const (
	dialTimeout    = 2 * time.Second
	requestTimeout = 30 * time.Second
)

// DefaultSocketPath returns the control endpoint of the running host, or ""
// if no host has registered.
func DefaultSocketPath() string {
	p, err := ReadHostPointer(config.HostPointerPath())
	if err != nil {
		return ""
	}
	return p.SocketPath
}

// Client communicates with the host
type Client struct {
	socketPath string
}

// New creates a new client
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{socketPath: socketPath}
}

// SocketPath returns the endpoint this client talks to.
func (c *Client) SocketPath() string { return c.socketPath }

// send sends a message and receives a response
func (c *Client) send(msg interface{}) (*protocol.Response, error) {
	return c.sendWithin(msg, requestTimeout)
}

// sendWithin is send with a custom response deadline. Zero waits for as
// long as the host takes.
func (c *Client) sendWithin(msg interface{}, timeout time.Duration) (*protocol.Response, error) {
	if c.socketPath == "" {
		return nil, ErrNoHost
	}
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %v", ErrNoHost, err)
		}
		return nil, fmt.Errorf("connect to host: %w", err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}

	if !resp.OK {
		return nil, fmt.Errorf("host error: %s", resp.Error)
	}

	return &resp, nil
}

// Run asks the host to start a task and returns the run result code.
func (c *Client) Run(msg protocol.RunMessage) (int, error) {
	if msg.Cmd == "" {
		msg.Cmd = protocol.CmdRun
	}
	if msg.CallerPID == 0 {
		msg.CallerPID = os.Getpid()
	}
	if err := msg.Validate(); err != nil {
		return protocol.ResultFailed, err
	}
	// Host extensions run before the reply is sent, for as long as they take.
	resp, err := c.sendWithin(msg, 0)
	if err != nil {
		if errors.Is(err, ErrNoHost) {
			return protocol.ResultNoHost, err
		}
		return protocol.ResultFailed, err
	}
	return resp.Result, nil
}

// End ends all running instances of target.
func (c *Client) End(target string) (int, error) {
	resp, err := c.send(protocol.EndMessage{Cmd: protocol.CmdEnd, Target: target})
	if err != nil {
		return protocol.EndNotFound, err
	}
	return resp.Result, nil
}

// EndPID ends the task running in worker pid.
func (c *Client) EndPID(pid int) (bool, error) {
	resp, err := c.send(protocol.EndPIDMessage{Cmd: protocol.CmdEndPID, PID: pid})
	if err != nil {
		return false, err
	}
	return resp.Result == protocol.EndEnded, nil
}

// IsRunning reports whether any instance of target is running.
func (c *Client) IsRunning(target string) (bool, error) {
	resp, err := c.send(protocol.IsRunningMessage{Cmd: protocol.CmdIsRunning, Target: target})
	if err != nil {
		return false, err
	}
	return resp.Running, nil
}

// ExitCode returns the exit code of a worker the host started, waiting up to
// timeout for the host to reap it.
func (c *Client) ExitCode(pid int, timeout time.Duration) (int, error) {
	msg := protocol.ExitCodeMessage{Cmd: protocol.CmdExitCode, PID: pid, TimeoutMs: int(timeout / time.Millisecond)}
	resp, err := c.sendWithin(msg, timeout+requestTimeout)
	if err != nil {
		return 0, err
	}
	return resp.Result, nil
}

// List returns running tasks.
func (c *Client) List() ([]protocol.TaskInfo, error) {
	resp, err := c.send(protocol.ListMessage{Cmd: protocol.CmdList})
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// History returns recently finished tasks, newest first.
func (c *Client) History(limit int) ([]protocol.TaskInfo, error) {
	resp, err := c.send(protocol.HistoryMessage{Cmd: protocol.CmdHistory, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Finished, nil
}

// Ping checks the host and returns its pid.
func (c *Client) Ping() (int, error) {
	resp, err := c.send(protocol.PingMessage{Cmd: protocol.CmdPing})
	if err != nil {
		return 0, err
	}
	return resp.HostPID, nil
}
