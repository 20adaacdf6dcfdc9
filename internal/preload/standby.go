package preload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/victorarias/taskhost/internal/handoff"
)

const dialRetry = 10 * time.Millisecond

var ErrHandoffMismatch = errors.New("handoff block disagrees with launch payload")

// Standby is the worker side of a slot: initialized, waiting to be woken.
type Standby struct {
	pipe  string
	fifo  string
	block *handoff.Block
}

// OpenStandby maps the handoff block so waking needs no further setup.
func OpenStandby(pipe, fifo, blockPath string) (*Standby, error) {
	b, err := handoff.Open(blockPath)
	if err != nil {
		return nil, err
	}
	return &Standby{pipe: pipe, fifo: fifo, block: b}, nil
}

// Close unmaps the block.
func (s *Standby) Close() error {
	return s.block.Close()
}

// Wait blocks until the host wakes this slot, then receives the handoff
// generation and fetches the launch payload.
func (s *Standby) Wait(ctx context.Context, pipeTimeout time.Duration) (Launch, handoff.Data, error) {
	type wake struct {
		gen uint32
		err error
	}
	woke := make(chan wake, 1)
	go func() {
		gen, err := readWake(s.fifo)
		woke <- wake{gen, err}
	}()

	var w wake
	select {
	case w = <-woke:
	case <-ctx.Done():
		// Unblock the pending open so the reader goroutine finishes.
		if fd, err := unix.Open(s.fifo, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0); err == nil {
			unix.Close(fd)
		}
		return Launch{}, handoff.Data{}, ctx.Err()
	}
	if w.err != nil {
		return Launch{}, handoff.Data{}, w.err
	}

	d, err := s.block.Receive(w.gen)
	if err != nil {
		return Launch{}, handoff.Data{}, err
	}
	l, err := Fetch(ctx, s.pipe, pipeTimeout)
	if err != nil {
		return Launch{}, d, err
	}
	if l.ResultPipe != d.PipeName || l.MainScriptID != d.MainScriptID {
		return Launch{}, d, ErrHandoffMismatch
	}
	return l, d, nil
}

func readWake(path string) (uint32, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open wake fifo: %w", err)
	}
	defer f.Close()
	var word [4]byte
	if _, err := io.ReadFull(f, word[:]); err != nil {
		return 0, fmt.Errorf("read wake generation: %w", err)
	}
	return binary.LittleEndian.Uint32(word[:]), nil
}

// Fetch connects to the host's pipe and reads the launch payload.
func Fetch(ctx context.Context, pipe string, timeout time.Duration) (Launch, error) {
	if timeout <= 0 {
		timeout = defaultPipeWait
	}
	deadline := time.Now().Add(timeout)
	var conn net.Conn
	for {
		var err error
		conn, err = net.DialTimeout("unix", pipe, time.Until(deadline))
		if err == nil {
			break
		}
		retryable := errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
		if !retryable || time.Now().Add(dialRetry).After(deadline) {
			return Launch{}, fmt.Errorf("connect host pipe: %w", err)
		}
		select {
		case <-ctx.Done():
			return Launch{}, ctx.Err()
		case <-time.After(dialRetry):
		}
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(deadline.Add(payloadWriteLimit))
	return ReadPayload(conn)
}
