// Package resultpipe streams text results from a worker back to the caller
// that started it.
//
// The caller owns a named unix socket and listens on it before asking the
// host to start the task. The worker connects once per message, writes the
// UTF-16LE encoded text and closes; end of stream on a connection marks the
// end of that message. The caller keeps accepting until the worker exits and
// any already-connected messages have been drained.
package resultpipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

const (
	readChunkSize   = 7900
	acceptPoll      = 100 * time.Millisecond
	readPoll        = 250 * time.Millisecond
	dialRetry       = 10 * time.Millisecond
	DefaultDrain    = 150 * time.Millisecond
	DefaultConnWait = 3 * time.Second
)

var ErrNoPipe = errors.New("no result pipe")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// NewName returns a fresh channel name. It fits the handoff block's
// 64-unit pipe name field.
func NewName() string {
	return "tr-" + uuid.NewString()
}

// Path maps a channel name to its socket path under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Reader is the listening side of a result channel.
type Reader struct {
	name  string
	path  string
	ln    *net.UnixListener
	drain time.Duration
	logf  func(format string, args ...interface{})
}

// Listen creates a result channel with a fresh name in dir.
func Listen(dir string, logf func(format string, args ...interface{})) (*Reader, error) {
	return ListenName(dir, NewName(), logf)
}

// ListenName creates a result channel with the given name in dir.
func ListenName(dir, name string, logf func(format string, args ...interface{})) (*Reader, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	path := Path(dir, name)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen result pipe: %w", err)
	}
	ln.SetUnlinkOnClose(true)
	return &Reader{name: name, path: path, ln: ln, drain: DefaultDrain, logf: logf}, nil
}

// Name returns the channel name to pass to the worker.
func (r *Reader) Name() string { return r.name }

// Path returns the socket path.
func (r *Reader) Path() string { return r.path }

// SetDrain changes how long the reader keeps accepting after the worker exits.
func (r *Reader) SetDrain(d time.Duration) { r.drain = d }

// Close closes the listener and removes the socket file.
func (r *Reader) Close() error {
	err := r.ln.Close()
	_ = os.Remove(r.path)
	return err
}

// Drain delivers messages to onMessage, in connection order, until exited
// is closed and no connected message remains. Accept and read failures end
// the stream quietly. Only ctx cancellation is returned as an error.
func (r *Reader) Drain(ctx context.Context, exited <-chan struct{}, onMessage func(string)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = r.ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := r.ln.AcceptUnix()
		if err == nil {
			if !r.readMessage(ctx, conn, onMessage) {
				return ctx.Err()
			}
			continue
		}
		if !isTimeout(err) {
			r.logf("result pipe accept failed: %v", err)
			return nil
		}
		select {
		case <-exited:
			r.drainPending(ctx, onMessage)
			return ctx.Err()
		default:
		}
	}
}

// drainPending reads messages that were connected before the worker exited.
func (r *Reader) drainPending(ctx context.Context, onMessage func(string)) {
	for ctx.Err() == nil {
		_ = r.ln.SetDeadline(time.Now().Add(r.drain))
		conn, err := r.ln.AcceptUnix()
		if err != nil {
			return
		}
		if !r.readMessage(ctx, conn, onMessage) {
			return
		}
	}
}

// readMessage reads one connection to EOF. It returns false only if ctx ended.
func (r *Reader) readMessage(ctx context.Context, conn *net.UnixConn, onMessage func(string)) bool {
	defer conn.Close()
	var msg []byte
	buf := make([]byte, readChunkSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := conn.Read(buf)
		msg = append(msg, buf[:n]...)
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if ctx.Err() != nil {
				return false
			}
			continue
		}
		break
	}
	if len(msg) == 0 {
		return true
	}
	if len(msg)%2 != 0 {
		r.logf("result pipe: dropping odd trailing byte of %d-byte message", len(msg))
		msg = msg[:len(msg)-1]
	}
	text, err := utf16le.NewDecoder().Bytes(msg)
	if err != nil {
		r.logf("result pipe decode failed: %v", err)
		return true
	}
	onMessage(string(text))
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Write sends one message to the channel at path, waiting up to connWait for
// the reader to accept. It reports success instead of failing loudly: the
// caller may have stopped listening, which is not an error for the worker.
func Write(path, text string, connWait time.Duration) bool {
	if path == "" {
		return false
	}
	if text == "" {
		return true
	}
	payload, err := utf16le.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return false
	}
	conn, err := dialWithin(path, connWait)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(connWait + 10*time.Second))
	for len(payload) > 0 {
		n, err := conn.Write(payload)
		if err != nil {
			return false
		}
		payload = payload[n:]
	}
	return true
}

func dialWithin(path string, wait time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(wait)
	for {
		conn, err := net.DialTimeout("unix", path, time.Until(deadline))
		if err == nil {
			return conn, nil
		}
		retryable := errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EAGAIN)
		if !retryable || time.Now().Add(dialRetry).After(deadline) {
			return nil, err
		}
		time.Sleep(dialRetry)
	}
}

// Writer writes to one channel by name.
type Writer struct {
	dir      string
	name     string
	connWait time.Duration
}

// NewWriter returns a writer for the channel name in dir. An empty name
// yields a writer whose writes always fail.
func NewWriter(dir, name string, connWait time.Duration) *Writer {
	if connWait <= 0 {
		connWait = DefaultConnWait
	}
	return &Writer{dir: dir, name: name, connWait: connWait}
}

// Name returns the channel name.
func (w *Writer) Name() string { return w.name }

// WriteResult sends text as one message.
func (w *Writer) WriteResult(text string) bool {
	if w == nil || w.name == "" {
		return false
	}
	if text == "" {
		return true
	}
	return Write(Path(w.dir, w.name), text, w.connWait)
}
