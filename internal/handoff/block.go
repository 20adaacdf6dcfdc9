// Package handoff implements the shared block a host uses to hand bootstrap
// parameters to a pre-warmed worker.
//
// The block is a fixed-size file mapped into both processes. The host writes
// a new generation with the not-yet-received flag set, then signals the
// worker out of band. The worker verifies the generation it was signalled
// with, copies the fields, and clears the flag. The host does not write the
// next generation until the flag is clear or the drain timeout expires.
package handoff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
)

const (
	Magic   uint32 = 0x4B534154
	Version uint32 = 1

	PipeNameCap  = 64
	WorkspaceCap = 1024

	offMagic        = 0
	offVersion      = 4
	offGeneration   = 8
	offFlags        = 12
	offHostPID      = 16
	offMsgTarget    = 20
	offMainScript   = 24
	offPipeNameLen  = 28
	offPipeName     = 32
	offWorkspaceLen = offPipeName + PipeNameCap*2
	offWorkspace    = offWorkspaceLen + 4

	// Size is the total byte size of the block.
	Size = offWorkspace + WorkspaceCap*2
)

// Flags stored in the block.
const (
	FlagNotYetReceived int32 = 1
	FlagTesting        int32 = 2
	FlagPortable       int32 = 4
	FlagHasResultPipe  int32 = 8
)

var (
	ErrLayoutMismatch     = errors.New("handoff block layout mismatch")
	ErrFieldTooLong       = errors.New("handoff field too long")
	ErrGenerationMismatch = errors.New("handoff generation mismatch")
	ErrAlreadyReceived    = errors.New("handoff already received")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Data is the content of one handoff generation.
type Data struct {
	Generation      uint32
	Flags           int32
	HostPID         int32
	MessageTargetID int32
	MainScriptID    uint32
	PipeName        string
	Workspace       string
}

// HasResultPipe reports whether a result channel name is present.
func (d Data) HasResultPipe() bool { return d.Flags&FlagHasResultPipe != 0 }

// Testing reports whether the task was started as a test run.
func (d Data) Testing() bool { return d.Flags&FlagTesting != 0 }

// Portable reports whether the host runs in portable mode.
func (d Data) Portable() bool { return d.Flags&FlagPortable != 0 }

// DefaultPath returns the block location for a host. /dev/shm is preferred
// so the mapping never touches disk.
func DefaultPath(runtimeDir string, hostPID int) string {
	name := "taskhost-" + strconv.Itoa(hostPID) + ".blk"
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() && unix.Access("/dev/shm", unix.W_OK) == nil {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(runtimeDir, name)
}

// Block is a mapped handoff block.
type Block struct {
	path string
	f    *os.File
	mem  []byte
}

// Create creates (or truncates) the block file and maps it. Used by the host.
func Create(path string) (*Block, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create handoff dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create handoff block: %w", err)
	}
	if err := f.Truncate(Size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size handoff block: %w", err)
	}
	b, err := mapFile(path, f)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(b.mem[offMagic:], Magic)
	binary.LittleEndian.PutUint32(b.mem[offVersion:], Version)
	return b, nil
}

// Open maps an existing block and verifies its layout. Used by workers.
func Open(path string) (*Block, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open handoff block: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() != Size {
		f.Close()
		return nil, fmt.Errorf("%w: size %d", ErrLayoutMismatch, st.Size())
	}
	b, err := mapFile(path, f)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(b.mem[offMagic:]) != Magic ||
		binary.LittleEndian.Uint32(b.mem[offVersion:]) != Version {
		b.Close()
		return nil, ErrLayoutMismatch
	}
	return b, nil
}

func mapFile(path string, f *os.File) (*Block, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map handoff block: %w", err)
	}
	return &Block{path: path, f: f, mem: mem}, nil
}

// Path returns the block file path.
func (b *Block) Path() string { return b.path }

// Close unmaps the block and closes the file.
func (b *Block) Close() error {
	if b == nil || b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove closes the block and deletes its file.
func (b *Block) Remove() error {
	err := b.Close()
	if rerr := os.Remove(b.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

// The generation and flags words are shared across processes and accessed
// atomically. The on-disk layout is little-endian, which matches the native
// order of every architecture this runs on.
func (b *Block) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

// Generation returns the current generation.
func (b *Block) Generation() uint32 {
	return atomic.LoadUint32(b.word(offGeneration))
}

// Flags returns the current flags word.
func (b *Block) Flags() int32 {
	return int32(atomic.LoadUint32(b.word(offFlags)))
}

// Pending reports whether the current generation has not been consumed.
func (b *Block) Pending() bool {
	return b.Flags()&FlagNotYetReceived != 0
}

// WaitDrained waits until the current generation was consumed. It returns
// false when ctx ends first.
func (b *Block) WaitDrained(ctx context.Context) bool {
	for b.Pending() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

// Publish writes d as the next generation with the not-yet-received flag
// set and returns the new generation number.
func (b *Block) Publish(d Data) (uint32, error) {
	pipe, err := encodeField(d.PipeName, PipeNameCap)
	if err != nil {
		return 0, fmt.Errorf("pipe name: %w", err)
	}
	ws, err := encodeField(d.Workspace, WorkspaceCap)
	if err != nil {
		return 0, fmt.Errorf("workspace: %w", err)
	}

	le := binary.LittleEndian
	le.PutUint32(b.mem[offHostPID:], uint32(d.HostPID))
	le.PutUint32(b.mem[offMsgTarget:], uint32(d.MessageTargetID))
	le.PutUint32(b.mem[offMainScript:], d.MainScriptID)
	le.PutUint32(b.mem[offPipeNameLen:], uint32(len(pipe)/2))
	clear(b.mem[offPipeName:offWorkspaceLen])
	copy(b.mem[offPipeName:], pipe)
	le.PutUint32(b.mem[offWorkspaceLen:], uint32(len(ws)/2))
	clear(b.mem[offWorkspace:Size])
	copy(b.mem[offWorkspace:], ws)

	flags := d.Flags | FlagNotYetReceived
	if d.PipeName != "" {
		flags |= FlagHasResultPipe
	} else {
		flags &^= FlagHasResultPipe
	}
	atomic.StoreUint32(b.word(offFlags), uint32(flags))
	gen := b.Generation() + 1
	if gen == 0 {
		gen = 1
	}
	atomic.StoreUint32(b.word(offGeneration), gen)
	return gen, nil
}

// Receive reads generation gen and clears the not-yet-received flag. It fails
// if the block holds a different generation or the flag is already clear.
func (b *Block) Receive(gen uint32) (Data, error) {
	if cur := b.Generation(); cur != gen {
		return Data{}, fmt.Errorf("%w: signalled %d, block has %d", ErrGenerationMismatch, gen, cur)
	}
	d, err := b.read()
	if err != nil {
		return Data{}, err
	}
	for {
		old := atomic.LoadUint32(b.word(offFlags))
		if int32(old)&FlagNotYetReceived == 0 {
			return Data{}, ErrAlreadyReceived
		}
		if atomic.CompareAndSwapUint32(b.word(offFlags), old, old&^uint32(FlagNotYetReceived)) {
			break
		}
	}
	// A publish between the read and the clear would change the generation.
	if cur := b.Generation(); cur != gen {
		return Data{}, fmt.Errorf("%w: changed to %d while reading", ErrGenerationMismatch, cur)
	}
	return d, nil
}

// Snapshot reads the block without consuming it.
func (b *Block) Snapshot() (Data, error) {
	return b.read()
}

func (b *Block) read() (Data, error) {
	le := binary.LittleEndian
	d := Data{
		Generation:      b.Generation(),
		Flags:           b.Flags(),
		HostPID:         int32(le.Uint32(b.mem[offHostPID:])),
		MessageTargetID: int32(le.Uint32(b.mem[offMsgTarget:])),
		MainScriptID:    le.Uint32(b.mem[offMainScript:]),
	}
	var err error
	if d.PipeName, err = decodeField(b.mem[offPipeNameLen:], b.mem[offPipeName:offWorkspaceLen], PipeNameCap); err != nil {
		return Data{}, fmt.Errorf("pipe name: %w", err)
	}
	if d.Workspace, err = decodeField(b.mem[offWorkspaceLen:], b.mem[offWorkspace:Size], WorkspaceCap); err != nil {
		return Data{}, fmt.Errorf("workspace: %w", err)
	}
	return d, nil
}

func encodeField(s string, capUnits int) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	if len(enc)/2 > capUnits {
		return nil, fmt.Errorf("%w: %d units, max %d", ErrFieldTooLong, len(enc)/2, capUnits)
	}
	return enc, nil
}

func decodeField(lenWord, field []byte, capUnits int) (string, error) {
	n := int(int32(binary.LittleEndian.Uint32(lenWord)))
	if n < 0 || n > capUnits {
		return "", fmt.Errorf("%w: length %d", ErrLayoutMismatch, n)
	}
	if n == 0 {
		return "", nil
	}
	dec, err := utf16le.NewDecoder().Bytes(field[:n*2])
	if err != nil {
		return "", err
	}
	return string(dec), nil
}
