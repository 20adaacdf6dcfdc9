package preload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/victorarias/taskhost/internal/handoff"
)

type fakeProc struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
	killed atomic.Bool
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Kill() {
	p.killed.Store(true)
	p.cancel()
	p.once.Do(func() { close(p.done) })
}

type received struct {
	launch Launch
	slot   bool
}

// fakeWorkers runs the worker side of the handshake in goroutines.
type fakeWorkers struct {
	mu       sync.Mutex
	pid      int
	got      chan received
	slotMode string // "", "dead", "stall"
	procs    []*fakeProc
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{pid: 1000, got: make(chan received, 8)}
}

func (f *fakeWorkers) spawn(args ...string) (Process, error) {
	f.mu.Lock()
	f.pid++
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProc{pid: f.pid, done: make(chan struct{}), cancel: cancel}
	f.procs = append(f.procs, p)
	mode := f.slotMode
	f.mu.Unlock()

	opts := map[string]string{}
	for i := 0; i+1 < len(args); i += 2 {
		opts[args[i]] = args[i+1]
	}
	finish := func() { p.once.Do(func() { close(p.done) }) }

	if wake, ok := opts[ArgWake]; ok {
		switch mode {
		case "dead":
			finish()
			return p, nil
		case "stall":
			go func() {
				readWake(wake)
				<-ctx.Done()
			}()
			return p, nil
		}
		go func() {
			defer finish()
			st, err := OpenStandby(opts[ArgPipe], wake, opts[ArgBlock])
			if err != nil {
				return
			}
			defer st.Close()
			l, _, err := st.Wait(ctx, time.Second)
			if err == nil {
				f.got <- received{launch: l, slot: true}
			}
		}()
		return p, nil
	}

	go func() {
		defer finish()
		l, err := Fetch(ctx, opts[ArgPipe], time.Second)
		if err == nil {
			f.got <- received{launch: l}
		}
	}()
	return p, nil
}

func (f *fakeWorkers) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-f.got:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("worker never received a launch")
		return received{}
	}
}

func newManager(t *testing.T, f *fakeWorkers, enabled bool) *Manager {
	t.Helper()
	dir := t.TempDir()
	block, err := handoff.Create(filepath.Join(dir, "h.blk"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { block.Close() })
	m := NewManager(Config{
		Dir:          dir,
		HostPID:      4242,
		Block:        block,
		Spawn:        f.spawn,
		Enabled:      enabled,
		PipeTimeout:  300 * time.Millisecond,
		DrainTimeout: 100 * time.Millisecond,
		Logf:         t.Logf,
	})
	t.Cleanup(m.Close)
	return m
}

func sampleLaunch() Launch {
	return Launch{
		Target:       "/ws/hello.lua",
		Name:         "hello",
		Kind:         KindLua,
		Args:         []string{"", "two words", "ünï"},
		Flags:        FlagRefPaths | FlagConsole,
		ResultPipe:   "tr-abc",
		Workspace:    "/ws",
		MainScriptID: 77,
		HostPID:      4242,
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := sampleLaunch()
	if err := WritePayload(&buf, in); err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(buf.Bytes()); int(n) != buf.Len()-4 {
		t.Fatalf("length prefix %d, body %d", n, buf.Len()-4)
	}
	out, err := ReadPayload(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestReadPayload_RejectsBadLength(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 0xFFFFFFFF)
	if _, err := ReadPayload(bytes.NewReader(hdr[:])); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("ReadPayload(-1) = %v", err)
	}
}

func TestLaunch_FreshWhenDisabled(t *testing.T) {
	f := newFakeWorkers()
	m := newManager(t, f, false)

	p, preloaded, err := m.Launch(context.Background(), sampleLaunch())
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if preloaded || p == nil {
		t.Fatalf("preloaded=%v p=%v", preloaded, p)
	}
	r := f.next(t)
	if r.slot || r.launch.Target != "/ws/hello.lua" || r.launch.Has(FlagPreloaded) {
		t.Errorf("unexpected launch: %+v", r)
	}
}

func TestLaunch_UsesWarmSlot(t *testing.T) {
	f := newFakeWorkers()
	m := newManager(t, f, true)
	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}
	slotPID := m.SlotPID()
	time.Sleep(100 * time.Millisecond)

	p, preloaded, err := m.Launch(context.Background(), sampleLaunch())
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if !preloaded || p.PID() != slotPID {
		t.Fatalf("preloaded=%v pid=%d, want slot pid %d", preloaded, p.PID(), slotPID)
	}
	r := f.next(t)
	if !r.slot || !r.launch.Has(FlagPreloaded) || !reflect.DeepEqual(r.launch.Args, sampleLaunch().Args) {
		t.Errorf("unexpected launch: %+v", r)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.SlotPID() == 0 || m.SlotPID() == slotPID {
		if time.Now().After(deadline) {
			t.Fatal("next slot was not prepared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLaunch_DeadSlotFallsBackToFresh(t *testing.T) {
	f := newFakeWorkers()
	f.slotMode = "dead"
	m := newManager(t, f, true)
	m.Prepare()

	_, preloaded, err := m.Launch(context.Background(), sampleLaunch())
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if preloaded {
		t.Fatal("dead slot must not be used")
	}
	if r := f.next(t); r.slot {
		t.Error("launch should come from a fresh worker")
	}
}

func TestLaunch_StalledSlotIsKilled(t *testing.T) {
	f := newFakeWorkers()
	f.slotMode = "stall"
	m := newManager(t, f, true)
	m.Prepare()
	time.Sleep(100 * time.Millisecond)

	f.mu.Lock()
	stalled := f.procs[0]
	f.mu.Unlock()

	start := time.Now()
	_, preloaded, err := m.Launch(context.Background(), sampleLaunch())
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if preloaded {
		t.Fatal("stalled slot must not be reported as used")
	}
	if !stalled.killed.Load() {
		t.Error("stalled slot was not killed")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("fallback took %v", time.Since(start))
	}
	f.next(t)
}

func TestStandby_GenerationMismatch(t *testing.T) {
	dir := t.TempDir()
	block, err := handoff.Create(filepath.Join(dir, "h.blk"))
	if err != nil {
		t.Fatal(err)
	}
	defer block.Close()
	fifo := filepath.Join(dir, "wake")
	if err := unix.Mkfifo(fifo, 0600); err != nil {
		t.Fatal(err)
	}
	st, err := OpenStandby(filepath.Join(dir, "none.sock"), fifo, block.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	gen, _ := block.Publish(handoff.Data{HostPID: 1})
	errc := make(chan error, 1)
	go func() {
		_, _, err := st.Wait(context.Background(), 100*time.Millisecond)
		errc <- err
	}()

	w, err := os.OpenFile(fifo, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], gen+5)
	w.Write(word[:])
	w.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, handoff.ErrGenerationMismatch) {
			t.Fatalf("Wait() = %v, want ErrGenerationMismatch", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait() did not return")
	}
}

func TestStandby_WaitCancel(t *testing.T) {
	dir := t.TempDir()
	block, _ := handoff.Create(filepath.Join(dir, "h.blk"))
	defer block.Close()
	fifo := filepath.Join(dir, "wake")
	unix.Mkfifo(fifo, 0600)
	st, err := OpenStandby(filepath.Join(dir, "p.sock"), fifo, block.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := st.Wait(ctx, time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
}
