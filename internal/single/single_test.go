package single

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/victorarias/taskhost/internal/exitcode"
)

type exitRecorder struct {
	codes []int
}

func (e *exitRecorder) exit(code int) { e.codes = append(e.codes, code) }

func TestSingle_SecondInstanceRefused(t *testing.T) {
	dir := t.TempDir()

	first := New(dir, (&exitRecorder{}).exit, t.Logf)
	if err := first.Single("backup", 0, false); err != nil {
		t.Fatalf("first Single() error: %v", err)
	}

	rec := &exitRecorder{}
	second := New(dir, rec.exit, t.Logf)
	var stderr bytes.Buffer
	second.SetStderr(&stderr)

	start := time.Now()
	err := second.Single("backup", 100*time.Millisecond, false)
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("second Single() = %v, want ErrRefused", err)
	}
	if len(rec.codes) != 1 || rec.codes[0] != exitcode.SingleRefuse {
		t.Fatalf("exit codes = %v, want [3]", rec.codes)
	}
	if time.Since(start) < 90*time.Millisecond {
		t.Errorf("refusal came before the wait elapsed: %v", time.Since(start))
	}
	if !strings.Contains(stderr.String(), "another instance") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestSingle_AcquiresWhenHolderReleasesDuringWait(t *testing.T) {
	dir := t.TempDir()

	first := New(dir, (&exitRecorder{}).exit, t.Logf)
	if err := first.Single("sync", 0, false); err != nil {
		t.Fatalf("first Single() error: %v", err)
	}
	held := first.lock
	go func() {
		time.Sleep(150 * time.Millisecond)
		held.Close()
	}()

	rec := &exitRecorder{}
	second := New(dir, rec.exit, t.Logf)
	start := time.Now()
	if err := second.Single("sync", 5*time.Second, false); err != nil {
		t.Fatalf("second Single() = %v, want lock after release", err)
	}
	if len(rec.codes) != 0 {
		t.Errorf("exit called: %v", rec.codes)
	}
	if !second.Held() {
		t.Error("Held() = false after acquiring")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > 4*time.Second {
		t.Errorf("acquired after %v, want shortly after the release", elapsed)
	}
}

func TestSingle_WaitForeverAcquiresAfterRelease(t *testing.T) {
	dir := t.TempDir()

	first := New(dir, nil, nil)
	if err := first.Single("forever", 0, false); err != nil {
		t.Fatal(err)
	}
	held := first.lock
	time.AfterFunc(100*time.Millisecond, func() { held.Close() })

	rec := &exitRecorder{}
	done := make(chan error, 1)
	go func() { done <- New(dir, rec.exit, nil).Single("forever", -1, false) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Single(wait forever) = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Single(wait forever) did not return after the holder released")
	}
	if len(rec.codes) != 0 {
		t.Errorf("exit called: %v", rec.codes)
	}
}

func TestSingle_SilentRefusal(t *testing.T) {
	dir := t.TempDir()
	New(dir, nil, nil).Single("k", 0, true)

	rec := &exitRecorder{}
	g := New(dir, rec.exit, nil)
	var stderr bytes.Buffer
	g.SetStderr(&stderr)
	g.Single("k", 0, true)
	if stderr.Len() != 0 {
		t.Errorf("silent refusal wrote %q", stderr.String())
	}
	if len(rec.codes) != 1 {
		t.Errorf("exit not called: %v", rec.codes)
	}
}

func TestSingle_DifferentKeysIndependent(t *testing.T) {
	dir := t.TempDir()
	if err := New(dir, nil, nil).Single("a", 0, false); err != nil {
		t.Fatal(err)
	}
	rec := &exitRecorder{}
	if err := New(dir, rec.exit, nil).Single("b", 0, false); err != nil {
		t.Fatalf("Single(b) = %v", err)
	}
	if len(rec.codes) != 0 {
		t.Errorf("unexpected exit: %v", rec.codes)
	}
}

func TestSingle_TwiceIsError(t *testing.T) {
	g := New(t.TempDir(), nil, nil)
	if err := g.Single("x", 0, false); err != nil {
		t.Fatal(err)
	}
	if err := g.Single("y", 0, false); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("second Single() = %v, want ErrAlreadyHeld", err)
	}
	if !g.Held() {
		t.Error("Held() = false")
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("simple-key_1"); got != "simple-key_1" {
		t.Errorf("sanitize(simple) = %q", got)
	}
	a, b := sanitize("a/b"), sanitize("a:b")
	if a == b {
		t.Errorf("distinct keys collided: %q", a)
	}
	if strings.ContainsAny(a, "/:") {
		t.Errorf("sanitize left separators: %q", a)
	}
}
