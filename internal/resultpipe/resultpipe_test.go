package resultpipe

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listen(t *testing.T) *Reader {
	t.Helper()
	r, err := Listen(t.TempDir(), t.Logf)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNameFitsPipeField(t *testing.T) {
	if n := len(NewName()); n > 64 {
		t.Fatalf("name length %d exceeds 64", n)
	}
}

func TestDrain_CollectsMessagesInOrder(t *testing.T) {
	r := listen(t)
	exited := make(chan struct{})

	go func() {
		if !Write(r.Path(), "a", time.Second) {
			t.Error("write a failed")
		}
		if !Write(r.Path(), "b", time.Second) {
			t.Error("write b failed")
		}
		close(exited)
	}()

	var got []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx, exited, func(s string) { got = append(got, s) }); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if strings.Join(got, "") != "ab" {
		t.Errorf("got %q, want [a b]", got)
	}
}

func TestDrain_BufferedMessagesAfterExit(t *testing.T) {
	r := listen(t)
	for _, s := range []string{"one", "two", "three"} {
		if !Write(r.Path(), s, time.Second) {
			t.Fatalf("write %q failed", s)
		}
	}
	exited := make(chan struct{})
	close(exited)

	var got []string
	if err := r.Drain(context.Background(), exited, func(s string) { got = append(got, s) }); err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("got %q", got)
	}
}

func TestDrain_NoConnectionReturnsEmpty(t *testing.T) {
	r := listen(t)
	exited := make(chan struct{})
	time.AfterFunc(50*time.Millisecond, func() { close(exited) })

	start := time.Now()
	calls := 0
	if err := r.Drain(context.Background(), exited, func(string) { calls++ }); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("onMessage called %d times", calls)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Drain took %v after exit", time.Since(start))
	}
}

func TestDrain_ContextCancel(t *testing.T) {
	r := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx, make(chan struct{}), func(string) {}); err == nil {
		t.Fatal("Drain() should return ctx error")
	}
}

func TestDrain_LargeUnicodeMessage(t *testing.T) {
	r := listen(t)
	want := strings.Repeat("ünï-€-", 4000)
	exited := make(chan struct{})
	go func() {
		Write(r.Path(), want, time.Second)
		close(exited)
	}()
	var got string
	r.Drain(context.Background(), exited, func(s string) { got += s })
	if got != want {
		t.Errorf("message corrupted: got %d bytes, want %d", len(got), len(want))
	}
}

func TestWrite_NoReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	start := time.Now()
	if Write(path, "x", 100*time.Millisecond) {
		t.Fatal("Write() without reader should fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Write() took %v", time.Since(start))
	}
}

func TestWriter_EdgeCases(t *testing.T) {
	var nilWriter *Writer
	if nilWriter.WriteResult("x") {
		t.Error("nil writer should fail")
	}
	if NewWriter(t.TempDir(), "", 0).WriteResult("x") {
		t.Error("writer without name should fail")
	}
	if !NewWriter(t.TempDir(), "tr-none", 0).WriteResult("") {
		t.Error("empty text should succeed without connecting")
	}
}

func TestWriter_ConnectsWhenReaderAppearsLate(t *testing.T) {
	dir := t.TempDir()
	name := NewName()
	path := Path(dir, name)

	done := make(chan bool, 1)
	go func() { done <- Write(path, "late", 2*time.Second) }()

	time.Sleep(100 * time.Millisecond)
	r, err := ListenName(dir, name, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	exited := make(chan struct{})
	var got string
	go func() {
		<-done
		close(exited)
	}()
	r.Drain(context.Background(), exited, func(s string) { got += s })
	if got != "late" {
		t.Errorf("got %q, want late", got)
	}
}
