package proc

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestOpen_ReportsExit(t *testing.T) {
	cmd := exec.Command("sleep", "0.2")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	h, err := Open(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer h.Close()

	if h.Exited() {
		t.Fatal("process should still be running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if !h.Exited() {
		t.Fatal("Exited() should be true after Wait")
	}
	_ = cmd.Wait()
}

func TestOpen_WaitHonorsContext(t *testing.T) {
	h, err := Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open(self) error: %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestOpen_MissingProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}
	if _, err := Open(cmd.Process.Pid); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("Open(reaped pid) = %v, want ErrNoProcess", err)
	}
	if _, err := Open(0); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("Open(0) = %v, want ErrNoProcess", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h, err := Open(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	h.Close()
	h.Close()
}

func TestExitStatus(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Skipf("sh not available: %v", err)
	}
	ws := exitErr.Sys().(syscall.WaitStatus)
	if got := ExitStatus(&ws); got != 7 {
		t.Errorf("ExitStatus() = %d, want 7", got)
	}
}
