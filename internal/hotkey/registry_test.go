package hotkey

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Pause", "pause", false},
		{"Alt+Ctrl+Q", "ctrl+alt+q", false},
		{" shift + win + F5 ", "shift+super+f5", false},
		{"ctrl+", "", true},
		{"ctrl+alt", "", true},
		{"a+b", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrBadKey) {
				t.Errorf("Normalize(%q) error = %v, want ErrBadKey", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Normalize(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRegister_TakenByLiveProcess(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "hotkeys.json"))
	owner := startSleeper(t)

	if err := r.Register("ctrl+q", owner.Process.Pid, 16); err != nil {
		t.Fatalf("Register(owner) error: %v", err)
	}
	if err := r.Register("Ctrl+Q", os.Getpid(), 16); !errors.Is(err, ErrKeyTaken) {
		t.Fatalf("Register(other) = %v, want ErrKeyTaken", err)
	}

	e, err := r.Lookup("ctrl+q")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if e.PID != owner.Process.Pid || e.ID != 16 {
		t.Errorf("Lookup() = %+v", e)
	}
}

func TestRegister_TakesOverDeadOwner(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "hotkeys.json"))
	dead := exec.Command("true")
	if err := dead.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}
	if err := r.Register("pause", dead.Process.Pid, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("pause", os.Getpid(), 0); err != nil {
		t.Fatalf("Register over dead owner = %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "hotkeys.json"))
	pid := os.Getpid()
	r.Register("f1", pid, 0)
	r.Register("f2", pid, 16)
	if err := r.Unregister(pid); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Lookup("f1"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Lookup after Unregister = %v", err)
	}
	entries, _ := r.List()
	if len(entries) != 0 {
		t.Errorf("List() = %v", entries)
	}
}

func TestToggleLock(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "hotkeys.json"))
	if on, _ := r.LockState("scrolllock"); on {
		t.Fatal("initial state should be off")
	}
	on, err := r.ToggleLock("ScrollLock")
	if err != nil || !on {
		t.Fatalf("ToggleLock() = %v, %v", on, err)
	}
	if on, _ := r.LockState("scrolllock"); !on {
		t.Error("LockState() after toggle = false")
	}
	if !IsLockKey("ScrollLock") || IsLockKey("pause") {
		t.Error("IsLockKey mismatch")
	}
}
