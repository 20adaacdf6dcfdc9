package host

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/script"
)

func TestResolveTarget(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()
	writeScript(t, ws, "backup.lua", "--/ ifRunning wait\nreturn 0\n", 0644)
	writeScript(t, ws, "backup", "#!/bin/sh\n", 0755)
	writeScript(t, ws, "tools/sync.sh", "#!/bin/sh\n", 0755)
	writeScript(t, ws, "tools/notes.txt", "plain", 0644)
	writeScript(t, ws, ".hidden/secret.lua", "return 0\n", 0644)
	writeScript(t, other, "local.lua", "return 0\n", 0644)

	t.Run("bare name prefers lua", func(t *testing.T) {
		tg, err := resolveTarget(ws, "", "backup")
		if err != nil {
			t.Fatal(err)
		}
		if tg.Kind != preload.KindLua || tg.Name != "backup" || tg.Rel != "backup.lua" {
			t.Errorf("target = %+v", tg)
		}
		if tg.Meta.IfRunning != script.IfRunningWait {
			t.Errorf("meta not parsed: %+v", tg.Meta)
		}
	})

	t.Run("relative path", func(t *testing.T) {
		tg, err := resolveTarget(ws, "", "tools/sync.sh")
		if err != nil {
			t.Fatal(err)
		}
		if tg.Kind != preload.KindExec || tg.Rel != filepath.Join("tools", "sync.sh") {
			t.Errorf("target = %+v", tg)
		}
	})

	t.Run("script ref", func(t *testing.T) {
		ref := protocol.FormatScriptRef(protocol.ScriptID(filepath.Join("tools", "sync.sh")))
		tg, err := resolveTarget(ws, "", ref)
		if err != nil {
			t.Fatal(err)
		}
		if tg.Name != "sync.sh" {
			t.Errorf("target = %+v", tg)
		}
	})

	t.Run("caller dir", func(t *testing.T) {
		tg, err := resolveTarget(ws, other, "local.lua")
		if err != nil {
			t.Fatal(err)
		}
		if tg.Path != filepath.Join(other, "local.lua") {
			t.Errorf("path = %q", tg.Path)
		}
	})

	for _, name := range []string{"", "nothing", "tools/notes.txt", "secret", "<12345>"} {
		if _, err := resolveTarget(ws, "", name); !errors.Is(err, errTargetNotFound) {
			t.Errorf("resolveTarget(%q) err = %v, want not found", name, err)
		}
	}
}

func TestResolveTarget_BadMetaIsAnError(t *testing.T) {
	ws := t.TempDir()
	writeScript(t, ws, "broken.lua", "--/ ifRunning sometimes\n", 0644)
	_, err := resolveTarget(ws, "", "broken")
	if err == nil || errors.Is(err, errTargetNotFound) {
		t.Fatalf("err = %v, want a meta parse error", err)
	}
}

func TestAbsPaths(t *testing.T) {
	got := absPaths("/ws/dir", []string{"lib", "/opt/x", "../up"})
	want := []string{"/ws/dir/lib", "/opt/x", "/ws/up"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("absPaths[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
