package host

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/script"
)

var errTargetNotFound = errors.New("target not found")

// target is a resolved, runnable workspace file.
type target struct {
	Path     string
	Rel      string
	Name     string
	ScriptID uint32
	Kind     string
	Meta     script.Meta
}

// resolveTarget maps a run target to a file. Accepted forms: "<id>", an
// absolute path, a path relative to the workspace or dir, or a bare name
// matched against workspace files (name.lua first, then an executable).
func resolveTarget(workspace, dir, ref string) (*target, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errTargetNotFound
	}

	if id, ok := protocol.ParseScriptRef(ref); ok {
		return findByID(workspace, id)
	}

	if filepath.IsAbs(ref) {
		return loadTarget(workspace, ref)
	}
	if strings.ContainsRune(ref, '/') || filepath.Ext(ref) != "" {
		for _, base := range []string{workspace, dir} {
			if base == "" {
				continue
			}
			t, err := loadTarget(workspace, filepath.Join(base, ref))
			if err == nil || !errors.Is(err, errTargetNotFound) {
				return t, err
			}
		}
		if filepath.Ext(ref) != "" {
			return nil, errTargetNotFound
		}
	}
	return findByName(workspace, ref)
}

func findByID(workspace string, id uint32) (*target, error) {
	var found string
	walkWorkspace(workspace, func(path, rel string) bool {
		if protocol.ScriptID(rel) == id {
			found = path
			return false
		}
		return true
	})
	if found == "" {
		return nil, errTargetNotFound
	}
	return loadTarget(workspace, found)
}

func findByName(workspace, name string) (*target, error) {
	want := strings.ToLower(name)
	var script, exe string
	walkWorkspace(workspace, func(path, rel string) bool {
		base := strings.ToLower(filepath.Base(path))
		switch {
		case script == "" && base == want+".lua":
			script = path
			return false
		case exe == "" && base == want:
			exe = path
		}
		return true
	})
	for _, p := range []string{script, exe} {
		if p == "" {
			continue
		}
		t, err := loadTarget(workspace, p)
		if err == nil || !errors.Is(err, errTargetNotFound) {
			return t, err
		}
	}
	return nil, errTargetNotFound
}

// walkWorkspace visits regular files in lexical order, skipping hidden
// entries. fn returns false to stop.
func walkWorkspace(workspace string, fn func(path, rel string) bool) {
	if workspace == "" {
		return
	}
	stop := errors.New("stop")
	_ = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != workspace {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return nil
		}
		if !fn(path, rel) {
			return stop
		}
		return nil
	})
}

func loadTarget(workspace, path string) (*target, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, errTargetNotFound
	}

	rel := path
	if workspace != "" {
		if r, err := filepath.Rel(workspace, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	t := &target{
		Path:     path,
		Rel:      rel,
		ScriptID: protocol.ScriptID(rel),
		Meta:     script.DefaultMeta(),
	}

	if strings.EqualFold(filepath.Ext(path), ".lua") {
		t.Kind = preload.KindLua
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		meta, err := script.ParseMeta(src)
		if err != nil {
			return nil, err
		}
		t.Meta = meta
		return t, nil
	}
	if info.Mode().Perm()&0111 == 0 {
		return nil, errTargetNotFound
	}
	t.Kind = preload.KindExec
	t.Name = filepath.Base(path)
	return t, nil
}

// absPaths resolves meta paths relative to the script's directory.
func absPaths(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}
