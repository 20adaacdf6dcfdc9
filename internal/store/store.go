// Package store tracks running tasks in memory and keeps task history in
// SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/victorarias/taskhost/internal/protocol"
)

// recentLimit bounds the in-memory finished table.
const recentLimit = 256

// Store holds running tasks keyed by worker pid.
type Store struct {
	mu       sync.RWMutex
	db       *sql.DB
	running  map[int]*protocol.TaskInfo
	finished map[int]*protocol.TaskInfo
	order    []int // finished pids, oldest first
	nextID   int
}

// New creates an in-memory store without history persistence.
func New() *Store {
	return &Store{
		running:  make(map[int]*protocol.TaskInfo),
		finished: make(map[int]*protocol.TaskInfo),
	}
}

// NewWithDB creates a store that records history in the SQLite file at path.
func NewWithDB(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	s := New()
	s.db = db
	return s, nil
}

// Close closes the database, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Add records a started task and returns it with TaskID and StartedAt set.
func (s *Store) Add(info protocol.TaskInfo, args []string) protocol.TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.StartedAt == "" {
		info.StartedAt = protocol.TimestampNow()
	}
	info.EndedAt = ""
	info.ExitCode = nil

	info.TaskID = 0
	if s.db != nil {
		argsJSON, _ := json.Marshal(args)
		res, err := s.db.Exec(`
			INSERT INTO task_runs (pid, name, path, script_id, preloaded, args, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			info.PID, info.Name, info.Path, info.ScriptID, boolToInt(info.Preloaded), string(argsJSON), string(info.StartedAt),
		)
		if err == nil {
			if id, err := res.LastInsertId(); err == nil {
				info.TaskID = int(id)
			}
		}
	}
	if info.TaskID == 0 {
		s.nextID++
		info.TaskID = s.nextID
	} else if info.TaskID > s.nextID {
		s.nextID = info.TaskID
	}

	stored := info
	s.running[info.PID] = &stored
	return info
}

// Get returns the running task with pid.
func (s *Store) Get(pid int) (protocol.TaskInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.running[pid]
	if !ok {
		return protocol.TaskInfo{}, false
	}
	return *t, true
}

// ByScript returns running tasks of one script, oldest first.
func (s *Store) ByScript(scriptID uint32) []protocol.TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.TaskInfo
	for _, t := range s.running {
		if t.ScriptID == scriptID {
			out = append(out, *t)
		}
	}
	sortByID(out)
	return out
}

// List returns all running tasks, oldest first.
func (s *Store) List() []protocol.TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.TaskInfo, 0, len(s.running))
	for _, t := range s.running {
		out = append(out, *t)
	}
	sortByID(out)
	return out
}

// Finish moves a running task to the finished table. ok is false when pid
// is not running.
func (s *Store) Finish(pid, exitCode int) (protocol.TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.running[pid]
	if !ok {
		return protocol.TaskInfo{}, false
	}
	delete(s.running, pid)
	t.EndedAt = protocol.TimestampNow()
	t.ExitCode = protocol.Ptr(exitCode)

	if s.db != nil {
		_, _ = s.db.Exec(`UPDATE task_runs SET ended_at = ?, exit_code = ? WHERE id = ?`,
			string(t.EndedAt), exitCode, t.TaskID)
	}

	if _, dup := s.finished[pid]; !dup {
		s.order = append(s.order, pid)
	}
	s.finished[pid] = t
	for len(s.order) > recentLimit {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
	return *t, true
}

// ExitCode returns the exit code of a recently finished task.
func (s *Store) ExitCode(pid int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.finished[pid]
	if !ok || t.ExitCode == nil {
		return 0, false
	}
	return *t.ExitCode, true
}

// History returns finished tasks, newest first. Without a database it
// returns the in-memory finished table.
func (s *Store) History(limit int) ([]protocol.TaskInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		var out []protocol.TaskInfo
		for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, *s.finished[s.order[i]])
		}
		return out, nil
	}

	rows, err := s.db.Query(`
		SELECT id, pid, name, path, script_id, preloaded, started_at, ended_at, exit_code
		FROM task_runs WHERE ended_at IS NOT NULL
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.TaskInfo
	for rows.Next() {
		var t protocol.TaskInfo
		var preloaded int
		var started string
		var ended sql.NullString
		var code sql.NullInt64
		if err := rows.Scan(&t.TaskID, &t.PID, &t.Name, &t.Path, &t.ScriptID, &preloaded, &started, &ended, &code); err != nil {
			return nil, err
		}
		t.Preloaded = preloaded != 0
		t.StartedAt = protocol.Timestamp(started)
		t.EndedAt = protocol.Timestamp(ended.String)
		if code.Valid {
			t.ExitCode = protocol.Ptr(int(code.Int64))
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes history rows that ended before cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, nil
	}
	res, err := s.db.Exec(`DELETE FROM task_runs WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sortByID(tasks []protocol.TaskInfo) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
