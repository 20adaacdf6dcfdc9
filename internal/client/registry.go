package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HostPointer is written by a running host so clients can find it.
type HostPointer struct {
	Version         int    `json:"version"`
	HostPID         int    `json:"host_pid"`
	MessageTargetID int    `json:"message_target_id"`
	SocketPath      string `json:"socket_path"`
	Workspace       string `json:"workspace"`
	StartedAt       string `json:"started_at"`
}

func NewHostPointer(pid, messageTargetID int, socketPath, workspace string) HostPointer {
	return HostPointer{
		Version:         1,
		HostPID:         pid,
		MessageTargetID: messageTargetID,
		SocketPath:      socketPath,
		Workspace:       workspace,
		StartedAt:       time.Now().UTC().Format(time.RFC3339),
	}
}

func WriteHostPointer(path string, p HostPointer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create host pointer dir: %w", err)
	}
	payload, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal host pointer: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, append(payload, '\n'), 0600); err != nil {
		return fmt.Errorf("write temp host pointer: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename host pointer: %w", err)
	}
	return nil
}

func ReadHostPointer(path string) (HostPointer, error) {
	var p HostPointer
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("unmarshal host pointer: %w", err)
	}
	return p, nil
}

// RemoveHostPointer deletes the pointer if it still names pid.
func RemoveHostPointer(path string, pid int) {
	if p, err := ReadHostPointer(path); err == nil && p.HostPID == pid {
		_ = os.Remove(path)
	}
}
