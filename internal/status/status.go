// Package status formats a one-line task summary for status bars.
package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/victorarias/taskhost/internal/protocol"
)

const maxLabels = 3

// Format summarizes running tasks, oldest first, and counts the finished
// tasks that exited non-zero.
func Format(running, finished []protocol.TaskInfo) string {
	var parts []string
	if s := formatRunning(running); s != "" {
		parts = append(parts, s)
	}
	if n := countFailed(finished); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", n))
	}
	if len(parts) == 0 {
		return "✓ idle"
	}
	return strings.Join(parts, " | ")
}

func formatRunning(tasks []protocol.TaskInfo) string {
	if len(tasks) == 0 {
		return ""
	}
	sorted := append([]protocol.TaskInfo(nil), tasks...)
	// Sort by StartedAt (oldest first)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Time().Before(sorted[j].StartedAt.Time())
	})

	var labels []string
	for i, t := range sorted {
		if i >= maxLabels {
			labels = append(labels, "...")
			break
		}
		labels = append(labels, t.Name)
	}
	return fmt.Sprintf("%d running: %s", len(sorted), strings.Join(labels, ", "))
}

func countFailed(tasks []protocol.TaskInfo) int {
	n := 0
	for _, t := range tasks {
		if protocol.Deref(t.ExitCode) != 0 {
			n++
		}
	}
	return n
}
