package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/dashboard"
	"github.com/victorarias/taskhost/internal/exitcode"
)

func newTopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Interactive view of running and recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tea.NewProgram(dashboard.NewModel(client.New("")), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return exitcode.Wrap(exitcode.ErrInternal, "dashboard", err)
			}
			return nil
		},
	}
}
