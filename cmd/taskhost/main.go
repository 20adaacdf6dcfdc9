// taskhost runs workspace tasks through a long-lived host process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/exitcode"
	"github.com/victorarias/taskhost/internal/launcher"
)

func main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitcode.Success
	}
	var coded *exitcode.Error
	if errors.As(err, &coded) {
		// A bare code relays a task's exit code and prints nothing.
		if coded.Message != "" || coded.Cause != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return coded.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitcode.ErrUsage
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskhost",
		Short:         "Run workspace tasks through a warm task host",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long: `taskhost keeps a host process running that starts tasks on request,
optionally through a preloaded worker, and relays their results and exit
codes back to the caller.`,
	}
	root.AddCommand(
		newHostCmd(),
		newWorkerCmd(),
		newRunCmd(),
		newRunWaitCmd(),
		newEndCmd(),
		newPsCmd(),
		newHistoryCmd(),
		newStatusCmd(),
		newKeyCmd(),
		newNotifyCmd(),
		newTopCmd(),
	)
	return root
}

func newLauncher() *launcher.Launcher {
	return launcher.New(client.New(""), runtimeDir(), nil)
}

// launchError maps launcher failures to CLI exit codes.
func launchError(err error) error {
	switch {
	case errors.Is(err, launcher.ErrNoHost):
		return exitcode.Wrap(exitcode.ErrNoHost, "host is not running (start it with 'taskhost host')", err)
	case errors.Is(err, launcher.ErrNotFound):
		return exitcode.Wrap(exitcode.ErrNotFound, "task not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return exitcode.Wrap(exitcode.ErrTimeout, "timed out", err)
	case errors.Is(err, launcher.ErrStartTask):
		return exitcode.Wrap(exitcode.ErrFailed, "task did not start", err)
	}
	return exitcode.Wrap(exitcode.ErrInternal, "request failed", err)
}
