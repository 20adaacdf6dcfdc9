package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/victorarias/taskhost/internal/auxmon"
	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/exitcode"
	"github.com/victorarias/taskhost/internal/hotkey"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Deliver hotkeys to the tasks that registered them",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "press <key>",
		Short: "Press a registered hotkey (bind this to your desktop shortcut)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pressKey(cmd.OutOrStdout(), runtimeDir(), args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered hotkeys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := hotkey.Open(hotkey.DefaultPath(runtimeDir())).List()
			if err != nil {
				return exitcode.Wrap(exitcode.ErrInternal, "read hotkeys", err)
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tpid %d\n", e.Key, e.PID)
			}
			return nil
		},
	})
	return cmd
}

// pressKey delivers key to its owner's aux endpoint. Lock keys also flip
// their toggle state, which tasks read as the lock LED.
func pressKey(out io.Writer, dir, key string) error {
	reg := hotkey.Open(hotkey.DefaultPath(dir))
	if hotkey.IsLockKey(key) {
		on, err := reg.ToggleLock(key)
		if err != nil {
			return exitcode.Wrap(exitcode.ErrInternal, "toggle "+key, err)
		}
		fmt.Fprintf(out, "%s is now %s\n", key, onOff(on))
	}
	e, err := reg.Lookup(key)
	if err != nil {
		if errors.Is(err, hotkey.ErrNotClaimed) || errors.Is(err, hotkey.ErrBadKey) {
			return exitcode.Wrap(exitcode.ErrNotFound, "no task listens for "+key, err)
		}
		return exitcode.Wrap(exitcode.ErrInternal, "read hotkeys", err)
	}
	if err := auxmon.Send(dir, e.PID, fmt.Sprintf("%s %d", auxmon.MsgHotkey, e.ID)); err != nil {
		return exitcode.Wrap(exitcode.ErrFailed, "deliver "+key, err)
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <suspend|lock|setenv NAME=VALUE>",
		Short: "Forward a session event to every running task",
		Long: `notify forwards session events to the aux endpoint of each running task.
Tasks with sleepExit or lockExit set end on "suspend" or "lock". "setenv"
updates an environment variable inside every task.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := notifyMessage(args)
			if err != nil {
				return err
			}
			tasks, err := client.New("").List()
			if err != nil {
				return launchError(err)
			}
			dir := runtimeDir()
			sent := 0
			for _, t := range tasks {
				if err := auxmon.Send(dir, t.PID, msg); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s (pid %d): %v\n", t.Name, t.PID, err)
					continue
				}
				sent++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notified %d task(s)\n", sent)
			return nil
		},
	}
}

func notifyMessage(args []string) (string, error) {
	switch args[0] {
	case auxmon.MsgSuspend, auxmon.MsgLock:
		if len(args) != 1 {
			return "", exitcode.New(exitcode.ErrUsage, args[0]+" takes no value")
		}
		return args[0], nil
	case auxmon.MsgSetenv:
		if len(args) != 2 || !strings.Contains(args[1], "=") || strings.HasPrefix(args[1], "=") {
			return "", exitcode.New(exitcode.ErrUsage, "setenv needs NAME=VALUE")
		}
		return auxmon.MsgSetenv + " " + args[1], nil
	}
	return "", exitcode.New(exitcode.ErrUsage, "unknown event "+args[0])
}
