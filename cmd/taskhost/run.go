package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/exitcode"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/status"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <target> [args...]",
		Short: "Start a task and return without waiting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newLauncher().Run(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return launchError(err)
			}
			switch {
			case r > 0:
				fmt.Fprintln(cmd.OutOrStdout(), r)
			case r < 0:
				return exitcode.New(exitcode.ErrFailed, protocol.DescribeResult(r))
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newRunWaitCmd() *cobra.Command {
	var (
		collect bool
		stream  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run-wait <target> [args...]",
		Short: "Start a task, wait for it and exit with its exit code",
		Long: `run-wait starts a task and waits until it ends. The command exits with the
task's exit code. With --collect, results the task writes are printed
together after it ends. With --stream they are printed as they arrive.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if collect && stream {
				return exitcode.New(exitcode.ErrUsage, "--collect and --stream are exclusive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			l := newLauncher()
			out := cmd.OutOrStdout()
			var (
				code int
				err  error
			)
			switch {
			case collect:
				var text string
				code, text, err = l.RunWaitCollect(ctx, args[0], args[1:]...)
				if err == nil && text != "" {
					fmt.Fprintln(out, text)
				}
			case stream:
				code, err = l.RunWaitStream(ctx, args[0], func(s string) { fmt.Fprintln(out, s) }, args[1:]...)
			default:
				code, err = l.RunWait(ctx, args[0], args[1:]...)
			}
			if err != nil {
				return launchError(err)
			}
			if code != exitcode.Success {
				return exitcode.New(code, "")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&collect, "collect", false, "print all results after the task ends")
	cmd.Flags().BoolVar(&stream, "stream", false, "print results as they arrive")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newEndCmd() *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "end [target]",
		Short: "End all running instances of a task, or one task by pid",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := newLauncher()
			out := cmd.OutOrStdout()
			if pid > 0 {
				ok, err := l.EndPID(cmd.Context(), pid)
				if err != nil {
					return launchError(err)
				}
				if !ok {
					return exitcode.New(exitcode.ErrNotFound, "no running task with pid "+strconv.Itoa(pid))
				}
				fmt.Fprintf(out, "ended pid %d\n", pid)
				return nil
			}
			if len(args) == 0 {
				return exitcode.New(exitcode.ErrUsage, "end needs a target or --pid")
			}
			r, err := l.End(cmd.Context(), args[0])
			if err != nil {
				return launchError(err)
			}
			if r == protocol.EndNone {
				fmt.Fprintf(out, "%s is not running\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "ended %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "end the task running in this worker pid")
	return cmd
}

func newPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List running tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := client.New("").List()
			if err != nil {
				return launchError(err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tNAME\tSTARTED\tPRELOADED\tPATH")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\n", t.PID, t.Name, t.StartedAt, t.Preloaded, t.Path)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "One-line summary for status bars",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New("")
			tasks, err := c.List()
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "? host offline")
				return nil
			}
			hist, _ := c.History(recent) // failures are optional
			fmt.Fprintln(cmd.OutOrStdout(), status.Format(tasks, hist))
			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "finished tasks checked for failures")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := client.New("").History(limit)
			if err != nil {
				return launchError(err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tNAME\tEXIT\tSTARTED\tENDED")
			for _, t := range hist {
				code := protocol.Deref(t.ExitCode)
				fmt.Fprintf(w, "%d\t%s\t%d (%s)\t%s\t%s\n", t.PID, t.Name, code, exitcode.Describe(code), t.StartedAt, t.EndedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
