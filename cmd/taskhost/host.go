package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/victorarias/taskhost/internal/config"
	"github.com/victorarias/taskhost/internal/exitcode"
	"github.com/victorarias/taskhost/internal/host"
	"github.com/victorarias/taskhost/internal/logging"
	"github.com/victorarias/taskhost/internal/worker"
)

func runtimeDir() string { return config.RuntimeDir() }

func newHostCmd() *cobra.Command {
	var (
		workspace string
		wsPort    string
		noPreload bool
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the task host in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := host.OptionsFromConfig()
			if workspace != "" {
				opts.Workspace = workspace
			}
			if cmd.Flags().Changed("ws-port") {
				opts.WSPort = wsPort
			}
			if noPreload {
				opts.Preload = false
			}
			return runHost(opts)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "directory tasks are resolved in")
	cmd.Flags().StringVar(&wsPort, "ws-port", "", "event websocket port (empty disables it)")
	cmd.Flags().BoolVar(&noPreload, "no-preload", false, "start every task in a fresh worker")
	return cmd
}

func runHost(opts host.Options) error {
	if err := os.MkdirAll(opts.RuntimeDir, 0700); err != nil {
		return exitcode.Wrap(exitcode.ErrInternal, "create runtime dir", err)
	}
	lock := flock.New(filepath.Join(opts.RuntimeDir, "host.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return exitcode.Wrap(exitcode.ErrInternal, "lock runtime dir", err)
	}
	if !locked {
		return exitcode.New(exitcode.ErrFailed, "another host is running in "+opts.RuntimeDir)
	}
	defer lock.Unlock()

	logger, err := logging.New(config.LogPath())
	if err != nil {
		return exitcode.Wrap(exitcode.ErrInternal, "open log", err)
	}
	defer logger.Close()
	opts.Logger = logger

	h, err := host.New(opts)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrInternal, "create host", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP: reloading config")
				config.Reload()
				continue
			}
			logger.Infof("%v: stopping", sig)
			h.Stop()
			return
		}
	}()

	fmt.Fprintf(os.Stderr, "taskhost: serving %s on %s\n", opts.Workspace, h.SocketPath())
	if err := h.Start(); err != nil {
		return exitcode.Wrap(exitcode.ErrInternal, "host", err)
	}
	h.Stop()
	return nil
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "worker",
		Short:              "Task worker process (started by the host)",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(config.LogPath())
			if err != nil {
				logger = logging.Nop()
			}
			code := worker.Main(args, worker.Options{Logger: logger.With("role", "worker")})
			logger.Close()
			os.Exit(code)
			return nil
		},
	}
}
