package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/daemon"
	"github.com/jobman/jobman/internal/infra"
	"github.com/jobman/jobman/internal/ipc"
)

// NewDaemonCommand creates the daemon subcommand.
func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the jobman daemon",
		Example: `  jobman daemon start
  jobman daemon status
  jobman daemon stop`,
	}
	cmd.AddCommand(newDaemonStartCommand())
	cmd.AddCommand(newDaemonStopCommand())
	cmd.AddCommand(newDaemonStatusCommand())
	return cmd
}

func newDaemonStartCommand() *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Example: `  # Background (default)
  jobman daemon start

  # Stay attached to the terminal
  jobman daemon start --foreground`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			paths := infra.Resolve()
			cfg := loadConfig(paths)

			if foreground {
				d := daemon.New(paths, cfg)
				err := d.Run()
				if errors.Is(err, daemon.ErrAlreadyRunning) {
					return fmt.Errorf("daemon already running")
				}
				return err
			}

			pid, err := daemon.StartDetached(paths, cfg)
			if err != nil {
				if errors.Is(err, daemon.ErrAlreadyRunning) {
					return fmt.Errorf("daemon already running")
				}
				return err
			}
			fmt.Fprintf(out, "Daemon started (PID %d)\n", pid)
			fmt.Fprintf(out, "Logs: %s\n", paths.DaemonLogFile())
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground")
	return cmd
}

func newDaemonStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the daemon",
		Example: `  jobman daemon stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			client, paths := newClient()

			resp, err := client.Call(&ipc.Request{Type: ipc.TypeStop})
			if err != nil {
				if daemon.IsRunning(paths) {
					return fmt.Errorf("daemon unresponsive: %w", err)
				}
				return &ExitError{Code: exitCodeNotRunning, Err: fmt.Errorf("daemon not running")}
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintln(out, "Daemon stopping")
			return nil
		},
	}
}

func newDaemonStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show daemon status",
		Example: `  jobman daemon status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			client, _ := newClient()

			resp, err := client.Call(&ipc.Request{Type: ipc.TypeStatus})
			if err != nil {
				fmt.Fprintln(out, "Daemon: not running")
				return nil
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(out, "Daemon: running (PID %d)\n", resp.PID)
			if s := resp.Stats; s != nil {
				fmt.Fprintf(out, "Jobs: %d total", s.Total)
				if n := s.ByStatus["active"]; n > 0 {
					fmt.Fprintf(out, ", %d active", n)
				}
				if n := s.ByStatus["paused"]; n > 0 {
					fmt.Fprintf(out, ", %d paused", n)
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Running now: %d, due: %d\n", s.Running, s.DueCount)
			}
			return nil
		},
	}
}
