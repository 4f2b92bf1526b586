package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/ipc"
	"github.com/jobman/jobman/internal/timeparse"
)

// NewFlushCommand creates the flush subcommand.
func NewFlushCommand() *cobra.Command {
	var (
		jobs       bool
		logs       bool
		logsAge    string
		history    bool
		historyAge string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Remove completed one-shot jobs, old logs, and old history",
		Example: `  # Everything
  jobman flush --all

  # Logs older than a week, history older than 30 days
  jobman flush --logs --logs-age 7d --history --history-age 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				jobs, logs, history = true, true, true
			}
			if !jobs && !logs && !history {
				return fmt.Errorf("nothing to flush: pass --jobs, --logs, --history, or --all")
			}

			req := &ipc.Request{Type: ipc.TypeFlush, Jobs: jobs, Logs: logs, History: history}
			if logsAge != "" {
				d, err := timeparse.ParseDuration(logsAge)
				if err != nil {
					return err
				}
				req.LogsAgeMs = d.Milliseconds()
			}
			if historyAge != "" {
				d, err := timeparse.ParseDuration(historyAge)
				if err != nil {
					return err
				}
				req.HistoryAgeMs = d.Milliseconds()
			}

			client, _ := newClient()
			resp, err := client.Call(req)
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jobs {
				fmt.Fprintf(out, "Jobs removed: %d\n", resp.JobsRemoved)
			}
			if logs {
				fmt.Fprintf(out, "Log files removed: %d\n", resp.LogsRemoved)
			}
			if history {
				fmt.Fprintf(out, "History entries removed: %d\n", resp.HistoryRemoved)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jobs, "jobs", false, "remove completed one-shot jobs")
	cmd.Flags().BoolVar(&logs, "logs", false, "remove job log files")
	cmd.Flags().StringVar(&logsAge, "logs-age", "", `only logs older than this ("7d"); default all`)
	cmd.Flags().BoolVar(&history, "history", false, "remove history entries")
	cmd.Flags().StringVar(&historyAge, "history-age", "", `only history older than this ("30d"); default all`)
	cmd.Flags().BoolVar(&all, "all", false, "flush jobs, logs, and history")
	return cmd
}
