package commands

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/infra"
	"github.com/jobman/jobman/internal/store"
	"github.com/jobman/jobman/internal/timeparse"
)

// NewHistoryCommand creates the history subcommand. History is read straight
// from history.db; WAL mode lets this coexist with a running daemon.
func NewHistoryCommand() *cobra.Command {
	var (
		jobRef string
		status string
		since  string
		limit  int
		offset int
		order  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show execution history",
		Example: `  jobman history --limit 20
  jobman history --job nightly-backup --status failed
  jobman history --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := infra.Resolve()
			cfg := loadConfig(paths)

			hs, err := store.NewHistoryStore(paths.HistoryFile(), store.RetentionPolicy{
				MaxEntriesPerJob: cfg.History.MaxEntriesPerJob,
				RetentionDays:    cfg.History.RetentionDays,
			}, zerolog.Nop())
			if err != nil {
				return err
			}
			defer hs.Close()

			q := store.HistoryQuery{
				Status: store.HistoryStatus(status),
				Limit:  limit,
				Offset: offset,
				Order:  order,
			}
			if jobRef != "" {
				id, err := resolveJobID(paths, jobRef)
				if err != nil {
					return err
				}
				q.JobID = id
			}
			if since != "" {
				d, err := timeparse.ParseDuration(since)
				if err != nil {
					return err
				}
				q.Since = time.Now().UTC().Add(-d)
			}

			entries, err := hs.Query(q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No history.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tJOB\tSTATUS\tEXIT\tDURATION\tERROR")
			for _, e := range entries {
				jobLabel := strconv.Itoa(e.JobID)
				if e.JobName != "" {
					jobLabel = e.JobName
				}
				exit := "-"
				if e.ExitCode != nil {
					exit = strconv.Itoa(*e.ExitCode)
				}
				errMsg := ""
				if e.Error != nil {
					errMsg = *e.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n",
					e.StartTime.Local().Format("2006-01-02 15:04:05"),
					jobLabel, e.Status, exit, e.Duration, errMsg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&jobRef, "job", "", "filter by job (id or name)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (success, failed, timeout, killed)")
	cmd.Flags().StringVar(&since, "since", "", `only entries newer than this age ("24h", "7d")`)
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip entries")
	cmd.Flags().StringVar(&order, "order", "desc", "sort order (asc, desc)")
	return cmd
}

// resolveJobID maps a job reference to its id without requiring a running
// daemon: it reads the jobs file directly.
func resolveJobID(paths infra.Paths, ref string) (int, error) {
	js := store.NewJobStore(paths.JobsFile())
	j, err := js.GetByRef(ref)
	if err != nil {
		return 0, err
	}
	if j == nil {
		return 0, fmt.Errorf("job not found: %s", ref)
	}
	return j.ID, nil
}
