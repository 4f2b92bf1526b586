package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/infra"
	"github.com/jobman/jobman/internal/store"
)

// NewLogsCommand creates the logs subcommand. Logs are read straight from
// the per-job log files. Following across a daemon-side rotation may miss
// the split; that is a known limitation of tailing the file directly.
func NewLogsCommand() *cobra.Command {
	var (
		follow bool
		tail   int
	)
	cmd := &cobra.Command{
		Use:   "logs [id|name]",
		Short: "Show a job's log (or the daemon log)",
		Args:  cobra.MaximumNArgs(1),
		Example: `  jobman logs nightly-backup
  jobman logs nightly-backup -f
  jobman logs          # daemon log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := infra.Resolve()

			var path string
			if len(args) == 0 {
				path = paths.DaemonLogFile()
			} else {
				js := store.NewJobStore(paths.JobsFile())
				j, err := js.GetByRef(args[0])
				if err != nil {
					return err
				}
				if j == nil {
					return fmt.Errorf("job not found: %s", args[0])
				}
				path = paths.JobLogFile(j.ID, j.Name)
			}

			f, err := os.Open(path)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no log at %s", path)
				}
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			if err := printTail(out, f, tail); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			// Poll-tail from the current offset.
			for {
				time.Sleep(500 * time.Millisecond)
				if _, err := io.Copy(out, f); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as the log grows")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "only the last N bytes (0 = whole file)")
	return cmd
}

func printTail(out io.Writer, f *os.File, tailBytes int) error {
	if tailBytes > 0 {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() > int64(tailBytes) {
			if _, err := f.Seek(-int64(tailBytes), io.SeekEnd); err != nil {
				return err
			}
		}
	}
	_, err := io.Copy(out, f)
	return err
}
