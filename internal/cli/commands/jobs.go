package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/ipc"
	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/timeparse"
)

// NewAddCommand creates the add subcommand.
func NewAddCommand() *cobra.Command {
	var (
		name    string
		cronExp string
		at      string
		tags    []string
		env     []string
		cwd     string
		shell   string
		timeout string
		retry   int
	)
	cmd := &cobra.Command{
		Use:   "add <command>",
		Short: "Add a job",
		Args:  cobra.ExactArgs(1),
		Example: `  jobman add --cron "*/5 * * * *" "backup.sh"
  jobman add --at "today 23:30" "shutdown-report.sh"
  jobman add --at "+30m" --timeout 5m --retry 2 "flaky-sync.sh"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := &job.Data{
				Command: args[0],
				Name:    name,
				Cron:    cronExp,
				Tags:    tags,
				Cwd:     cwd,
				Shell:   shell,
				Retry:   retry,
			}
			if at != "" {
				t, err := timeparse.ParseTimeSpec(at, time.Now())
				if err != nil {
					return err
				}
				data.RunAt = &t
			}
			if timeout != "" {
				d, err := timeparse.ParseDuration(timeout)
				if err != nil {
					return err
				}
				jd := job.Duration(d)
				data.Timeout = &jd
			}
			if len(env) > 0 {
				data.Env = make(map[string]string, len(env))
				for _, kv := range env {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
					}
					data.Env[k] = v
				}
			}

			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobAdd, JobData: data})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			j := resp.Job
			fmt.Fprintf(cmd.OutOrStdout(), "Added job %d (%s)\n", j.ID, j.Type)
			if j.NextRun != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Next run: %s\n", j.NextRun.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique job name")
	cmd.Flags().StringVar(&cronExp, "cron", "", "cron expression (5 or 6 fields)")
	cmd.Flags().StringVar(&at, "at", "", `one-shot time ("today 14:30", "+30m", RFC 3339)`)
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&shell, "shell", "", "shell override")
	cmd.Flags().StringVar(&timeout, "timeout", "", `execution timeout ("30s", "5m")`)
	cmd.Flags().IntVar(&retry, "retry", 0, "retry count on failure")
	return cmd
}

// NewListCommand creates the list subcommand.
func NewListCommand() *cobra.Command {
	var status, tag, jobType string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List jobs",
		Example: `  jobman list --status active --tag backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{
				Type:    ipc.TypeJobList,
				Status:  status,
				Tag:     tag,
				JobType: jobType,
			})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tSCHEDULE\tNEXT RUN\tLAST RESULT\tCOMMAND")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, dash(j.Name), j.Type, j.Status, scheduleOf(j),
					timeOrDash(j.NextRun), dash(string(j.LastResult)), truncate(j.Command, 40))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by type (cron, once)")
	return cmd
}

// NewGetCommand creates the get subcommand.
func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <id|name>",
		Short:   "Show one job",
		Args:    cobra.ExactArgs(1),
		Example: `  jobman get nightly-backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobGet, Ref: args[0]})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}

			j := resp.Job
			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%d\n", j.ID)
			fmt.Fprintf(w, "Name:\t%s\n", dash(j.Name))
			fmt.Fprintf(w, "Command:\t%s\n", j.Command)
			fmt.Fprintf(w, "Type:\t%s\n", j.Type)
			fmt.Fprintf(w, "Status:\t%s\n", j.Status)
			fmt.Fprintf(w, "Schedule:\t%s\n", scheduleOf(j))
			fmt.Fprintf(w, "Next run:\t%s\n", timeOrDash(j.NextRun))
			fmt.Fprintf(w, "Last run:\t%s\n", timeOrDash(j.LastRun))
			fmt.Fprintf(w, "Last result:\t%s\n", dash(string(j.LastResult)))
			fmt.Fprintf(w, "Run count:\t%d\n", j.RunCount)
			if len(j.Tags) > 0 {
				fmt.Fprintf(w, "Tags:\t%s\n", strings.Join(j.Tags, ", "))
			}
			if j.Timeout != nil {
				fmt.Fprintf(w, "Timeout:\t%s\n", time.Duration(*j.Timeout))
			}
			if j.Retry > 0 {
				fmt.Fprintf(w, "Retry:\t%d\n", j.Retry)
			}
			if j.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", j.Error)
			}
			return w.Flush()
		},
	}
}

// NewRemoveCommand creates the rm subcommand.
func NewRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id|name>",
		Aliases: []string{"remove"},
		Short:   "Remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobRemove, Ref: args[0]})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed job %d\n", resp.Job.ID)
			return nil
		},
	}
}

// NewUpdateCommand creates the update subcommand.
func NewUpdateCommand() *cobra.Command {
	var (
		command string
		name    string
		cronExp string
		at      string
		timeout string
		retry   int
	)
	cmd := &cobra.Command{
		Use:   "update <id|name>",
		Short: "Update a job",
		Args:  cobra.ExactArgs(1),
		Example: `  jobman update 3 --cron "0 6 * * *"
  jobman update nightly-backup --timeout 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := &job.Patch{}
			if cmd.Flags().Changed("command") {
				patch.Command = &command
			}
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("cron") {
				patch.Cron = &cronExp
			}
			if cmd.Flags().Changed("at") {
				t, err := timeparse.ParseTimeSpec(at, time.Now())
				if err != nil {
					return err
				}
				patch.RunAt = &t
			}
			if cmd.Flags().Changed("timeout") {
				d, err := timeparse.ParseDuration(timeout)
				if err != nil {
					return err
				}
				jd := job.Duration(d)
				patch.Timeout = &jd
			}
			if cmd.Flags().Changed("retry") {
				patch.Retry = &retry
			}

			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobUpdate, Ref: args[0], Patch: patch})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated job %d\n", resp.Job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "new command")
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&cronExp, "cron", "", "new cron expression (clears one-shot time)")
	cmd.Flags().StringVar(&at, "at", "", "new one-shot time (clears cron)")
	cmd.Flags().StringVar(&timeout, "timeout", "", "new timeout")
	cmd.Flags().IntVar(&retry, "retry", 0, "new retry count")
	return cmd
}

// NewPauseCommand creates the pause subcommand.
func NewPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id|name>",
		Short: "Pause a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobPause, Ref: args[0]})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused job %d\n", resp.Job.ID)
			return nil
		},
	}
}

// NewResumeCommand creates the resume subcommand.
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id|name>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobResume, Ref: args[0]})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			j := resp.Job
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed job %d\n", j.ID)
			if j.NextRun != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Next run: %s\n", j.NextRun.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

// NewRunCommand creates the run subcommand.
func NewRunCommand() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "run <id|name>",
		Short: "Run a job now",
		Args:  cobra.ExactArgs(1),
		Example: `  # Stream output and wait for the result
  jobman run nightly-backup

  # Fire and forget
  jobman run nightly-backup --no-wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()

			if noWait {
				resp, err := client.Call(&ipc.Request{Type: ipc.TypeJobRun, Ref: args[0]})
				if err != nil {
					return err
				}
				if err := checkError(resp); err != nil {
					return err
				}
				fmt.Fprintln(out, "Queued")
				return nil
			}

			resp, err := client.CallStream(
				&ipc.Request{Type: ipc.TypeJobRun, Ref: args[0], Wait: true},
				func(stream, chunk string) {
					if stream == "stderr" {
						fmt.Fprint(errOut, chunk)
					} else {
						fmt.Fprint(out, chunk)
					}
				})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}

			res := resp.Result
			if res == nil {
				return fmt.Errorf("missing result")
			}
			if res.Status == "success" {
				fmt.Fprintf(out, "Job finished in %d ms\n", res.Duration)
				return nil
			}
			detail := string(res.Status)
			if res.Error != nil {
				detail = *res.Error
			}
			return fmt.Errorf("job failed: %s (attempts: %d)", detail, res.Attempts)
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "queue the run and return immediately")
	return cmd
}

func scheduleOf(j *job.Job) string {
	if j.Cron != "" {
		return j.Cron
	}
	if j.RunAt != nil {
		return j.RunAt.Local().Format("2006-01-02 15:04:05")
	}
	return "-"
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
