// Package cli provides the command-line interface for jobman.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/cli/commands"
	"github.com/jobman/jobman/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "jobman",
	Short: "jobman - personal cron and one-shot job scheduler",
	Long: `jobman schedules shell commands: cron expressions for repeating jobs,
absolute or relative times for one-shots. A background daemon fires them,
captures output, enforces timeouts, and records history.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(commands.NewDaemonCommand())
	rootCmd.AddCommand(commands.NewAddCommand())
	rootCmd.AddCommand(commands.NewListCommand())
	rootCmd.AddCommand(commands.NewGetCommand())
	rootCmd.AddCommand(commands.NewRemoveCommand())
	rootCmd.AddCommand(commands.NewUpdateCommand())
	rootCmd.AddCommand(commands.NewPauseCommand())
	rootCmd.AddCommand(commands.NewResumeCommand())
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewTagCommand())
	rootCmd.AddCommand(commands.NewHistoryCommand())
	rootCmd.AddCommand(commands.NewFlushCommand())
	rootCmd.AddCommand(commands.NewLogsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var coded *commands.ExitError
		if errors.As(err, &coded) {
			return coded.Code
		}
		return 1
	}
	return 0
}
