package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jobman/jobman/internal/ipc"
)

// NewTagCommand creates the tag subcommand.
func NewTagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage job tags",
		Example: `  jobman tag list
  jobman tag add nightly-backup critical
  jobman tag rename critical important`,
	}
	cmd.AddCommand(newTagListCommand())
	cmd.AddCommand(newTagAddCommand())
	cmd.AddCommand(newTagRemoveCommand())
	cmd.AddCommand(newTagClearCommand())
	cmd.AddCommand(newTagRenameCommand())
	return cmd
}

func newTagListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeTagList})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Tags) == 0 {
				fmt.Fprintln(out, "No tags.")
				return nil
			}
			fmt.Fprintln(out, strings.Join(resp.Tags, "\n"))
			return nil
		},
	}
}

func newTagAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <id|name> <tag>",
		Short: "Add a tag to a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeTagAdd, Ref: args[0], Tag: args[1]})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tagged %d job(s)\n", resp.Count)
			return nil
		},
	}
}

func newTagRemoveCommand() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "remove <tag>",
		Short: "Remove a tag from one job or from all jobs",
		Args:  cobra.ExactArgs(1),
		Example: `  # From every job
  jobman tag remove obsolete

  # From one job
  jobman tag remove obsolete --job nightly-backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeTagRemove, Tag: args[0], Ref: ref})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Untagged %d job(s)\n", resp.Count)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "job", "", "limit to one job (id or name)")
	return cmd
}

func newTagClearCommand() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all tags from one job or from all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeTagClear, Ref: ref})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared tags on %d job(s)\n", resp.Count)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "job", "", "limit to one job (id or name)")
	return cmd
}

func newTagRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a tag across all jobs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := newClient()
			resp, err := client.Call(&ipc.Request{Type: ipc.TypeTagRename, Tag: args[0], NewTag: args[1]})
			if err != nil {
				return err
			}
			if err := checkError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed tag on %d job(s)\n", resp.Count)
			return nil
		},
	}
}
