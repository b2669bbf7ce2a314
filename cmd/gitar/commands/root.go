package commands

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gitar",
		Short: "Registry dump archival in git",
		Long: `gitar - registry dump archival in git

Fetches signed registry dumps from configured donors, verifies their
detached signatures, and stores every distinct dump as one commit in a
bare git repository. A mirror branch carries the same history with
oversized files split into fixed-size chunks so ordinary hosting can
serve it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("dir", "d", "", "data directory (default: current directory)")
	cmd.PersistentFlags().StringP("config", "c", "", "configuration file (YAML)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "suppress logging")

	cmd.AddCommand(NewInitCommand())
	cmd.AddCommand(NewStoreCommand())
	cmd.AddCommand(NewSyncCommand())
	cmd.AddCommand(NewMirrorCommand())
	cmd.AddCommand(NewLogCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewVerifyCommand())
	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
