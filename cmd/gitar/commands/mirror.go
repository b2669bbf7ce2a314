package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewMirrorCommand() *cobra.Command {
	var budget time.Duration

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Replicate commits onto the mirror branch",
		Long: `Replicate commits onto the mirror branch

Replays primary-branch commits the mirror does not have yet, splitting
dump files that exceed the chunk ceiling into numbered pieces. When a
mirror remote is configured the branch is pushed after replication.`,

		Example: `  # Replicate with the default budget
  gitar mirror

  # Replicate for up to five minutes
  gitar mirror --budget 5m`,

		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGitar(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer g.Close()

			result, err := g.SyncMirror(cmd.Context(), budget)
			if err != nil {
				return err
			}
			fmt.Printf("Replicated %d commit(s), %d remaining\n", result.Replicated, result.Remaining)
			if result.Pushed {
				fmt.Printf("Pushed mirror branch\n")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&budget, "budget", time.Minute, "time budget for replication")
	return cmd
}
