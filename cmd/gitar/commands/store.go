package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"tangled.org/rknarc.net/gitar/internal/types"
)

func NewStoreCommand() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "store <dump.xml> <dump.xml.sig>",
		Short: "Archive a local dump",
		Long: `Archive a local dump

Verifies the detached signature of a dump already on disk and commits
it to the archive. Dumps whose content is already archived are skipped
without creating a commit.`,

		Example: `  # Archive a dump pair
  gitar store ./dump.xml ./dump.xml.sig

  # Record where it came from
  gitar store --source backup ./dump.xml ./dump.xml.sig`,

		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGitar(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer g.Close()

			result, err := g.StoreSnapshot(cmd.Context(), &types.Snapshot{
				XMLPath: args[0],
				SigPath: args[1],
				Source:  source,
			})
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Printf("Already archived (sha256 %s)\n", result.Manifest.XML.SHA256)
				return nil
			}
			fmt.Printf("Archived %s\n", result.CommitHash)
			fmt.Printf("  signer:       %s\n", result.Manifest.SignerCN)
			fmt.Printf("  signing time: %s\n", result.Manifest.SigningTime.UTC())
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "manual", "source label recorded with the fetch")
	return cmd
}
