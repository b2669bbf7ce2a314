package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	gitar "tangled.org/rknarc.net/gitar"
)

func NewInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new archive",
		Long: `Initialize a new archive

Creates the bare git repository with its deterministic genesis commit
and the deduplication ledger. Two archives initialized independently
start from the same genesis, so their histories converge as they ingest
the same dumps.`,

		Example: `  # Initialize in the current directory
  gitar init

  # Initialize elsewhere
  gitar init --dir /srv/gitar`,

		RunE: func(cmd *cobra.Command, args []string) error {
			config, dir, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := os.Stat(config.GitDir); err == nil {
				return fmt.Errorf("archive already exists in %s", dir)
			}

			g, _, err := openGitar(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer g.Close()

			head, err := g.Store().ReadRef(cmd.Context(), gitar.PrimaryRef)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized archive in %s\n", dir)
			fmt.Printf("  genesis: %s\n", head)
			return nil
		},
	}
	return cmd
}
