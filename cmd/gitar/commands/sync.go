package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func NewSyncCommand() *cobra.Command {
	var (
		continuous bool
	)

	cmd := &cobra.Command{
		Use:     "sync",
		Aliases: []string{"fetch"},
		Short:   "Fetch new dumps from donors",
		Long: `Fetch new dumps from donors

Polls every configured donor once, archiving each novel dump, then runs
the mirror replication phase. Use --continuous to keep cycling at the
configured period until interrupted.`,

		Example: `  # One polling cycle
  gitar sync

  # Run as a daemon
  gitar sync --continuous

  # Daemon with verbose logging
  gitar sync --continuous -v`,

		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")

			g, config, err := openGitar(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer g.Close()

			sched, err := g.NewScheduler()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if continuous {
				if !quiet {
					fmt.Printf("Syncing every %s from %d donor(s)\n", config.Period, len(config.Donors))
					fmt.Printf("(Press Ctrl+C to stop)\n")
				}
				return sched.Run(ctx)
			}
			return sched.RunCycle(ctx)
		},
	}

	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep polling until interrupted")
	return cmd
}
