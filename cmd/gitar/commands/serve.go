package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func NewServeCommand() *cobra.Command {
	var (
		addr     string
		syncMode bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the archive over HTTP",
		Long: `Serve the archive over HTTP

Starts the read API (dump listing, content probes, raw and compressed
dump download, websocket commit notifications) and, when an upload
token is configured, the write endpoint that lets peer instances push
novel dumps. Use --sync to also run the donor polling loop in the
background.`,

		Example: `  # Serve on the configured address
  gitar serve

  # Serve and poll donors
  gitar serve --sync

  # Override the listen address
  gitar serve --addr :9090`,

		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")

			g, config, err := openGitar(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer g.Close()

			if addr != "" {
				config.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := g.NewServer(GetVersion())

			errCh := make(chan error, 2)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			if syncMode {
				sched, err := g.NewScheduler()
				if err != nil {
					return err
				}
				go func() {
					errCh <- sched.Run(ctx)
				}()
			}

			if !quiet {
				fmt.Printf("Serving archive on %s\n", config.Server.Addr)
				if syncMode {
					fmt.Printf("Polling %d donor(s) every %s\n", len(config.Donors), config.Period)
				}
				fmt.Printf("(Press Ctrl+C to stop)\n")
			}

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&syncMode, "sync", false, "also poll donors in the background")
	return cmd
}
