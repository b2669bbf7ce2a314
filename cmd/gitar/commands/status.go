package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	gitar "tangled.org/rknarc.net/gitar"
)

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archive status",
		Long: `Show archive status

Prints the archived dump count, branch heads, replication backlog and
loose object volume.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, _, err := openGitar(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer g.Close()

			count, err := g.Log().Count()
			if err != nil {
				return err
			}
			maxUpdate, err := g.Log().MaxUpdateTime()
			if err != nil {
				return err
			}
			pending, err := g.Log().Unreplicated(1000)
			if err != nil {
				return err
			}
			primary, err := g.Store().ReadRef(ctx, gitar.PrimaryRef)
			if err != nil {
				return err
			}
			mirror, err := g.Store().ReadRef(ctx, gitar.MirrorRef)
			if err != nil {
				return err
			}
			heap, err := g.Store().HeapBytes(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Archive status\n")
			fmt.Printf("──────────────\n")
			fmt.Printf("  Dumps:        %d\n", count)
			if maxUpdate > 0 {
				fmt.Printf("  Latest dump:  %s\n", time.Unix(maxUpdate, 0).UTC().Format(time.RFC3339))
			}
			fmt.Printf("  Primary head: %s\n", primary[:12])
			fmt.Printf("  Mirror head:  %s\n", mirror[:12])
			fmt.Printf("  Unmirrored:   %d\n", len(pending))
			fmt.Printf("  Misordered:   %d\n", g.Engine().Misordered())
			fmt.Printf("  Loose bytes:  %s\n", formatBytes(heap))
			return nil
		},
	}
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
