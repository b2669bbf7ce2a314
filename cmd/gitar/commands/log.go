package commands

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tangled.org/rknarc.net/gitar/internal/dedup"
)

func NewLogCommand() *cobra.Command {
	var (
		last    int
		oneline bool
		reverse bool
		noPager bool
	)

	cmd := &cobra.Command{
		Use:     "log",
		Aliases: []string{"history"},
		Short:   "Show archived dump history",
		Long: `Show archived dump history

Lists archived dumps from the ledger, newest first, with their commit
hashes, registry timestamps and content digests. Output is piped
through 'less' (or $PAGER) when stdout is a terminal.`,

		Example: `  # Show all dumps (newest first, auto-paged)
  gitar log

  # Show last 10 dumps
  gitar log -n 10

  # One-line format
  gitar log --oneline

  # Oldest first
  gitar log --reverse

  # Disable pager
  gitar log --no-pager`,

		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := openGitar(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer g.Close()

			entries, err := g.Log().Entries()
			if err != nil {
				return err
			}
			if !reverse {
				for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
					entries[i], entries[j] = entries[j], entries[i]
				}
			}
			if last > 0 && last < len(entries) {
				entries = entries[:last]
			}

			var w io.Writer = os.Stdout
			if !noPager && isTTY(os.Stdout) {
				pager, done, err := startPager()
				if err == nil {
					w = pager
					defer done()
				}
			}

			for _, e := range entries {
				if oneline {
					fmt.Fprintf(w, "%s %s %s\n", e.CommitHash[:12],
						time.Unix(e.Record.SigningTime, 0).UTC().Format("2006-01-02 15:04:05"),
						e.Record.XML.SHA256[:16])
					continue
				}
				printEntry(w, e)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&last, "last", "n", 0, "show only the last N dumps")
	cmd.Flags().BoolVar(&oneline, "oneline", false, "one line per dump")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "oldest first")
	cmd.Flags().BoolVar(&noPager, "no-pager", false, "do not pipe output through a pager")
	return cmd
}

func printEntry(w io.Writer, e dedup.Entry) {
	fmt.Fprintf(w, "commit %s\n", e.CommitHash)
	fmt.Fprintf(w, "Signed:    %s\n", time.Unix(e.Record.SigningTime, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:   %s\n", time.Unix(e.Record.UpdateTime, 0).UTC().Format(time.RFC3339))
	if e.Record.UpdateTimeUrgently != 0 {
		fmt.Fprintf(w, "Urgently:  %s\n", time.Unix(e.Record.UpdateTimeUrgently, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "SHA-256:   %s\n", e.Record.XML.SHA256)
	fmt.Fprintf(w, "Git blob:  %s\n", e.Record.XML.Git)
	fmt.Fprintf(w, "\n")
}

// isTTY checks if the given file is a terminal
func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// startPager starts a pager process; the returned func waits for it.
func startPager() (io.Writer, func(), error) {
	pagerCmd := os.Getenv("PAGER")
	if pagerCmd == "" {
		pagerCmd = "less -FRX"
	}

	cmd := exec.Command("sh", "-c", pagerCmd)
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return pipe, func() {
		pipe.Close()
		cmd.Wait()
	}, nil
}
