package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/fswatch/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the watch change audit log",
	}
	cmd.AddCommand(newAuditVerifyCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "verify PATH",
		Short: "Verify the hash chain of an audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.Verify(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if list {
				for _, c := range audit.WatchChanges(entries) {
					fmt.Fprintf(out, "%-14s wd=%-4d %s %s\n", c.Action, c.WatchID, c.Name, c.Path)
				}
			}
			last := audit.GenesisHash
			if n := len(entries); n > 0 {
				last = entries[n-1].EventHash
			}
			fmt.Fprintf(out, "ok: %d entries, head %s\n", len(entries), last)
			if n := len(entries); n > 0 {
				fmt.Fprintf(out, "last entry at %s\n", entries[n-1].Timestamp.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "Print every recorded watch change")

	return cmd
}
