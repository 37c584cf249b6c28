package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/journal"
)

func newEventsCmd() *cobra.Command {
	var (
		journalPath string
		q           journal.Query
		kinds       []string
		since       string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(kinds) > 0 {
				k, err := inotify.ParseEventKinds(kinds)
				if err != nil {
					return err
				}
				q.Kind = k
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be an RFC3339 timestamp: %w", err)
				}
				q.Since = t
			}

			jr, err := journal.Open(journalPath)
			if err != nil {
				return err
			}
			defer jr.Close()

			recs, err := jr.Query(cmd.Context(), q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				for _, r := range recs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tWATCH\tPATH\tEVENTS")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.Watch, r.FullPath(), strings.Join(r.Kinds, ","))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "fswatch.db", "Path to the journal database")
	cmd.Flags().StringVar(&q.Path, "path", "", "Only events for this watched or full path")
	cmd.Flags().StringVar(&q.Watch, "watch", "", "Only events for this watch name")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Only events of these kinds")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this RFC3339 time")
	cmd.Flags().IntVar(&q.Limit, "limit", journal.DefaultLimit, "Maximum number of events")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Number of events to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output one JSON object per line")

	return cmd
}
