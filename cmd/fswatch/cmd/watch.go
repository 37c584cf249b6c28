package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/config"
)

func newWatchCmd() *cobra.Command {
	var (
		events []string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "watch PATH...",
		Short: "Print events for paths as they happen",
		Long: `Watch each PATH and print one line per event until interrupted, or until
--count events have been printed. Watches are removed on exit.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mask, err := inotify.ParseEventKinds(events)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchPaths(ctx, cmd.OutOrStdout(), newLogger(logLevel), args, mask, count)
		},
	}

	cmd.Flags().StringSliceVar(&events, "events", config.DefaultEvents, "Event kinds to report")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many events (0 means no limit)")

	return cmd
}

// watchPaths adds a watch for every path and prints events to out until ctx
// is done or count events (when positive) have been printed.
func watchPaths(ctx context.Context, out io.Writer, logger *slog.Logger, paths []string, mask inotify.EventKind, count int) error {
	sess, err := inotify.NewSession(inotify.WithLogger(logger))
	if err != nil {
		return err
	}
	defer sess.Close()

	ids := make([]inotify.WatchID, 0, len(paths))
	for _, p := range paths {
		id, err := sess.AddWatch(p, mask)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		logger.Debug("watch: added", slog.String("path", p), slog.Int("wd", int(id)))
	}
	defer func() {
		for _, id := range ids {
			// The kernel drops watches on deleted objects by itself.
			if _, ok := sess.Lookup(id); !ok {
				continue
			}
			if err := sess.RemoveWatch(id); err != nil {
				logger.Warn("watch: remove failed", slog.Int("wd", int(id)), slog.Any("error", err))
			}
		}
	}()

	// The waker must be gone before the deferred Close runs.
	done := make(chan struct{})
	wakerDone := make(chan struct{})
	go func() {
		defer close(wakerDone)
		select {
		case <-ctx.Done():
			_ = sess.Interrupt()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-wakerDone
	}()

	for n := 0; count <= 0 || n < count; {
		ev, err := sess.WaitForEvent()
		switch {
		case err == nil:
		case errors.Is(err, inotify.ErrInterrupted):
			return nil
		case errors.Is(err, inotify.ErrQueueOverflow):
			fmt.Fprintln(out, "warning: event queue overflowed, events were lost")
			continue
		default:
			return err
		}
		fmt.Fprintln(out, ev)
		n++
	}
	return nil
}
