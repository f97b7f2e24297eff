package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/cardsync/internal/client/engine"
	"github.com/and161185/cardsync/internal/client/session"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes and pull remote ones now",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			err := s.Engine.Sync(ctx)
			n, cerr := s.Store.Count(ctx)
			if cerr != nil {
				return cerr
			}
			if err != nil {
				return fmt.Errorf("sync failed (%d changes still queued): %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced, %d changes queued\n", n)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queued changes and the last pull",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			n, err := s.Store.Count(ctx)
			if err != nil {
				return err
			}
			w, err := s.Store.Watermark(ctx)
			if err != nil {
				return err
			}
			online := s.API.Health(ctx) == nil
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"owner": s.Owner, "pendingChanges": n, "lastPull": w, "online": online,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "owner:     %s\n", s.Owner)
			fmt.Fprintf(out, "queued:    %d\n", n)
			fmt.Fprintf(out, "last pull: %s\n", formatTime(w))
			fmt.Fprintf(out, "online:    %t\n", online)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep syncing in the background and print status changes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			events, cancel := s.Engine.Subscribe(32)
			defer cancel()
			s.Start(ctx)

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					line := fmt.Sprintf("%s %-7s queued=%d", ev.At.Local().Format("15:04:05"), ev.Status, ev.PendingChanges)
					if ev.Err != nil && !errors.Is(ev.Err, engine.ErrStopped) {
						line += " err=" + ev.Err.Error()
					}
					fmt.Fprintln(out, line)
				}
			}
		})
	},
}
