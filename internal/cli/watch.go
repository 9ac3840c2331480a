package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow realtime invalidations and settle the cache until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := session(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			l, err := a.Listener()
			if err != nil {
				return err
			}
			if l == nil {
				return errors.New("realtime.url is not configured")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", a.Config.Realtime.URL)
			err = l.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "stopped after %d invalidations\n", l.Handled())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
