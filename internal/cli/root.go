// Package cli implements the auctionctl commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/optisync"
	"github.com/unkn0wn-root/optisync/auction"
	"github.com/unkn0wn-root/optisync/config"
	"github.com/unkn0wn-root/optisync/internal/app"
)

// RootOptions holds global flags.
type RootOptions struct {
	ConfigPath string
	// LogOut receives structured logs; stderr by default.
	LogOut io.Writer
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "auctionctl",
		Short:         "Administer auctions with optimistic, compensated two-entity updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.LogOut == nil {
				opts.LogOut = cmd.ErrOrStderr()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))
	cmd.AddCommand(newUnpublishCommand(opts))
	cmd.AddCommand(newVerifyWinnerCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	return cmd
}

func session(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, opts.LogOut)
}

// flow prefetches keys, runs fn, refreshes keys and prints the outcome.
func flow(cmd *cobra.Command, opts *RootOptions, keys []optisync.Key, fn func(context.Context, *auction.Service) (optisync.Result, error)) error {
	ctx := cmd.Context()
	a, err := session(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	for _, k := range keys {
		if err := a.Store.Refetch(ctx, k); err != nil {
			return fmt.Errorf("load %s: %w", k, err)
		}
	}
	res, runErr := fn(ctx, a.Service)
	for _, k := range keys {
		if err := a.Store.Refetch(ctx, k); err != nil {
			a.Log.Warn("refresh failed", optisync.Fields{"key": k.String(), "err": err})
		}
	}
	if err := report(cmd.OutOrStdout(), a, res, keys); err != nil {
		return err
	}
	return runErr
}

type entityOut struct {
	Key     string            `json:"key"`
	Present bool              `json:"present"`
	Version uint64            `json:"version"`
	Value   optisync.Document `json:"value,omitempty"`
}

type reportOut struct {
	Op       string      `json:"op"`
	OpID     string      `json:"op_id,omitempty"`
	State    string      `json:"state"`
	Message  string      `json:"message,omitempty"`
	Level    string      `json:"level,omitempty"`
	Retry    bool        `json:"retryable,omitempty"`
	Entities []entityOut `json:"entities"`
}

func report(w io.Writer, a *app.App, res optisync.Result, keys []optisync.Key) error {
	out := reportOut{Op: res.Op, OpID: res.ID, State: res.State.String()}
	if notes := a.Notes.All(); len(notes) > 0 {
		n := notes[len(notes)-1]
		out.Message, out.Level, out.Retry = n.Message, n.Level.String(), n.Retryable
	}
	for _, k := range keys {
		e, _, err := a.Store.Read(context.Background(), k)
		if err != nil {
			return err
		}
		out.Entities = append(out.Entities, entityOut{Key: k.String(), Present: e.Present, Version: e.Version, Value: e.Value})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
