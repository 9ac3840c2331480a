package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/optisync"
	"github.com/unkn0wn-root/optisync/auction"
)

func requireFlags(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		_ = cmd.MarkFlagRequired(n)
	}
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	var in auction.CancelAuction
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an auction and return its item to auction stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := []optisync.Key{auction.ItemKey(in.ItemID), auction.AuctionKey(in.AuctionID)}
			return flow(cmd, opts, keys, func(ctx context.Context, s *auction.Service) (optisync.Result, error) {
				return s.Cancel(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.AuctionID, "auction", "", "auction id")
	cmd.Flags().StringVar(&in.ItemID, "item", "", "item id")
	cmd.Flags().StringVar(&in.BidIncrement, "bid-increment", "", "bid increment, decimal string")
	cmd.Flags().StringVar(&in.ReservePrice, "reserve-price", "", "reserve price, decimal string")
	requireFlags(cmd, "auction", "item", "bid-increment", "reserve-price")
	return cmd
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	var in auction.DeleteAuction
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an auction and return its item to auction stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := []optisync.Key{auction.ItemKey(in.ItemID), auction.AuctionKey(in.AuctionID)}
			return flow(cmd, opts, keys, func(ctx context.Context, s *auction.Service) (optisync.Result, error) {
				return s.Delete(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.AuctionID, "auction", "", "auction id")
	cmd.Flags().StringVar(&in.ItemID, "item", "", "item id")
	requireFlags(cmd, "auction", "item")
	return cmd
}

func newPublishCommand(opts *RootOptions) *cobra.Command {
	var in auction.PublishAuction
	var start, end string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a draft auction for a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if in.Start, err = time.Parse(time.RFC3339, start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if in.End, err = time.Parse(time.RFC3339, end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			keys := []optisync.Key{auction.AuctionKey(in.AuctionID)}
			return flow(cmd, opts, keys, func(ctx context.Context, s *auction.Service) (optisync.Result, error) {
				return s.Publish(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.AuctionID, "auction", "", "auction id")
	cmd.Flags().StringVar(&start, "start", "", "start time, RFC3339")
	cmd.Flags().StringVar(&end, "end", "", "end time, RFC3339")
	cmd.Flags().StringVar(&in.BidIncrement, "bid-increment", "", "bid increment, decimal string")
	cmd.Flags().StringVar(&in.ReservePrice, "reserve-price", "", "reserve price, decimal string")
	requireFlags(cmd, "auction", "start", "end", "bid-increment", "reserve-price")
	return cmd
}

func newUnpublishCommand(opts *RootOptions) *cobra.Command {
	var in auction.UnpublishAuction
	cmd := &cobra.Command{
		Use:   "unpublish",
		Short: "Return a published auction to draft",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := []optisync.Key{auction.AuctionKey(in.AuctionID)}
			return flow(cmd, opts, keys, func(ctx context.Context, s *auction.Service) (optisync.Result, error) {
				return s.Unpublish(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.AuctionID, "auction", "", "auction id")
	cmd.Flags().StringVar(&in.BidIncrement, "bid-increment", "", "bid increment, decimal string")
	cmd.Flags().StringVar(&in.ReservePrice, "reserve-price", "", "reserve price, decimal string")
	requireFlags(cmd, "auction", "bid-increment", "reserve-price")
	return cmd
}

func newVerifyWinnerCommand(opts *RootOptions) *cobra.Command {
	var in auction.VerifyWinner
	cmd := &cobra.Command{
		Use:   "verify-winner",
		Short: "Mark the item sold and complete the auction with the winning bid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := []optisync.Key{auction.ItemKey(in.ItemID), auction.AuctionKey(in.AuctionID)}
			return flow(cmd, opts, keys, func(ctx context.Context, s *auction.Service) (optisync.Result, error) {
				return s.VerifyWinner(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.AuctionID, "auction", "", "auction id")
	cmd.Flags().StringVar(&in.ItemID, "item", "", "item id")
	cmd.Flags().StringVar(&in.Bid.UserID, "user", "", "winning bidder id")
	cmd.Flags().StringVar(&in.Bid.Username, "username", "", "winning bidder name")
	cmd.Flags().StringVar(&in.Bid.Amount, "amount", "", "winning amount, decimal string")
	requireFlags(cmd, "auction", "item", "user", "amount")
	return cmd
}
