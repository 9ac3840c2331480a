package auction

import (
	"context"
	"time"

	"github.com/unkn0wn-root/optisync"
)

// ServiceOptions tune a Service.
type ServiceOptions struct {
	Notifier Notifier
	Now      func() time.Time // publish validation clock; default time.Now
}

// Service runs the admin flows through a Coordinator. Each flow emits
// exactly one notification.
type Service struct {
	coord  *optisync.Coordinator
	notify Notifier
	now    func() time.Time
}

func NewService(coord *optisync.Coordinator, opts ServiceOptions) *Service {
	s := &Service{coord: coord, notify: opts.Notifier, now: opts.Now}
	if s.notify == nil {
		s.notify = NopNotifier{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type CancelAuction struct {
	AuctionID    string
	ItemID       string
	BidIncrement string
	ReservePrice string
}

type DeleteAuction struct {
	AuctionID string
	ItemID    string
}

type PublishAuction struct {
	AuctionID    string
	Start        time.Time
	End          time.Time
	BidIncrement string
	ReservePrice string
}

type UnpublishAuction struct {
	AuctionID    string
	BidIncrement string
	ReservePrice string
}

// Bid is the winning bid being verified.
type Bid struct {
	UserID   string
	Username string
	Amount   string
}

type VerifyWinner struct {
	AuctionID string
	ItemID    string
	Bid       Bid
}

// Cancel returns the item to auction stock, then cancels the auction.
func (s *Service) Cancel(ctx context.Context, in CancelAuction) (optisync.Result, error) {
	var es ValidationErrors
	es = appendIf(es, checkID("auction_id", in.AuctionID), checkID("item_id", in.ItemID),
		checkAmount(FieldBidIncrement, in.BidIncrement), checkAmount(FieldReservePrice, in.ReservePrice))
	op := optisync.Operation{
		Name: "cancel_auction",
		Legs: []optisync.Leg{
			{Key: ItemKey(in.ItemID), Patch: optisync.Patch{FieldStatus: string(ItemAuction)}},
			{Key: AuctionKey(in.AuctionID), Patch: optisync.Patch{
				FieldStatus:       string(Cancelled),
				FieldBidIncrement: in.BidIncrement,
				FieldReservePrice: in.ReservePrice,
			}},
		},
		Regions: settleRegions(),
	}
	return s.run(ctx, op, es.orNil(), "Auction cancelled", "Failed to cancel auction")
}

// Delete returns the item to auction stock, then deletes the auction.
func (s *Service) Delete(ctx context.Context, in DeleteAuction) (optisync.Result, error) {
	var es ValidationErrors
	es = appendIf(es, checkID("auction_id", in.AuctionID), checkID("item_id", in.ItemID))
	op := optisync.Operation{
		Name: "delete_auction",
		Legs: []optisync.Leg{
			{Key: ItemKey(in.ItemID), Patch: optisync.Patch{FieldStatus: string(ItemAuction)}},
			{Key: AuctionKey(in.AuctionID), Delete: true},
		},
		Regions: settleRegions(),
	}
	return s.run(ctx, op, es.orNil(), "Auction deleted", "Failed to delete auction")
}

// Publish schedules a draft auction.
func (s *Service) Publish(ctx context.Context, in PublishAuction) (optisync.Result, error) {
	var es ValidationErrors
	es = appendIf(es, checkID("auction_id", in.AuctionID),
		checkAmount(FieldBidIncrement, in.BidIncrement), checkAmount(FieldReservePrice, in.ReservePrice))
	es = append(es, checkSchedule(in.Start, in.End, s.now())...)
	op := optisync.Operation{
		Name: "publish_auction",
		Legs: []optisync.Leg{{Key: AuctionKey(in.AuctionID), Patch: optisync.Patch{
			FieldStatus:       string(Published),
			FieldStart:        FormatTime(in.Start),
			FieldEnd:          FormatTime(in.End),
			FieldBidIncrement: in.BidIncrement,
			FieldReservePrice: in.ReservePrice,
		}}},
		Regions: settleRegions(),
	}
	return s.run(ctx, op, es.orNil(), "Auction published", "Failed to publish auction")
}

// Unpublish returns a published auction to draft.
func (s *Service) Unpublish(ctx context.Context, in UnpublishAuction) (optisync.Result, error) {
	var es ValidationErrors
	es = appendIf(es, checkID("auction_id", in.AuctionID),
		checkAmount(FieldBidIncrement, in.BidIncrement), checkAmount(FieldReservePrice, in.ReservePrice))
	op := optisync.Operation{
		Name: "unpublish_auction",
		Legs: []optisync.Leg{{Key: AuctionKey(in.AuctionID), Patch: optisync.Patch{
			FieldStatus:       string(Draft),
			FieldBidIncrement: in.BidIncrement,
			FieldReservePrice: in.ReservePrice,
		}}},
		Regions: settleRegions(),
	}
	return s.run(ctx, op, es.orNil(), "Auction unpublished", "Failed to unpublish auction")
}

// VerifyWinner marks the item sold to the bidder, then completes the
// auction with the winning bid.
func (s *Service) VerifyWinner(ctx context.Context, in VerifyWinner) (optisync.Result, error) {
	var es ValidationErrors
	es = appendIf(es, checkID("auction_id", in.AuctionID), checkID("item_id", in.ItemID),
		checkID("user_id", in.Bid.UserID), checkAmount("amount", in.Bid.Amount))
	op := optisync.Operation{
		Name: "verify_winner",
		Legs: []optisync.Leg{
			{Key: ItemKey(in.ItemID), Patch: optisync.Patch{
				FieldStatus:    string(ItemSold),
				FieldBuyerName: in.Bid.Username,
			}},
			{Key: AuctionKey(in.AuctionID), Patch: optisync.Patch{
				FieldWinnerID:   in.Bid.UserID,
				FieldFinalPrice: in.Bid.Amount,
				FieldStatus:     string(Completed),
			}},
		},
		Regions: settleRegions(),
	}
	return s.run(ctx, op, es.orNil(), "Winner verified successfully", "Failed to verify winner")
}

// run rejects invalid input without touching cache or network; otherwise
// it hands op to the coordinator and notifies once from its callbacks.
func (s *Service) run(ctx context.Context, op optisync.Operation, invalid error, okMsg, failMsg string) (optisync.Result, error) {
	if invalid != nil {
		s.notify.Notify(Notification{Op: op.Name, Level: LevelError, Message: failMsg + ": " + invalid.Error(), Err: invalid})
		return optisync.Result{Op: op.Name, State: optisync.Idle, Err: invalid}, invalid
	}
	res := s.coord.Run(ctx, op, optisync.Callbacks{
		OnSuccess: func(optisync.Result) {
			s.notify.Notify(Notification{Op: op.Name, Level: LevelSuccess, Message: okMsg})
		},
		OnError: func(r optisync.Result, err error) {
			lvl := LevelError
			if r.Degraded() {
				lvl = LevelWarning
			}
			s.notify.Notify(Notification{
				Op:        op.Name,
				Level:     lvl,
				Message:   failMsg + ": " + reason(err),
				Err:       err,
				Retryable: optisync.Retryable(err),
			})
		},
	})
	return res, res.Err
}

func appendIf(es ValidationErrors, checks ...*ValidationError) ValidationErrors {
	for _, c := range checks {
		if c != nil {
			es = append(es, c)
		}
	}
	return es
}
