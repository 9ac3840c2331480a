// Package auction holds the admin flows that change an auction and its item
// together: cancel, delete, publish, unpublish and winner verification.
package auction

import "github.com/unkn0wn-root/optisync"

// Entity types as cached and as addressed on the API.
const (
	TypeAuction     optisync.EntityType = "auction"
	TypeItem        optisync.EntityType = "item"
	TypeTransaction optisync.EntityType = "transaction"
)

// Status is an auction's lifecycle status.
type Status string

const (
	Draft     Status = "DRAFT"
	Pending   Status = "PENDING"
	Published Status = "PUBLISHED"
	Started   Status = "STARTED"
	Ended     Status = "ENDED"
	Completed Status = "COMPLETED"
	Cancelled Status = "CANCELLED"
	Deleted   Status = "DELETED"
)

// ItemStatus is the status of the item being auctioned.
type ItemStatus string

const (
	ItemAvailable ItemStatus = "AVAILABLE"
	ItemAuction   ItemStatus = "AUCTION"
	ItemSold      ItemStatus = "SOLD"
)

// Field names shared with the API.
const (
	FieldStatus       = "status"
	FieldBidIncrement = "bid_increment"
	FieldReservePrice = "reserve_price"
	FieldStart        = "start_datetime"
	FieldEnd          = "end_datetime"
	FieldWinnerID     = "winner_id"
	FieldFinalPrice   = "final_price"
	FieldBuyerName    = "buyer_name"
)

func AuctionKey(id string) optisync.Key { return optisync.DetailKey(TypeAuction, id) }
func ItemKey(id string) optisync.Key    { return optisync.DetailKey(TypeItem, id) }

func AuctionListKey(params map[string]string) optisync.Key {
	return optisync.ListKey(TypeAuction, params)
}

func ItemListKey(params map[string]string) optisync.Key {
	return optisync.ListKey(TypeItem, params)
}

func TransactionListKey(params map[string]string) optisync.Key {
	return optisync.ListKey(TypeTransaction, params)
}

// settleRegions are invalidated after every flow, whatever the outcome.
func settleRegions() []optisync.Region {
	return []optisync.Region{{Type: TypeAuction}, {Type: TypeItem}}
}
