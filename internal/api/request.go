package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// CreateRFQRequest is the payload to create a procurement RFQ.
type CreateRFQRequest struct {
	Title       string            `json:"title" example:"Hot-rolled coil Q3"`
	BuyerID     string            `json:"buyer_id" example:"buyer-acme"`
	AuctionType string            `json:"auction_type" example:"REVERSE"`
	OpensAt     time.Time         `json:"opens_at"`
	Deadline    time.Time         `json:"deadline"`
	Invited     []string          `json:"invited"`
	LineItems   []LineItemRequest `json:"line_items"`
	Config      rfq.AuctionConfig `json:"config"`
}

// LineItemRequest is one procurable line of the RFQ payload.
type LineItemRequest struct {
	ID            string          `json:"id" example:"li-1"`
	Description   string          `json:"description" example:"hot-rolled coil"`
	Quantity      decimal.Decimal `json:"quantity" example:"40"`
	UnitOfMeasure string          `json:"unit_of_measure" example:"t"`
}

// TransitionRequest drives one lifecycle verb.
type TransitionRequest struct {
	Verb     string            `json:"verb" example:"PUBLISH"`
	Actor    string            `json:"actor" example:"buyer-acme"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubmitBidRequest is the payload for a supplier offer. Origin is optional;
// when absent the connection's remote address is recorded instead.
type SubmitBidRequest struct {
	ParticipantID string                     `json:"participant_id" example:"sup-1"`
	TotalAmount   decimal.Decimal            `json:"total_amount" example:"95000.00"`
	LinePrices    map[string]decimal.Decimal `json:"line_prices,omitempty"`
	Responses     map[string]decimal.Decimal `json:"responses,omitempty"`
	NotBefore     *time.Time                 `json:"not_before,omitempty"`
	NotAfter      *time.Time                 `json:"not_after,omitempty"`
	Origin        string                     `json:"origin,omitempty"`
}
