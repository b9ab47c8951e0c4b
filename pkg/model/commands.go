package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmitBidCommand is the inbound queue payload for bid submission on behalf
// of a supplier channel (portal, EDI bridge, partner venue).
type SubmitBidCommand struct {
	CommandID     string                     `json:"command_id"`
	RFQID         string                     `json:"rfq_id"`
	ParticipantID string                     `json:"participant_id"`
	TotalAmount   decimal.Decimal            `json:"total_amount"`
	LinePrices    map[string]decimal.Decimal `json:"line_prices,omitempty"`
	Responses     map[string]decimal.Decimal `json:"responses,omitempty"`
	NotBefore     *time.Time                 `json:"not_before,omitempty"`
	NotAfter      *time.Time                 `json:"not_after,omitempty"`
	Source        string                     `json:"source,omitempty"`
	SubmittedAt   time.Time                  `json:"submitted_at"`
}

// Fulfillment signal statuses.
const (
	FulfillmentCompleted = "COMPLETED"
	FulfillmentDefaulted = "DEFAULTED"
)

// FulfillmentSignal is consumed from the fulfillment collaborator.
// Status COMPLETED unblocks the COMPLETE verb; DEFAULTED triggers the
// backup-offer flow for an awarded RFQ.
type FulfillmentSignal struct {
	RFQID           string    `json:"rfq_id"`
	PurchaseOrderID string    `json:"purchase_order_id,omitempty"`
	Status          string    `json:"status"` // COMPLETED | DEFAULTED
	Reason          string    `json:"reason,omitempty"`
	SignaledAt      time.Time `json:"signaled_at"`
}
