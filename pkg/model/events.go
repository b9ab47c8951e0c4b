package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StateChangedEvent is the payload for every lifecycle event
// (rfq.published, rfq.bidding_opened, rfq.bidding_closed, ...).
type StateChangedEvent struct {
	RFQID      string            `json:"rfq_id"`
	FromState  string            `json:"from_state"`
	ToState    string            `json:"to_state"`
	Verb       string            `json:"verb"`
	Actor      string            `json:"actor"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// BidAcceptedEvent is the payload for rfq.bid_accepted on reverse auctions.
// Redactable fields are pointers; nil means hidden by the RFQ's configuration.
type BidAcceptedEvent struct {
	RFQID         string           `json:"rfq_id"`
	BidID         string           `json:"bid_id"`
	ParticipantID string           `json:"participant_id"`
	LeadingAmount *decimal.Decimal `json:"leading_amount,omitempty"`
	Rank          *int             `json:"rank,omitempty"`
	BidCount      *int             `json:"bid_count,omitempty"`
	ExtensionNote string           `json:"extension_note,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// DeadlineExtendedEvent is the payload for rfq.deadline_extended.
type DeadlineExtendedEvent struct {
	RFQID        string    `json:"rfq_id"`
	Seq          int       `json:"seq"`
	PrevDeadline time.Time `json:"prev_deadline"`
	NewDeadline  time.Time `json:"new_deadline"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AwardedLine carries the per-line-item breakdown of a winning bid.
type AwardedLine struct {
	LineItemID  string          `json:"line_item_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// RejectedOffer identifies a losing bid included in the award notification.
type RejectedOffer struct {
	BidID         string `json:"bid_id"`
	ParticipantID string `json:"participant_id"`
	Rank          int    `json:"rank"`
}

// AwardedEvent is the payload for rfq.awarded.
type AwardedEvent struct {
	RFQID          string          `json:"rfq_id"`
	WinningBidID   string          `json:"winning_bid_id"`
	ParticipantID  string          `json:"participant_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Lines          []AwardedLine   `json:"lines,omitempty"`
	RejectedOffers []RejectedOffer `json:"rejected_offers,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// CancelledEvent is the payload for rfq.cancelled.
type CancelledEvent struct {
	RFQID        string    `json:"rfq_id"`
	Reason       string    `json:"reason"`
	FromState    string    `json:"from_state"`
	Participants []string  `json:"participants,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// FairnessAlertEvent is the payload for rfq.fairness_alert.
type FairnessAlertEvent struct {
	RFQID        string    `json:"rfq_id"`
	RuleID       string    `json:"rule_id"`
	Severity     string    `json:"severity"`
	Reason       string    `json:"reason"`
	Participants []string  `json:"participants,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// DwellTimeoutEvent is the payload for rfq.dwell_escalated and rfq.archived.
type DwellTimeoutEvent struct {
	RFQID      string        `json:"rfq_id"`
	State      string        `json:"state"`
	Action     string        `json:"action"`
	DwelledFor time.Duration `json:"dwelled_for"`
	Limit      time.Duration `json:"limit"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// ActivitySummaryEvent announces a completed refresh of the supplier
// activity rollup.
type ActivitySummaryEvent struct {
	RefreshedAt time.Time     `json:"refreshed_at"`
	Took        time.Duration `json:"took"`
}
