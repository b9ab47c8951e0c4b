package rfq

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionType selects the bidding mechanism. Immutable once bidding opens.
type AuctionType string

const (
	AuctionSealed         AuctionType = "SEALED"
	AuctionReverse        AuctionType = "REVERSE"
	AuctionMultiAttribute AuctionType = "MULTI_ATTRIBUTE"
)

func (t AuctionType) Valid() bool {
	switch t {
	case AuctionSealed, AuctionReverse, AuctionMultiAttribute:
		return true
	}
	return false
}

// ReserveVisibility controls how the reserve price is shown to participants.
// It never changes the comparison logic.
type ReserveVisibility string

const (
	ReserveHidden        ReserveVisibility = "HIDDEN"
	ReserveDisclosed     ReserveVisibility = "DISCLOSED"
	ReserveStartingPrice ReserveVisibility = "STARTING_PRICE"
)

// TieBreakFallback is the last tie-break stage when every earlier stage
// still leaves more than one bid.
type TieBreakFallback string

const (
	TieBreakRandom       TieBreakFallback = "RANDOM"
	TieBreakManualReview TieBreakFallback = "MANUAL_REVIEW"
)

// DwellAction fires when an RFQ exceeds its configured dwell time in a state.
type DwellAction string

const (
	DwellEscalate  DwellAction = "ESCALATE"
	DwellAutoClose DwellAction = "AUTO_CLOSE"
	DwellArchive   DwellAction = "ARCHIVE"
)

// LineItem is one procurable line of an RFQ.
type LineItem struct {
	ID            string          `json:"id"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitOfMeasure string          `json:"unit_of_measure"`
}

// Criterion is one scored axis of a multi-attribute auction.
type Criterion struct {
	ID             string          `json:"id"`
	Label          string          `json:"label"`
	Weight         decimal.Decimal `json:"weight"`
	HigherIsBetter bool            `json:"higher_is_better"`
}

// Redaction controls what the bid_accepted broadcast reveals.
// Each element can be hidden independently.
type Redaction struct {
	HideLeadingPrice bool `json:"hide_leading_price"`
	HideRank         bool `json:"hide_rank"`
	HideBidCount     bool `json:"hide_bid_count"`
}

// AuctionConfig carries the per-RFQ mechanism knobs.
type AuctionConfig struct {
	// Reverse: minimum improvement over the current best. When
	// MinDecrementPct is positive it takes precedence and is read as a
	// percentage of the current best.
	MinDecrement    decimal.Decimal `json:"min_decrement"`
	MinDecrementPct decimal.Decimal `json:"min_decrement_pct"`

	// Sealed: whether a participant may replace an earlier submission.
	AllowRevision bool `json:"allow_revision"`

	// Anti-sniping.
	ExtensionTrigger  time.Duration `json:"extension_trigger"`
	ExtensionDuration time.Duration `json:"extension_duration"`
	MaxExtensions     int           `json:"max_extensions"`

	ReservePrice      *decimal.Decimal  `json:"reserve_price,omitempty"`
	ReserveVisibility ReserveVisibility `json:"reserve_visibility"`

	// Multi-attribute scoring.
	Criteria    []Criterion     `json:"criteria,omitempty"`
	PriceWeight decimal.Decimal `json:"price_weight"`

	Redaction        Redaction        `json:"redaction"`
	TieBreakFallback TieBreakFallback `json:"tie_break_fallback"`
	MaxCASRetries    int              `json:"max_cas_retries"`

	DwellTimeouts map[State]time.Duration `json:"dwell_timeouts,omitempty"`
	DwellAction   DwellAction             `json:"dwell_action"`
}

// Normalize fills defaults for zero-valued knobs.
func (c *AuctionConfig) Normalize() {
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = 3
	}
	if c.TieBreakFallback == "" {
		c.TieBreakFallback = TieBreakRandom
	}
	if c.ReserveVisibility == "" {
		c.ReserveVisibility = ReserveHidden
	}
	if c.DwellAction == "" {
		c.DwellAction = DwellEscalate
	}
}

// BiddingWindow bounds when bids are accepted. Deadline is mutable only
// through the extension controller.
type BiddingWindow struct {
	OpensAt  time.Time `json:"opens_at"`
	Deadline time.Time `json:"deadline"`
}

// Extension is one applied anti-sniping deadline push.
type Extension struct {
	Seq          int       `json:"seq"`
	TriggeredAt  time.Time `json:"triggered_at"`
	PrevDeadline time.Time `json:"prev_deadline"`
	NewDeadline  time.Time `json:"new_deadline"`
}

// RFQ is one procurement request. It is never deleted: CANCELLED and
// COMPLETED are terminal states, not row removal.
type RFQ struct {
	ID          uuid.UUID     `json:"id"`
	Title       string        `json:"title"`
	BuyerID     string        `json:"buyer_id"`
	State       State         `json:"state"`
	AuctionType AuctionType   `json:"auction_type"`
	Window      BiddingWindow `json:"window"`
	Invited     []string      `json:"invited"`
	LineItems   []LineItem    `json:"line_items"`
	AwardedBid  *uuid.UUID    `json:"awarded_bid,omitempty"`
	Config      AuctionConfig `json:"config"`
	Extensions  []Extension   `json:"extensions,omitempty"`

	// FulfillmentDone is set by the fulfillment signal consumer and gates
	// the COMPLETE verb.
	FulfillmentDone bool `json:"fulfillment_done"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every committed mutation and backs the
	// compare-and-set discipline.
	Version uint64 `json:"version"`

	// EventSeq is the RFQ's event-stream high water mark, persisted with the
	// snapshot so event sequences stay monotonic across restarts.
	EventSeq uint64 `json:"event_seq"`
}

// IsInvited reports whether the participant is on the invitation list.
func (r *RFQ) IsInvited(participantID string) bool {
	for _, id := range r.Invited {
		if id == participantID {
			return true
		}
	}
	return false
}

// EffectiveDeadline is the bidding deadline including applied extensions.
func (r *RFQ) EffectiveDeadline() time.Time {
	return r.Window.Deadline
}

// OpeningPrice returns the starting price for a reverse auction when the
// reserve is disclosed as one, else nil.
func (r *RFQ) OpeningPrice() *decimal.Decimal {
	if r.Config.ReserveVisibility == ReserveStartingPrice && r.Config.ReservePrice != nil {
		v := *r.Config.ReservePrice
		return &v
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the arena's critical section.
func (r *RFQ) Clone() *RFQ {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Invited = append([]string(nil), r.Invited...)
	cp.LineItems = append([]LineItem(nil), r.LineItems...)
	cp.Extensions = append([]Extension(nil), r.Extensions...)
	if r.AwardedBid != nil {
		id := *r.AwardedBid
		cp.AwardedBid = &id
	}
	cp.Config.Criteria = append([]Criterion(nil), r.Config.Criteria...)
	if r.Config.ReservePrice != nil {
		v := *r.Config.ReservePrice
		cp.Config.ReservePrice = &v
	}
	if r.Config.DwellTimeouts != nil {
		cp.Config.DwellTimeouts = make(map[State]time.Duration, len(r.Config.DwellTimeouts))
		for k, v := range r.Config.DwellTimeouts {
			cp.Config.DwellTimeouts[k] = v
		}
	}
	return &cp
}
