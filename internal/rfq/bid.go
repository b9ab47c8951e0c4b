package rfq

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DirectorySnapshot captures the tie-break attributes of a participant as the
// directory collaborator reported them at submission time.
type DirectorySnapshot struct {
	Tier        int             `json:"tier"`
	Performance decimal.Decimal `json:"performance"`
	Proximity   decimal.Decimal `json:"proximity"`
	Verified    bool            `json:"verified"`
}

// Bid is one participant's offer on one RFQ. Variant fields depend on the
// auction type: sealed bids carry line prices, a validity window and a
// revision number; reverse bids carry a single improving price in
// TotalAmount; multi-attribute bids carry line prices plus criterion
// responses.
type Bid struct {
	ID            uuid.UUID `json:"id"`
	RFQID         uuid.UUID `json:"rfq_id"`
	ParticipantID string    `json:"participant_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Revision      int       `json:"revision"`

	TotalAmount decimal.Decimal            `json:"total_amount"`
	LinePrices  map[string]decimal.Decimal `json:"line_prices,omitempty"`
	Responses   map[string]decimal.Decimal `json:"responses,omitempty"`

	// Sealed validity window; zero values mean unbounded.
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`

	// Beats is the bid this one improved on when it was accepted (reverse
	// auctions). Nil for the first accepted bid. No two accepted bids beat
	// the same predecessor.
	Beats *uuid.UUID `json:"beats,omitempty"`

	// Origin is the submission network origin, kept for gaming detection.
	Origin string `json:"origin,omitempty"`

	Withdrawn bool `json:"withdrawn"`
	Defaulted bool `json:"defaulted"`

	Snapshot DirectorySnapshot `json:"snapshot"`
}

// Clone returns a deep copy safe to hand outside the arena's critical section.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Beats != nil {
		id := *b.Beats
		cp.Beats = &id
	}
	if b.LinePrices != nil {
		cp.LinePrices = make(map[string]decimal.Decimal, len(b.LinePrices))
		for k, v := range b.LinePrices {
			cp.LinePrices[k] = v
		}
	}
	if b.Responses != nil {
		cp.Responses = make(map[string]decimal.Decimal, len(b.Responses))
		for k, v := range b.Responses {
			cp.Responses[k] = v
		}
	}
	return &cp
}
