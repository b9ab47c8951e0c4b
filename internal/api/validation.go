package api

import (
	"fmt"
	"strings"

	"github.com/procurehub/auction-engine/internal/rfq"
)

func (r CreateRFQRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if strings.TrimSpace(r.BuyerID) == "" {
		return fmt.Errorf("buyer_id is required")
	}
	switch rfq.AuctionType(r.AuctionType) {
	case rfq.AuctionSealed, rfq.AuctionReverse, rfq.AuctionMultiAttribute:
	default:
		return fmt.Errorf("auction_type must be SEALED, REVERSE or MULTI_ATTRIBUTE")
	}
	if r.Deadline.IsZero() {
		return fmt.Errorf("deadline is required")
	}
	if !r.OpensAt.IsZero() && !r.OpensAt.Before(r.Deadline) {
		return fmt.Errorf("opens_at must be before deadline")
	}
	if len(r.Invited) == 0 {
		return fmt.Errorf("at least one invited supplier is required")
	}
	if len(r.LineItems) == 0 {
		return fmt.Errorf("at least one line item is required")
	}
	for i, li := range r.LineItems {
		if strings.TrimSpace(li.ID) == "" {
			return fmt.Errorf("line_items[%d].id is required", i)
		}
		if !li.Quantity.IsPositive() {
			return fmt.Errorf("line_items[%d].quantity must be greater than 0", i)
		}
	}
	return nil
}

func (r TransitionRequest) Validate() error {
	if strings.TrimSpace(r.Verb) == "" {
		return fmt.Errorf("verb is required")
	}
	if strings.TrimSpace(r.Actor) == "" {
		return fmt.Errorf("actor is required")
	}
	return nil
}

func (r SubmitBidRequest) Validate() error {
	if strings.TrimSpace(r.ParticipantID) == "" {
		return fmt.Errorf("participant_id is required")
	}
	if !r.TotalAmount.IsPositive() {
		return fmt.Errorf("total_amount must be greater than 0")
	}
	if r.NotBefore != nil && r.NotAfter != nil && !r.NotBefore.Before(*r.NotAfter) {
		return fmt.Errorf("not_before must be before not_after")
	}
	return nil
}
