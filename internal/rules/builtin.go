package rules

import (
	"fmt"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// Builtin returns the standard rule registry in evaluation order.
func Builtin() []Rule {
	return []Rule{
		ParticipantInvited(),
		SupplierVerified(),
		BidPositiveAmount(),
		LinePricesCoverItems(),
		ResponsesCoverCriteria(),
		BidValidityWindow(),
		InsideBiddingWindow(),
	}
}

// ParticipantInvited rejects bids from suppliers not on the invitation list.
func ParticipantInvited() Rule {
	return Rule{
		ID:       "participant-invited",
		Category: CategoryEligibility,
		Severity: SeverityBlock,
		Evaluate: func(ctx Context, bid *rfq.Bid) Result {
			if !ctx.Book.RFQ.IsInvited(bid.ParticipantID) {
				return fail(fmt.Sprintf("participant %s is not invited", bid.ParticipantID))
			}
			return pass()
		},
	}
}

// SupplierVerified rejects bids from suppliers whose directory snapshot was
// not verified at submission time. The snapshot is captured off the hot path
// so this rule never performs a lookup.
func SupplierVerified() Rule {
	return Rule{
		ID:       "supplier-verified",
		Category: CategoryEligibility,
		Severity: SeverityBlock,
		Evaluate: func(_ Context, bid *rfq.Bid) Result {
			if !bid.Snapshot.Verified {
				return fail(fmt.Sprintf("participant %s is not a verified supplier", bid.ParticipantID))
			}
			return pass()
		},
	}
}

// BidPositiveAmount rejects non-positive totals.
func BidPositiveAmount() Rule {
	return Rule{
		ID:       "bid-positive-amount",
		Category: CategoryFormat,
		Severity: SeverityBlock,
		Evaluate: func(_ Context, bid *rfq.Bid) Result {
			if !bid.TotalAmount.IsPositive() {
				return fail("bid amount must be positive")
			}
			return pass()
		},
	}
}

// LinePricesCoverItems requires a price for every line item on auction types
// that carry line prices.
func LinePricesCoverItems() Rule {
	return Rule{
		ID:       "line-prices-cover-items",
		Category: CategoryFormat,
		Severity: SeverityBlock,
		Evaluate: func(ctx Context, bid *rfq.Bid) Result {
			if ctx.Book.RFQ.AuctionType == rfq.AuctionReverse {
				return pass()
			}
			for _, item := range ctx.Book.RFQ.LineItems {
				if _, ok := bid.LinePrices[item.ID]; !ok {
					return fail(fmt.Sprintf("missing price for line item %s", item.ID))
				}
			}
			return pass()
		},
	}
}

// ResponsesCoverCriteria requires a response for every configured criterion
// on multi-attribute auctions.
func ResponsesCoverCriteria() Rule {
	return Rule{
		ID:       "responses-cover-criteria",
		Category: CategoryFormat,
		Severity: SeverityBlock,
		Evaluate: func(ctx Context, bid *rfq.Bid) Result {
			if ctx.Book.RFQ.AuctionType != rfq.AuctionMultiAttribute {
				return pass()
			}
			for _, c := range ctx.Book.RFQ.Config.Criteria {
				if _, ok := bid.Responses[c.ID]; !ok {
					return fail(fmt.Sprintf("missing response for criterion %s", c.ID))
				}
			}
			return pass()
		},
	}
}

// BidValidityWindow rejects sealed bids whose validity window is inverted or
// already expired.
func BidValidityWindow() Rule {
	return Rule{
		ID:       "bid-validity-window",
		Category: CategoryValidity,
		Severity: SeverityBlock,
		Evaluate: func(ctx Context, bid *rfq.Bid) Result {
			if ctx.Book.RFQ.AuctionType != rfq.AuctionSealed {
				return pass()
			}
			if !bid.NotBefore.IsZero() && !bid.NotAfter.IsZero() && bid.NotAfter.Before(bid.NotBefore) {
				return fail("bid validity window is inverted")
			}
			if !bid.NotAfter.IsZero() && bid.NotAfter.Before(ctx.Now) {
				return fail("bid validity expired before submission")
			}
			return pass()
		},
	}
}

// InsideBiddingWindow rejects submissions outside the bidding window.
func InsideBiddingWindow() Rule {
	return Rule{
		ID:       "inside-bidding-window",
		Category: CategoryTiming,
		Severity: SeverityBlock,
		Evaluate: func(ctx Context, bid *rfq.Bid) Result {
			w := ctx.Book.RFQ.Window
			if !w.OpensAt.IsZero() && ctx.Now.Before(w.OpensAt) {
				return fail("bidding has not opened yet")
			}
			deadline := ctx.Book.RFQ.EffectiveDeadline()
			if !deadline.IsZero() && !ctx.Now.Before(deadline) {
				return fail("bidding deadline has passed")
			}
			return pass()
		},
	}
}
