package rfq

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GuardFunc evaluates one precondition against a consistent book snapshot.
// A nil return passes. Guards are pure: no I/O, no clock reads beyond now.
type GuardFunc func(now time.Time, book *Book, req *TransitionRequest) error

// Guard is a named precondition attached to a transition verb. The name is
// surfaced in GUARD_REJECTED failures.
type Guard struct {
	Name  string
	Check GuardFunc
}

// DefaultGuards returns the ordered guard lists per verb. Callers may append
// additional guards; the defaults are never skipped.
func DefaultGuards() map[Verb][]Guard {
	return map[Verb][]Guard{
		VerbPublish: {
			{Name: "line-items-present", Check: guardLineItems},
			{Name: "deadline-in-future", Check: guardFutureDeadline},
		},
		VerbOpenBidding: {
			{Name: "participants-invited", Check: guardInvited},
		},
		VerbCloseBidding: {
			{Name: "deadline-passed", Check: guardDeadlinePassed},
		},
		VerbAward: {
			{Name: "selected-bid-valid", Check: guardSelectedBid},
		},
		VerbComplete: {
			{Name: "fulfillment-complete", Check: guardFulfillment},
		},
		VerbReopenEvaluation: {
			{Name: "reopen-reason-present", Check: guardReopenReason},
		},
	}
}

func guardLineItems(_ time.Time, book *Book, _ *TransitionRequest) error {
	if len(book.RFQ.LineItems) == 0 {
		return errors.New("no line items")
	}
	return nil
}

func guardFutureDeadline(now time.Time, book *Book, _ *TransitionRequest) error {
	if !book.RFQ.Window.Deadline.After(now) {
		return errors.New("bidding deadline is not in the future")
	}
	return nil
}

func guardInvited(_ time.Time, book *Book, _ *TransitionRequest) error {
	if len(book.RFQ.Invited) == 0 {
		return errors.New("no invited participants")
	}
	return nil
}

func guardDeadlinePassed(now time.Time, book *Book, _ *TransitionRequest) error {
	deadline := book.RFQ.EffectiveDeadline()
	if now.Before(deadline) {
		return fmt.Errorf("bidding deadline %s has not passed", deadline.Format(time.RFC3339))
	}
	return nil
}

func guardSelectedBid(_ time.Time, book *Book, req *TransitionRequest) error {
	raw, ok := req.Metadata[MetaSelectedBid]
	if !ok || raw == "" {
		return errors.New("metadata selectedBidId is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("selectedBidId %q is not a valid id", raw)
	}
	bid := book.FindBid(id)
	if bid == nil {
		return fmt.Errorf("selectedBidId %s does not resolve to a bid of this RFQ", id)
	}
	if bid.Withdrawn {
		return fmt.Errorf("selected bid %s is withdrawn", id)
	}
	if bid.Defaulted {
		return fmt.Errorf("selected bid %s has defaulted", id)
	}
	return nil
}

func guardFulfillment(_ time.Time, book *Book, _ *TransitionRequest) error {
	if !book.RFQ.FulfillmentDone {
		return errors.New("fulfillment has not signaled completion")
	}
	return nil
}

func guardReopenReason(_ time.Time, _ *Book, req *TransitionRequest) error {
	if req.Metadata[MetaReason] == "" {
		return errors.New("metadata reason is required to reopen evaluation")
	}
	return nil
}
