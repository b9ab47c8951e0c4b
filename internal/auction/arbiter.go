// Package auction implements the three bidding mechanisms: sealed-bid,
// open-descending reverse, and multi-attribute scored. Arbiters mutate bid
// state only through the arena's atomic primitives; broadcasting and durable
// writes are the caller's post-commit concern.
package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

// Acceptance reports a committed bid submission and everything that happened
// in the same atomic unit.
type Acceptance struct {
	Bid *rfq.Bid
	RFQ *rfq.RFQ // post-commit snapshot, carries any extended deadline

	// Reverse only.
	Extension             *rfq.Extension
	ExtensionLimitReached bool
	BidCount              int

	// Event-stream positions reserved inside the commit (reverse only):
	// EventSeq for the acceptance itself, ExtensionEventSeq for the deadline
	// extension when one was applied. Zero means no position was reserved.
	EventSeq          uint64
	ExtensionEventSeq uint64

	// Non-blocking violations worth persisting or logging.
	Warnings []rules.Violation
}

// EvalOutcome tags the evaluation result.
type EvalOutcome string

const (
	EvalRecommended       EvalOutcome = "RECOMMENDED"
	EvalNoBids            EvalOutcome = "NO_BIDS"
	EvalReserveNotMet     EvalOutcome = "RESERVE_NOT_MET"
	EvalTieRequiresReview EvalOutcome = "TIE_REQUIRES_REVIEW"
)

// RankedBid is one row of a ranking.
type RankedBid struct {
	Bid   *rfq.Bid        `json:"bid"`
	Rank  int             `json:"rank"`
	Score decimal.Decimal `json:"score"`
}

// Evaluation is a deterministic ranking of the bid set: the same set always
// produces the identical ranking.
type Evaluation struct {
	RFQID       uuid.UUID   `json:"rfq_id"`
	Outcome     EvalOutcome `json:"outcome"`
	Ranking     []RankedBid `json:"ranking"`
	Recommended *uuid.UUID  `json:"recommended,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Arbiter is one bidding mechanism.
type Arbiter interface {
	Type() rfq.AuctionType

	// Submit validates and commits one bid through the entry's atomic
	// primitives, returning what was accepted.
	Submit(ctx context.Context, entry *arena.Entry, bid *rfq.Bid) (*Acceptance, error)

	// Withdraw removes a participant's bid from evaluation where the
	// mechanism permits it.
	Withdraw(ctx context.Context, entry *arena.Entry, bidID uuid.UUID, participantID string) (*rfq.Bid, error)

	// Evaluate ranks a consistent book snapshot.
	Evaluate(book *rfq.Book, now time.Time) (*Evaluation, error)
}

// minImprovement returns the decrement a new reverse bid must achieve against
// baseline. A positive MinDecrementPct takes precedence over the absolute
// MinDecrement.
func minImprovement(cfg rfq.AuctionConfig, baseline decimal.Decimal) decimal.Decimal {
	if cfg.MinDecrementPct.IsPositive() {
		return baseline.Mul(cfg.MinDecrementPct).Div(decimal.NewFromInt(100))
	}
	return cfg.MinDecrement
}

// reserveMet reports whether the winning amount satisfies the configured
// reserve. Visibility never changes this comparison.
func reserveMet(cfg rfq.AuctionConfig, winning decimal.Decimal) bool {
	if cfg.ReservePrice == nil {
		return true
	}
	return winning.LessThanOrEqual(*cfg.ReservePrice)
}
