package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

// Sealed implements the sealed-bid mechanism: bids stay confidential until
// the RFQ leaves BIDDING_OPEN and are ranked by total price at evaluation.
type Sealed struct {
	rules  *rules.Engine
	now    func() time.Time
	logger *zap.Logger
}

func NewSealed(engine *rules.Engine, now func() time.Time, logger *zap.Logger) *Sealed {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealed{rules: engine, now: now, logger: logger}
}

func (s *Sealed) Type() rfq.AuctionType { return rfq.AuctionSealed }

// Submit commits one sealed bid. A second submission from the same
// participant supersedes the first with an incremented revision number, or
// fails with REVISION_NOT_ALLOWED when the RFQ disallows revision.
func (s *Sealed) Submit(_ context.Context, entry *arena.Entry, bid *rfq.Bid) (*Acceptance, error) {
	acc, err := submitRevisable(entry, s.rules, s.now(), bid)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("auction.sealed_bid_accepted",
		zap.String("rfq_id", acc.RFQ.ID.String()),
		zap.String("participant", bid.ParticipantID),
		zap.Int("revision", bid.Revision))
	return acc, nil
}

// submitRevisable is the shared acceptance path for mechanisms whose bids
// stay confidential while bidding is open (sealed and multi-attribute): a
// repeat submission supersedes the participant's prior bid when the RFQ
// allows revision.
func submitRevisable(entry *arena.Entry, eng *rules.Engine, now time.Time, bid *rfq.Bid) (*Acceptance, error) {
	acc := &Acceptance{}

	snap, err := entry.Update(func(book *rfq.Book) error {
		if book.RFQ.State != rfq.StateBiddingOpen {
			return rfq.ErrAuctionNotActive("bidding is not open")
		}

		outcome := eng.EvaluateAll(rules.Context{Now: now, Book: book}, bid)
		if !outcome.Allowed {
			v := outcome.FirstBlock()
			return rfq.ErrRuleViolation(v.RuleID, v.Reason)
		}
		acc.Warnings = outcome.Violations

		prior := book.LatestByParticipant(bid.ParticipantID)
		switch {
		case prior == nil:
			bid.Revision = 1
		case !book.RFQ.Config.AllowRevision:
			return rfq.ErrRevisionNotAllowed(bid.ParticipantID)
		default:
			bid.Revision = prior.Revision + 1
		}

		bid.RFQID = book.RFQ.ID
		bid.SubmittedAt = now
		book.Bids = append(book.Bids, bid)
		return nil
	})
	if err != nil {
		return nil, err
	}

	acc.Bid = snap.FindBid(bid.ID)
	acc.RFQ = snap.RFQ
	acc.BidCount = len(snap.Bids)
	return acc, nil
}

// Withdraw removes a sealed bid from evaluation. Permitted only while
// bidding is open.
func (s *Sealed) Withdraw(_ context.Context, entry *arena.Entry, bidID uuid.UUID, participantID string) (*rfq.Bid, error) {
	return withdrawWhileOpen(entry, bidID, participantID)
}

// Evaluate ranks active bids by total price ascending. Permitted only once
// the RFQ has reached EVALUATION: before that, bids are not visible to
// anyone, rankings included.
func (s *Sealed) Evaluate(book *rfq.Book, now time.Time) (*Evaluation, error) {
	if !reachedEvaluation(book.RFQ.State) {
		return nil, rfq.ErrAuctionNotActive("ranking is sealed until evaluation")
	}

	active := stillValid(book.ActiveBids(), now)
	eval := &Evaluation{RFQID: book.RFQ.ID, EvaluatedAt: now}
	if len(active) == 0 {
		eval.Outcome = EvalNoBids
		return eval, nil
	}

	eval.Ranking = rankAscending(active, totalAmount)
	finishEvaluation(eval, book.RFQ.Config, totalAmount)
	return eval, nil
}

// withdrawWhileOpen is shared by the sealed and multi-attribute mechanisms.
func withdrawWhileOpen(entry *arena.Entry, bidID uuid.UUID, participantID string) (*rfq.Bid, error) {
	snap, err := entry.Update(func(book *rfq.Book) error {
		if book.RFQ.State != rfq.StateBiddingOpen {
			return rfq.ErrAuctionNotActive("bids may be withdrawn only while bidding is open")
		}
		bid := book.FindBid(bidID)
		if bid == nil || bid.ParticipantID != participantID {
			// A foreign bid ID is reported as absent rather than forbidden so
			// the response leaks nothing about other participants' bids.
			return rfq.ErrNotFound("bid")
		}
		bid.Withdrawn = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap.FindBid(bidID), nil
}

// reachedEvaluation reports whether the lifecycle has passed the point where
// bid contents may be revealed.
func reachedEvaluation(s rfq.State) bool {
	switch s {
	case rfq.StateEvaluation, rfq.StateAwarded, rfq.StateCompleted:
		return true
	}
	return false
}

// stillValid drops bids whose validity window has lapsed by evaluation time.
func stillValid(bids []*rfq.Bid, now time.Time) []*rfq.Bid {
	var out []*rfq.Bid
	for _, b := range bids {
		if !b.NotAfter.IsZero() && b.NotAfter.Before(now) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func totalAmount(b *rfq.Bid) decimal.Decimal { return b.TotalAmount }

// finishEvaluation applies tie-breaking and the reserve check to a ranking
// whose rank-1 rows are already computed.
func finishEvaluation(eval *Evaluation, cfg rfq.AuctionConfig, amount func(*rfq.Bid) decimal.Decimal) {
	winner, review := breakTie(topTied(eval.Ranking), cfg.TieBreakFallback)
	if review {
		eval.Outcome = EvalTieRequiresReview
		return
	}
	if !reserveMet(cfg, amount(winner)) {
		eval.Outcome = EvalReserveNotMet
		return
	}
	eval.Outcome = EvalRecommended
	id := winner.ID
	eval.Recommended = &id
}
