package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/extension"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

// Reverse implements the open-descending mechanism. One logical current best
// exists per RFQ; acceptance uses a compare-and-set discipline so a bid is
// never applied against a stale baseline. Validation and rule evaluation run
// speculatively against a snapshot outside the lock; the commit applies only
// if no other write intervened, retried a bounded number of times.
type Reverse struct {
	rules  *rules.Engine
	now    func() time.Time
	logger *zap.Logger
}

func NewReverse(engine *rules.Engine, now func() time.Time, logger *zap.Logger) *Reverse {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reverse{rules: engine, now: now, logger: logger}
}

func (r *Reverse) Type() rfq.AuctionType { return rfq.AuctionReverse }

// Submit runs the compare-and-set loop.
func (r *Reverse) Submit(_ context.Context, entry *arena.Entry, bid *rfq.Bid) (*Acceptance, error) {
	var attempts int
	for {
		book, version := entry.Read()
		now := r.now()

		if book.RFQ.State != rfq.StateBiddingOpen {
			return nil, rfq.ErrAuctionNotActive("bidding is not open")
		}
		if !now.Before(book.RFQ.EffectiveDeadline()) {
			return nil, rfq.ErrAuctionNotActive("bidding deadline has passed")
		}

		outcome := r.rules.EvaluateAll(rules.Context{Now: now, Book: book}, bid)
		if !outcome.Allowed {
			v := outcome.FirstBlock()
			return nil, rfq.ErrRuleViolation(v.RuleID, v.Reason)
		}

		// Improvement check against the exact best observed at this version.
		// A version-stable commit below guarantees this baseline still holds.
		if best := book.CurrentBest(); best != nil {
			if err := checkImprovement(book.RFQ.Config, best.TotalAmount, bid); err != nil {
				return nil, err
			}
		} else if opening := book.RFQ.OpeningPrice(); opening != nil {
			if err := checkImprovement(book.RFQ.Config, *opening, bid); err != nil {
				return nil, err
			}
		} else if !bid.TotalAmount.IsPositive() {
			return nil, rfq.ErrInsufficientImprovement("first bid must be a positive amount")
		}

		acc := &Acceptance{Warnings: outcome.Violations}
		snap, applied, err := entry.CompareAndSet(version, func(live *rfq.Book) error {
			bid.RFQID = live.RFQ.ID
			bid.SubmittedAt = now
			// Version-stable, so the live best is the validated baseline.
			// Recording it keeps the acceptance history totally ordered: no
			// two bids beat the same predecessor.
			if best := live.CurrentBest(); best != nil {
				id := best.ID
				bid.Beats = &id
			}
			live.Bids = append(live.Bids, bid)
			acc.EventSeq = live.NextEventSeq()

			// The extension check shares the acceptance's atomic unit so the
			// extension count and deadline can never race a competing bid.
			ext, limitReached := extension.Apply(live.RFQ, now)
			if ext != nil {
				acc.ExtensionEventSeq = live.NextEventSeq()
			}
			acc.Extension = ext
			acc.ExtensionLimitReached = limitReached
			acc.BidCount = len(live.Bids)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if applied {
			if acc.Extension != nil {
				metrics.ExtensionsTotal.Inc()
			}
			if attempts > 0 {
				metrics.CASConflictsTotal.WithLabelValues("true").Add(float64(attempts))
			}
			r.logger.Debug("auction.reverse_bid_accepted",
				zap.String("rfq_id", snap.RFQ.ID.String()),
				zap.String("participant", bid.ParticipantID),
				zap.String("amount", bid.TotalAmount.String()),
				zap.Int("attempts", attempts+1))
			acc.Bid = snap.FindBid(bid.ID)
			acc.RFQ = snap.RFQ
			return acc, nil
		}

		// Lost the race: retry against fresh state, bounded by count.
		attempts++
		if attempts > book.RFQ.Config.MaxCASRetries {
			metrics.CASConflictsTotal.WithLabelValues("false").Add(float64(attempts))
			return nil, rfq.ErrConcurrencyConflict(attempts)
		}
	}
}

// checkImprovement validates the bid against the exact observed baseline.
func checkImprovement(cfg rfq.AuctionConfig, baseline decimal.Decimal, bid *rfq.Bid) error {
	required := minImprovement(cfg, baseline)
	improvement := baseline.Sub(bid.TotalAmount)
	if improvement.LessThan(required) {
		return rfq.ErrInsufficientImprovement(fmt.Sprintf(
			"bid %s does not improve on %s by at least %s",
			bid.TotalAmount.String(), baseline.String(), required.String()))
	}
	return nil
}

// Withdraw always fails: accepted reverse bids form the monotonic acceptance
// history other bids were validated against, so removing one would falsify it.
func (r *Reverse) Withdraw(_ context.Context, _ *arena.Entry, _ uuid.UUID, _ string) (*rfq.Bid, error) {
	return nil, rfq.ErrAuctionNotActive("reverse-auction bids are part of the acceptance history and cannot be withdrawn")
}

// Evaluate ranks each participant's best accepted bid. Unlike the sealed
// mechanism this is available while bidding is still open: it is the live
// leaderboard, with visibility handled by the caller per the RFQ's redaction
// config.
func (r *Reverse) Evaluate(book *rfq.Book, now time.Time) (*Evaluation, error) {
	switch book.RFQ.State {
	case rfq.StateDraft, rfq.StatePublished, rfq.StateCancelled:
		return nil, rfq.ErrAuctionNotActive("auction has no ranking in this state")
	}

	best := bestPerParticipant(book.Bids)
	eval := &Evaluation{RFQID: book.RFQ.ID, EvaluatedAt: now}
	if len(best) == 0 {
		eval.Outcome = EvalNoBids
		return eval, nil
	}

	eval.Ranking = rankAscending(best, totalAmount)
	finishEvaluation(eval, book.RFQ.Config, totalAmount)
	return eval, nil
}

// bestPerParticipant keeps each participant's lowest accepted amount. The
// acceptance history is monotonically improving, so the latest entry per
// participant is their best.
func bestPerParticipant(bids []*rfq.Bid) []*rfq.Bid {
	latest := make(map[string]*rfq.Bid, len(bids))
	for _, b := range bids {
		if b.Defaulted {
			continue
		}
		latest[b.ParticipantID] = b
	}
	out := make([]*rfq.Bid, 0, len(latest))
	for _, b := range bids {
		if latest[b.ParticipantID] == b {
			out = append(out, b)
		}
	}
	return out
}
