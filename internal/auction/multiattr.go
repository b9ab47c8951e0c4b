package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

var hundred = decimal.NewFromInt(100)

// MultiAttribute scores bids on weighted criteria plus price instead of price
// alone. Submission follows the sealed discipline (confidential until
// evaluation, revisions per config); ranking is by weighted score descending.
type MultiAttribute struct {
	rules  *rules.Engine
	now    func() time.Time
	logger *zap.Logger
}

func NewMultiAttribute(engine *rules.Engine, now func() time.Time, logger *zap.Logger) *MultiAttribute {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiAttribute{rules: engine, now: now, logger: logger}
}

func (m *MultiAttribute) Type() rfq.AuctionType { return rfq.AuctionMultiAttribute }

// Submit commits one multi-attribute bid. Responses for every configured
// criterion are required; that is enforced by the rule set.
func (m *MultiAttribute) Submit(_ context.Context, entry *arena.Entry, bid *rfq.Bid) (*Acceptance, error) {
	acc, err := submitRevisable(entry, m.rules, m.now(), bid)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("auction.multiattr_bid_accepted",
		zap.String("rfq_id", acc.RFQ.ID.String()),
		zap.String("participant", bid.ParticipantID),
		zap.Int("revision", bid.Revision))
	return acc, nil
}

// Withdraw removes a bid from evaluation. Permitted only while bidding is
// open, same as the sealed mechanism.
func (m *MultiAttribute) Withdraw(_ context.Context, entry *arena.Entry, bidID uuid.UUID, participantID string) (*rfq.Bid, error) {
	return withdrawWhileOpen(entry, bidID, participantID)
}

// Evaluate recomputes every active bid's score against the full bid set and
// ranks descending. Scores use relative normalization, so they are only
// comparable within one evaluation pass, never across RFQs or bid sets.
func (m *MultiAttribute) Evaluate(book *rfq.Book, now time.Time) (*Evaluation, error) {
	if !reachedEvaluation(book.RFQ.State) {
		return nil, rfq.ErrAuctionNotActive("scores are sealed until evaluation")
	}

	active := book.ActiveBids()
	eval := &Evaluation{RFQID: book.RFQ.ID, EvaluatedAt: now}
	if len(active) == 0 {
		eval.Outcome = EvalNoBids
		return eval, nil
	}

	scores := Scores(book.RFQ.Config, active)
	eval.Ranking = rankDescending(active, func(b *rfq.Bid) decimal.Decimal { return scores[b.ID] })
	// The reserve still compares price, not score: a top-scoring bid priced
	// above the reserve is not awardable.
	finishEvaluation(eval, book.RFQ.Config, totalAmount)
	return eval, nil
}

// Scores computes the weighted score of every bid in the set. Each criterion
// axis and the price axis are normalized to 0..100 relative to the set (best
// raw value maps to 100), multiplied by their configured weights, summed and
// divided by the total weight.
func Scores(cfg rfq.AuctionConfig, bids []*rfq.Bid) map[uuid.UUID]decimal.Decimal {
	prices := make([]decimal.Decimal, len(bids))
	for i, b := range bids {
		prices[i] = b.TotalAmount
	}
	// Price axis: lower is better.
	weighted := make([]decimal.Decimal, len(bids))
	for i, n := range normalizeAxis(prices, false) {
		weighted[i] = n.Mul(cfg.PriceWeight)
	}
	totalWeight := cfg.PriceWeight

	for _, c := range cfg.Criteria {
		raw := make([]decimal.Decimal, len(bids))
		for i, b := range bids {
			raw[i] = b.Responses[c.ID]
		}
		for i, n := range normalizeAxis(raw, c.HigherIsBetter) {
			weighted[i] = weighted[i].Add(n.Mul(c.Weight))
		}
		totalWeight = totalWeight.Add(c.Weight)
	}

	out := make(map[uuid.UUID]decimal.Decimal, len(bids))
	for i, b := range bids {
		if totalWeight.IsZero() {
			out[b.ID] = decimal.Zero
			continue
		}
		out[b.ID] = weighted[i].Div(totalWeight)
	}
	return out
}

// normalizeAxis maps raw values onto 0..100 relative to the set. When every
// bid matches on the axis it differentiates nobody, so all score 100.
func normalizeAxis(raw []decimal.Decimal, higherIsBetter bool) []decimal.Decimal {
	lo, hi := raw[0], raw[0]
	for _, v := range raw[1:] {
		if v.LessThan(lo) {
			lo = v
		}
		if v.GreaterThan(hi) {
			hi = v
		}
	}

	span := hi.Sub(lo)
	out := make([]decimal.Decimal, len(raw))
	for i, v := range raw {
		if span.IsZero() {
			out[i] = hundred
			continue
		}
		dist := v.Sub(lo)
		if !higherIsBetter {
			dist = hi.Sub(v)
		}
		out[i] = dist.Mul(hundred).Div(span)
	}
	return out
}

// ValidateWeights checks that a multi-attribute scoring configuration is
// internally consistent: at least one criterion, every weight positive, no
// duplicate criterion IDs, and the price weight at least as large as any
// single criterion weight so price cannot be crowded out of the outcome.
func ValidateWeights(cfg rfq.AuctionConfig) error {
	if len(cfg.Criteria) == 0 {
		return fmt.Errorf("multi-attribute auction requires at least one criterion")
	}
	if !cfg.PriceWeight.IsPositive() {
		return fmt.Errorf("price weight must be positive, got %s", cfg.PriceWeight)
	}
	seen := make(map[string]bool, len(cfg.Criteria))
	for _, c := range cfg.Criteria {
		if c.ID == "" {
			return fmt.Errorf("criterion without an id")
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate criterion id %q", c.ID)
		}
		seen[c.ID] = true
		if !c.Weight.IsPositive() {
			return fmt.Errorf("criterion %q weight must be positive, got %s", c.ID, c.Weight)
		}
		if c.Weight.GreaterThan(cfg.PriceWeight) {
			return fmt.Errorf("criterion %q weight %s exceeds the price weight %s", c.ID, c.Weight, cfg.PriceWeight)
		}
	}
	return nil
}
