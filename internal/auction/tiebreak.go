package auction

import (
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// breakTie reduces a set of equally-ranked bids to one winner, applying the
// precedence stages in order until a single bid remains: earliest submission,
// higher participant tier, better historical performance, smaller proximity
// metric, then the configured fallback. requiresReview is true when the
// fallback is manual review and more than one bid survived every stage.
func breakTie(tied []*rfq.Bid, fallback rfq.TieBreakFallback) (winner *rfq.Bid, requiresReview bool) {
	if len(tied) == 0 {
		return nil, false
	}
	if len(tied) == 1 {
		return tied[0], false
	}

	remaining := append([]*rfq.Bid(nil), tied...)

	stages := []func([]*rfq.Bid) []*rfq.Bid{
		earliestSubmitted,
		highestTier,
		bestPerformance,
		smallestProximity,
	}
	for _, stage := range stages {
		remaining = stage(remaining)
		if len(remaining) == 1 {
			return remaining[0], false
		}
	}

	if fallback == rfq.TieBreakManualReview {
		return nil, true
	}
	// Random fallback: any surviving bid is an acceptable winner; this stage
	// is explicitly not required to be deterministic.
	return remaining[rand.Intn(len(remaining))], false
}

func earliestSubmitted(bids []*rfq.Bid) []*rfq.Bid {
	earliest := bids[0].SubmittedAt
	for _, b := range bids[1:] {
		if b.SubmittedAt.Before(earliest) {
			earliest = b.SubmittedAt
		}
	}
	var out []*rfq.Bid
	for _, b := range bids {
		if b.SubmittedAt.Equal(earliest) {
			out = append(out, b)
		}
	}
	return out
}

func highestTier(bids []*rfq.Bid) []*rfq.Bid {
	best := bids[0].Snapshot.Tier
	for _, b := range bids[1:] {
		if b.Snapshot.Tier > best {
			best = b.Snapshot.Tier
		}
	}
	var out []*rfq.Bid
	for _, b := range bids {
		if b.Snapshot.Tier == best {
			out = append(out, b)
		}
	}
	return out
}

func bestPerformance(bids []*rfq.Bid) []*rfq.Bid {
	best := bids[0].Snapshot.Performance
	for _, b := range bids[1:] {
		if b.Snapshot.Performance.GreaterThan(best) {
			best = b.Snapshot.Performance
		}
	}
	var out []*rfq.Bid
	for _, b := range bids {
		if b.Snapshot.Performance.Equal(best) {
			out = append(out, b)
		}
	}
	return out
}

func smallestProximity(bids []*rfq.Bid) []*rfq.Bid {
	best := bids[0].Snapshot.Proximity
	for _, b := range bids[1:] {
		if b.Snapshot.Proximity.LessThan(best) {
			best = b.Snapshot.Proximity
		}
	}
	var out []*rfq.Bid
	for _, b := range bids {
		if b.Snapshot.Proximity.Equal(best) {
			out = append(out, b)
		}
	}
	return out
}

// rankAscending orders bids by amount ascending with a stable tie order by
// submission time then bid ID, so a ranking computed twice from the same bid
// set is identical. The tie-break chain picks the recommended winner among
// rank-1 bids; the displayed order itself must just be stable.
func rankAscending(bids []*rfq.Bid, amount func(*rfq.Bid) decimal.Decimal) []RankedBid {
	sorted := append([]*rfq.Bid(nil), bids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := amount(sorted[i]), amount(sorted[j])
		if !a.Equal(b) {
			return a.LessThan(b)
		}
		if !sorted[i].SubmittedAt.Equal(sorted[j].SubmittedAt) {
			return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	ranked := make([]RankedBid, len(sorted))
	rank := 0
	for i, b := range sorted {
		if i == 0 || !amount(b).Equal(amount(sorted[i-1])) {
			rank = i + 1
		}
		ranked[i] = RankedBid{Bid: b, Rank: rank, Score: amount(b)}
	}
	return ranked
}

// rankDescending is rankAscending with the comparison flipped, for mechanisms
// where a larger figure (a weighted score) is better.
func rankDescending(bids []*rfq.Bid, score func(*rfq.Bid) decimal.Decimal) []RankedBid {
	sorted := append([]*rfq.Bid(nil), bids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := score(sorted[i]), score(sorted[j])
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		if !sorted[i].SubmittedAt.Equal(sorted[j].SubmittedAt) {
			return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	ranked := make([]RankedBid, len(sorted))
	rank := 0
	for i, b := range sorted {
		if i == 0 || !score(b).Equal(score(sorted[i-1])) {
			rank = i + 1
		}
		ranked[i] = RankedBid{Bid: b, Rank: rank, Score: score(b)}
	}
	return ranked
}

// topTied returns every bid sharing rank 1.
func topTied(ranked []RankedBid) []*rfq.Bid {
	var tied []*rfq.Bid
	for _, r := range ranked {
		if r.Rank == 1 {
			tied = append(tied, r.Bid)
		}
	}
	return tied
}
