package auction

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// --- submit tests ---

func TestSealedSubmit_AcceptsFirstBid(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	acc, err := s.Submit(context.Background(), entry, newBid("sup-1", "9500.00"))

	require.NoError(t, err)
	require.NotNil(t, acc.Bid)
	assert.Equal(t, 1, acc.Bid.Revision)
	assert.Equal(t, testNow, acc.Bid.SubmittedAt)
	assert.Equal(t, acc.RFQ.ID, acc.Bid.RFQID)

	book, _ := entry.Read()
	assert.Len(t, book.Bids, 1)
}

func TestSealedSubmit_RejectedWhenBiddingNotOpen(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed, func(r *rfq.RFQ) {
		r.State = rfq.StatePublished
	})
	s := NewSealed(builtinEngine(), fixedNow, nil)

	_, err := s.Submit(context.Background(), entry, newBid("sup-1", "9500.00"))

	assert.Equal(t, rfq.KindAuctionNotActive, rfq.KindOf(err))
}

func TestSealedSubmit_RuleViolationNamesRule(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	_, err := s.Submit(context.Background(), entry, newBid("sup-9", "9500.00"))

	require.Equal(t, rfq.KindRuleViolation, rfq.KindOf(err))
	assert.Contains(t, err.Error(), "participant-invited")

	book, _ := entry.Read()
	assert.Empty(t, book.Bids, "a rejected bid must not be applied")
}

func TestSealedSubmit_RevisionSupersedes(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	_, err := s.Submit(context.Background(), entry, newBid("sup-1", "9500.00"))
	require.NoError(t, err)
	acc, err := s.Submit(context.Background(), entry, newBid("sup-1", "9200.00"))
	require.NoError(t, err)

	assert.Equal(t, 2, acc.Bid.Revision)

	book, _ := entry.Read()
	assert.Len(t, book.Bids, 2, "superseded revisions stay in the history")
	active := book.ActiveBids()
	require.Len(t, active, 1)
	assert.True(t, active[0].TotalAmount.Equal(d("9200.00")))
}

func TestSealedSubmit_RevisionDisallowed(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed, func(r *rfq.RFQ) {
		r.Config.AllowRevision = false
	})
	s := NewSealed(builtinEngine(), fixedNow, nil)

	first := newBid("sup-1", "9500.00")
	_, err := s.Submit(context.Background(), entry, first)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), entry, newBid("sup-1", "9200.00"))
	assert.Equal(t, rfq.KindRevisionNotAllowed, rfq.KindOf(err))

	// Withdrawing does not reopen the door: any prior submission counts.
	_, err = s.Withdraw(context.Background(), entry, first.ID, "sup-1")
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), entry, newBid("sup-1", "9200.00"))
	assert.Equal(t, rfq.KindRevisionNotAllowed, rfq.KindOf(err))
}

// --- withdraw tests ---

func TestSealedWithdraw_RemovesFromEvaluation(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	bid := newBid("sup-1", "9500.00")
	_, err := s.Submit(context.Background(), entry, bid)
	require.NoError(t, err)

	withdrawn, err := s.Withdraw(context.Background(), entry, bid.ID, "sup-1")

	require.NoError(t, err)
	assert.True(t, withdrawn.Withdrawn)
	book, _ := entry.Read()
	assert.Empty(t, book.ActiveBids())
}

func TestSealedWithdraw_ForeignBidReportsNotFound(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	bid := newBid("sup-1", "9500.00")
	_, err := s.Submit(context.Background(), entry, bid)
	require.NoError(t, err)

	_, err = s.Withdraw(context.Background(), entry, bid.ID, "sup-2")
	assert.Equal(t, rfq.KindNotFound, rfq.KindOf(err))

	_, err = s.Withdraw(context.Background(), entry, uuid.New(), "sup-1")
	assert.Equal(t, rfq.KindNotFound, rfq.KindOf(err))
}

func TestSealedWithdraw_RejectedOnceClosed(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	bid := newBid("sup-1", "9500.00")
	_, err := s.Submit(context.Background(), entry, bid)
	require.NoError(t, err)

	_, err = entry.Update(func(book *rfq.Book) error {
		book.RFQ.State = rfq.StateBiddingClosed
		return nil
	})
	require.NoError(t, err)

	_, err = s.Withdraw(context.Background(), entry, bid.ID, "sup-1")
	assert.Equal(t, rfq.KindAuctionNotActive, rfq.KindOf(err))
}

// --- evaluate tests ---

func sealedBookInEvaluation(t *testing.T, amounts map[string]string, mutate ...func(*rfq.RFQ)) *rfq.Book {
	t.Helper()
	entry := newEntry(t, rfq.AuctionSealed, mutate...)
	s := NewSealed(builtinEngine(), fixedNow, nil)
	for _, participant := range []string{"sup-1", "sup-2", "sup-3"} {
		amount, ok := amounts[participant]
		if !ok {
			continue
		}
		_, err := s.Submit(context.Background(), entry, newBid(participant, amount))
		require.NoError(t, err)
	}
	book, err := entry.Update(func(book *rfq.Book) error {
		book.RFQ.State = rfq.StateEvaluation
		return nil
	})
	require.NoError(t, err)
	return book
}

func TestSealedEvaluate_SealedUntilEvaluation(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	_, err := s.Submit(context.Background(), entry, newBid("sup-1", "9500.00"))
	require.NoError(t, err)

	book, _ := entry.Read()
	_, err = s.Evaluate(book, testNow)
	assert.Equal(t, rfq.KindAuctionNotActive, rfq.KindOf(err))
}

func TestSealedEvaluate_RanksByPriceAscending(t *testing.T) {
	book := sealedBookInEvaluation(t, map[string]string{
		"sup-1": "9500.00",
		"sup-2": "9100.00",
		"sup-3": "9900.00",
	})
	s := NewSealed(builtinEngine(), fixedNow, nil)

	eval, err := s.Evaluate(book, testNow)

	require.NoError(t, err)
	assert.Equal(t, EvalRecommended, eval.Outcome)
	require.Len(t, eval.Ranking, 3)
	assert.Equal(t, "sup-2", eval.Ranking[0].Bid.ParticipantID)
	assert.Equal(t, 1, eval.Ranking[0].Rank)
	assert.Equal(t, "sup-1", eval.Ranking[1].Bid.ParticipantID)
	assert.Equal(t, "sup-3", eval.Ranking[2].Bid.ParticipantID)
	require.NotNil(t, eval.Recommended)
	assert.Equal(t, eval.Ranking[0].Bid.ID, *eval.Recommended)
}

func TestSealedEvaluate_RecomputationIsIdentical(t *testing.T) {
	book := sealedBookInEvaluation(t, map[string]string{
		"sup-1": "9500.00",
		"sup-2": "9100.00",
		"sup-3": "9900.00",
	})
	s := NewSealed(builtinEngine(), fixedNow, nil)

	first, err := s.Evaluate(book, testNow)
	require.NoError(t, err)
	second, err := s.Evaluate(book, testNow)
	require.NoError(t, err)

	require.Len(t, second.Ranking, len(first.Ranking))
	for i := range first.Ranking {
		assert.Equal(t, first.Ranking[i].Bid.ID, second.Ranking[i].Bid.ID)
		assert.Equal(t, first.Ranking[i].Rank, second.Ranking[i].Rank)
	}
	assert.Equal(t, first.Recommended, second.Recommended)
}

func TestSealedEvaluate_ExpiredValidityExcluded(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	expiring := newBid("sup-1", "9100.00")
	expiring.NotAfter = testNow.Add(30 * time.Minute)
	_, err := s.Submit(context.Background(), entry, expiring)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), entry, newBid("sup-2", "9500.00"))
	require.NoError(t, err)

	book, err := entry.Update(func(book *rfq.Book) error {
		book.RFQ.State = rfq.StateEvaluation
		return nil
	})
	require.NoError(t, err)

	// Evaluated after the cheaper bid lapsed: only sup-2 remains.
	eval, err := s.Evaluate(book, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, eval.Ranking, 1)
	assert.Equal(t, "sup-2", eval.Ranking[0].Bid.ParticipantID)
}

func TestSealedEvaluate_ReserveNotMet(t *testing.T) {
	book := sealedBookInEvaluation(t, map[string]string{"sup-1": "9500.00"}, func(r *rfq.RFQ) {
		reserve := d("9000.00")
		r.Config.ReservePrice = &reserve
	})
	s := NewSealed(builtinEngine(), fixedNow, nil)

	eval, err := s.Evaluate(book, testNow)

	require.NoError(t, err)
	assert.Equal(t, EvalReserveNotMet, eval.Outcome)
	assert.Nil(t, eval.Recommended)
	assert.Len(t, eval.Ranking, 1, "the ranking is still reported")
}

func TestSealedEvaluate_NoBids(t *testing.T) {
	book := sealedBookInEvaluation(t, nil)
	s := NewSealed(builtinEngine(), fixedNow, nil)

	eval, err := s.Evaluate(book, testNow)

	require.NoError(t, err)
	assert.Equal(t, EvalNoBids, eval.Outcome)
	assert.Empty(t, eval.Ranking)
}

func TestSealedEvaluate_TieSurfacedForManualReview(t *testing.T) {
	entry := newEntry(t, rfq.AuctionSealed, func(r *rfq.RFQ) {
		r.Config.TieBreakFallback = rfq.TieBreakManualReview
	})
	s := NewSealed(builtinEngine(), fixedNow, nil)

	// Identical price, timestamp and directory snapshot: nothing separates them.
	_, err := s.Submit(context.Background(), entry, newBid("sup-1", "9500.00"))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), entry, newBid("sup-2", "9500.00"))
	require.NoError(t, err)

	book, err := entry.Update(func(book *rfq.Book) error {
		book.RFQ.State = rfq.StateEvaluation
		return nil
	})
	require.NoError(t, err)

	eval, err := s.Evaluate(book, testNow)
	require.NoError(t, err)
	assert.Equal(t, EvalTieRequiresReview, eval.Outcome)
	assert.Nil(t, eval.Recommended)
}
