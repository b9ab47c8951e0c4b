package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehub/auction-engine/internal/auction"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
	"github.com/procurehub/auction-engine/pkg/model"
)

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

// --- creation tests ---

func TestCreateRFQ_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	sub := f.bcast.Subscribe("create-watch", 8)

	req := f.createRequest(rfq.AuctionReverse)
	req.Config = rfq.AuctionConfig{}
	r, err := f.svc.CreateRFQ(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, rfq.StateDraft, r.State)
	assert.True(t, d("1").Equal(r.Config.MinDecrement))
	assert.Equal(t, 3, r.Config.MaxExtensions)
	assert.Equal(t, 5*time.Minute, r.Config.ExtensionTrigger)
	assert.Equal(t, 3*time.Minute, r.Config.ExtensionDuration)
	assert.Equal(t, 3, r.Config.MaxCASRetries)
	assert.Equal(t, rfq.TieBreakRandom, r.Config.TieBreakFallback)
	assert.Equal(t, rfq.ReserveHidden, r.Config.ReserveVisibility)

	f.store.mu.Lock()
	_, saved := f.store.rfqs[r.ID]
	f.store.mu.Unlock()
	assert.True(t, saved, "creation must persist the draft")

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, EventRFQCreated, events[0].Type)
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestCreateRFQ_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRFQRequest)
	}{
		{"missing title", func(r *CreateRFQRequest) { r.Title = "" }},
		{"missing buyer", func(r *CreateRFQRequest) { r.BuyerID = "" }},
		{"unknown auction type", func(r *CreateRFQRequest) { r.AuctionType = "DUTCH" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.createRequest(rfq.AuctionSealed)
			tc.mutate(&req)
			_, err := f.svc.CreateRFQ(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRFQ)
		})
	}
}

func TestCreateRFQ_MultiAttributeWeights(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(rfq.AuctionMultiAttribute)
	req.Config.PriceWeight = d("20")
	req.Config.Criteria = []rfq.Criterion{
		{ID: "c-quality", Label: "Quality", Weight: d("30"), HigherIsBetter: true},
	}

	// Criterion weight above the price weight is rejected.
	_, err := f.svc.CreateRFQ(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRFQ)

	req.Config.PriceWeight = d("50")
	_, err = f.svc.CreateRFQ(context.Background(), req)
	assert.NoError(t, err)
}

func TestCreateRFQ_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createRequest(rfq.AuctionSealed)
	req.IdempotencyKey = "create-once"
	first, err := f.svc.CreateRFQ(ctx, req)
	require.NoError(t, err)

	second, err := f.svc.CreateRFQ(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.arena.Len())
}

// --- submission tests ---

func TestSubmitBid_CapturesDirectorySnapshot(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)

	bid := f.submit(t, r.ID, "sup-1", "100.00")
	assert.True(t, bid.Snapshot.Verified)
	assert.Equal(t, 2, bid.Snapshot.Tier)
	assert.True(t, d("90").Equal(bid.Snapshot.Performance))
}

func TestSubmitBid_DirectoryUnavailable(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)

	dir := f.svc.directory.(*stubDirectory)
	dir.err = errors.New("dial tcp: connection refused")

	_, err := f.svc.SubmitBid(context.Background(), SubmitBidRequest{
		RFQID:         r.ID,
		ParticipantID: "sup-1",
		TotalAmount:   d("100.00"),
		LinePrices:    map[string]decimal.Decimal{"li-1": d("100.00")},
	})
	require.Error(t, err)
	assert.True(t, rfq.IsKind(err, rfq.KindCollaboratorUnavailable))

	var typed *rfq.Error
	require.True(t, errors.As(err, &typed))
	assert.True(t, typed.Retryable)

	book, err := f.svc.GetCurrentState(r.ID)
	require.NoError(t, err)
	assert.Empty(t, book.Bids, "a failed lookup must not leave a bid behind")
}

func TestSubmitBid_UnverifiedSupplier(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)

	dir := f.svc.directory.(*stubDirectory)
	dir.snap.Verified = false

	_, err := f.svc.SubmitBid(context.Background(), SubmitBidRequest{
		RFQID:         r.ID,
		ParticipantID: "sup-1",
		TotalAmount:   d("100.00"),
		LinePrices:    map[string]decimal.Decimal{"li-1": d("100.00")},
	})
	require.Error(t, err)
	assert.True(t, rfq.IsKind(err, rfq.KindRuleViolation))

	var typed *rfq.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "supplier-verified", typed.RuleID)
}

func TestSubmitBid_Throttled(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)
	f.svc.limiter = denyLimiter{}

	_, err := f.svc.SubmitBid(context.Background(), SubmitBidRequest{
		RFQID:         r.ID,
		ParticipantID: "sup-1",
		TotalAmount:   d("100.00"),
		LinePrices:    map[string]decimal.Decimal{"li-1": d("100.00")},
	})
	require.Error(t, err)
	var typed *rfq.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, rfq.KindRuleViolation, typed.Kind)
	assert.Equal(t, "submit-rate-limit", typed.RuleID)
}

func TestSubmitBid_UnknownRFQ(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitBid(context.Background(), SubmitBidRequest{
		RFQID:         uuid.New(),
		ParticipantID: "sup-1",
		TotalAmount:   d("100.00"),
	})
	assert.True(t, rfq.IsKind(err, rfq.KindNotFound))
}

func TestSubmitBid_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionReverse)
	sub := f.bcast.Subscribe("bid-watch", 16)

	req := SubmitBidRequest{
		RFQID:          r.ID,
		ParticipantID:  "sup-1",
		TotalAmount:    d("95.00"),
		IdempotencyKey: "bid-once",
	}
	first, err := f.svc.SubmitBid(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, drain(sub), 1)

	second, err := f.svc.SubmitBid(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Bid.ID, second.Bid.ID)

	book, err := f.svc.GetCurrentState(r.ID)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 1, "replay must not append a second bid")
	assert.Empty(t, drain(sub), "replay must not publish a second event")
}

func TestSubmitBid_ExtensionPersistedAndBroadcast(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionReverse)
	sub := f.bcast.Subscribe("ext-watch", 16)

	// Default trigger window is five minutes; move to four before the deadline.
	f.clock.Advance(56 * time.Minute)
	acc, err := f.svc.SubmitBid(context.Background(), SubmitBidRequest{
		RFQID:         r.ID,
		ParticipantID: "sup-1",
		TotalAmount:   d("95.00"),
	})
	require.NoError(t, err)
	require.NotNil(t, acc.Extension)
	assert.Equal(t, testNow.Add(time.Hour+3*time.Minute), acc.RFQ.EffectiveDeadline())

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventBidAccepted, events[0].Type)
	assert.Equal(t, EventDeadlineExtended, events[1].Type)
	assert.Equal(t, events[0].Seq+1, events[1].Seq, "extension follows its bid in the stream")

	var ext model.DeadlineExtendedEvent
	require.NoError(t, json.Unmarshal(events[1].Payload, &ext))
	assert.Equal(t, 1, ext.Seq)
	assert.Equal(t, testNow.Add(time.Hour), ext.PrevDeadline.UTC())

	f.store.mu.Lock()
	exts := f.store.extensions[r.ID]
	savedRFQ := f.store.rfqs[r.ID]
	f.store.mu.Unlock()
	require.Len(t, exts, 1)
	assert.Equal(t, testNow.Add(time.Hour+3*time.Minute), savedRFQ.EffectiveDeadline())
}

func TestSubmitBid_RedactionAppliedToBroadcast(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionReverse, func(req *CreateRFQRequest) {
		req.Config.Redaction = rfq.Redaction{HideLeadingPrice: true, HideBidCount: true}
	})
	sub := f.bcast.Subscribe("redact-watch", 8)

	f.submit(t, r.ID, "sup-1", "95.00")
	events := drain(sub)
	require.Len(t, events, 1)

	var payload model.BidAcceptedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Nil(t, payload.LeadingAmount)
	assert.Nil(t, payload.BidCount)
	require.NotNil(t, payload.Rank)
	assert.Equal(t, 1, *payload.Rank)
}

func TestSubmitBid_SealedStaysConfidential(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)
	sub := f.bcast.Subscribe("sealed-watch", 8)

	f.submit(t, r.ID, "sup-1", "100.00")
	assert.Empty(t, drain(sub), "sealed submissions are never broadcast")
}

// --- withdrawal tests ---

func TestWithdrawBid_SealedThenReverse(t *testing.T) {
	f := newFixture(t)

	sealed := f.createOpen(t, rfq.AuctionSealed)
	bid := f.submit(t, sealed.ID, "sup-1", "100.00")
	got, err := f.svc.WithdrawBid(context.Background(), sealed.ID, bid.ID, "sup-1", "")
	require.NoError(t, err)
	assert.True(t, got.Withdrawn)

	f.store.mu.Lock()
	stored := f.store.bids[bid.ID]
	f.store.mu.Unlock()
	require.NotNil(t, stored)
	assert.True(t, stored.Withdrawn)

	reverse := f.createOpen(t, rfq.AuctionReverse)
	rbid := f.submit(t, reverse.ID, "sup-1", "95.00")
	_, err = f.svc.WithdrawBid(context.Background(), reverse.ID, rbid.ID, "sup-1", "")
	assert.True(t, rfq.IsKind(err, rfq.KindAuctionNotActive))
}

// --- query tests ---

func TestGetRanking_Wiring(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)
	f.submit(t, r.ID, "sup-1", "100.00")
	f.submit(t, r.ID, "sup-2", "90.00")
	f.closeForEvaluation(t, r.ID)

	eval, err := f.svc.GetRanking(r.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.EvalRecommended, eval.Outcome)
	require.Len(t, eval.Ranking, 2)
	assert.Equal(t, "sup-2", eval.Ranking[0].Bid.ParticipantID)

	_, err = f.svc.GetRanking(uuid.New())
	assert.True(t, rfq.IsKind(err, rfq.KindNotFound))
}

// --- fulfillment flow ---

func awardedSealedRFQ(t *testing.T, f *fixture) (*rfq.RFQ, *rfq.Bid, *rfq.Bid) {
	t.Helper()
	r := f.createOpen(t, rfq.AuctionSealed)
	winner := f.submit(t, r.ID, "sup-1", "100.00")
	runnerUp := f.submit(t, r.ID, "sup-2", "110.00")
	f.closeForEvaluation(t, r.ID)
	f.transition(t, r.ID, rfq.VerbAward, map[string]string{rfq.MetaSelectedBid: winner.ID.String()})
	return r, winner, runnerUp
}

func TestHandleFulfillmentSignal_Completed(t *testing.T) {
	f := newFixture(t)
	r, _, _ := awardedSealedRFQ(t, f)

	out, err := f.svc.HandleFulfillmentSignal(context.Background(), model.FulfillmentSignal{
		RFQID:           r.ID.String(),
		PurchaseOrderID: "po-889",
		Status:          model.FulfillmentCompleted,
	})
	require.NoError(t, err)
	assert.Nil(t, out)

	book, err := f.svc.GetCurrentState(r.ID)
	require.NoError(t, err)
	assert.Equal(t, rfq.StateCompleted, book.RFQ.State)
	assert.True(t, book.RFQ.FulfillmentDone)

	// Redelivery of the same signal is rejected, never double-applied.
	_, err = f.svc.HandleFulfillmentSignal(context.Background(), model.FulfillmentSignal{
		RFQID:  r.ID.String(),
		Status: model.FulfillmentCompleted,
	})
	assert.True(t, rfq.IsKind(err, rfq.KindInvalidTransition))
}

func TestHandleFulfillmentSignal_DefaultOffersBackup(t *testing.T) {
	f := newFixture(t)
	r, winner, runnerUp := awardedSealedRFQ(t, f)

	out, err := f.svc.HandleFulfillmentSignal(context.Background(), model.FulfillmentSignal{
		RFQID:  r.ID.String(),
		Status: model.FulfillmentDefaulted,
		Reason: "missed delivery window",
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, AwardKindBackupOffered, out.Kind)
	require.NotNil(t, out.WinningBid)
	assert.Equal(t, runnerUp.ID, out.WinningBid.ID)

	book, err := f.svc.GetCurrentState(r.ID)
	require.NoError(t, err)
	assert.Equal(t, rfq.StateAwarded, book.RFQ.State)
	require.NotNil(t, book.RFQ.AwardedBid)
	assert.Equal(t, runnerUp.ID, *book.RFQ.AwardedBid)
	assert.True(t, book.FindBid(winner.ID).Defaulted)
}

func TestHandleFulfillmentSignal_DefaultNoBackup(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionSealed)
	winner := f.submit(t, r.ID, "sup-1", "100.00")
	f.closeForEvaluation(t, r.ID)
	f.transition(t, r.ID, rfq.VerbAward, map[string]string{rfq.MetaSelectedBid: winner.ID.String()})

	out, err := f.svc.HandleFulfillmentSignal(context.Background(), model.FulfillmentSignal{
		RFQID:  r.ID.String(),
		Status: model.FulfillmentDefaulted,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, AwardKindNoBackupAvailable, out.Kind)

	book, err := f.svc.GetCurrentState(r.ID)
	require.NoError(t, err)
	assert.Equal(t, rfq.StateEvaluation, book.RFQ.State)
	assert.Nil(t, book.RFQ.AwardedBid)
}

func TestHandleFulfillmentSignal_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	r, _, _ := awardedSealedRFQ(t, f)

	_, err := f.svc.HandleFulfillmentSignal(context.Background(), model.FulfillmentSignal{
		RFQID:  r.ID.String(),
		Status: "LOST_IN_TRANSIT",
	})
	assert.Error(t, err)
}

// --- fairness reporting ---

func TestReportFairness(t *testing.T) {
	f := newFixture(t)
	sub := f.bcast.Subscribe("fairness-watch", 8)
	rfqID := uuid.New()

	f.svc.ReportFairness(context.Background(), []rules.Violation{
		{
			RuleID:        "fairness-duplicate-origin",
			Category:      rules.CategoryFairness,
			Severity:      rules.SeverityWarn,
			Reason:        "shared origin 10.0.0.9",
			RFQID:         rfqID,
			ParticipantID: "sup-1",
			EvaluatedAt:   testNow,
		},
	})

	f.store.mu.Lock()
	saved := len(f.store.violations)
	f.store.mu.Unlock()
	assert.Equal(t, 1, saved)

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, EventFairnessAlert, events[0].Type)

	var payload model.FairnessAlertEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "fairness-duplicate-origin", payload.RuleID)
	assert.Equal(t, []string{"sup-1"}, payload.Participants)
}

// --- cancellation race ---

// A submission racing a cancel either commits before the cancel or fails
// cleanly; the final book contains exactly the accepted bids.
func TestSubmitBid_CancelRaceNeverPartial(t *testing.T) {
	f := newFixture(t)
	r := f.createOpen(t, rfq.AuctionReverse)
	f.submit(t, r.ID, "sup-1", "200.00")

	const workers = 12
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		results   = make([]error, workers)
		accepted  = make([]*auction.Acceptance, workers)
		cancelErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			accepted[i], results[i] = f.svc.SubmitBid(context.Background(), SubmitBidRequest{
				RFQID:         r.ID,
				ParticipantID: fmt.Sprintf("sup-%d", i%3+1),
				TotalAmount:   d(fmt.Sprintf("%d.00", 190-2*i)),
			})
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, cancelErr = f.svc.Transition(context.Background(), rfq.TransitionRequest{
			RFQID:    r.ID,
			Verb:     rfq.VerbCancel,
			Actor:    "buyer-1",
			Metadata: map[string]string{rfq.MetaReason: "sourcing suspended"},
		})
	}()
	close(start)
	wg.Wait()

	require.NoError(t, cancelErr)
	book, err := f.svc.GetCurrentState(r.ID)
	require.NoError(t, err)
	assert.Equal(t, rfq.StateCancelled, book.RFQ.State)

	committed := 1 // the seed bid
	for i, err := range results {
		if err == nil {
			committed++
			require.NotNil(t, accepted[i])
			assert.NotNil(t, book.FindBid(accepted[i].Bid.ID), "accepted bid missing from history")
			continue
		}
		kind := rfq.KindOf(err)
		assert.Contains(t, []rfq.Kind{
			rfq.KindAuctionNotActive,
			rfq.KindConcurrencyConflict,
			rfq.KindInsufficientImprovement,
		}, kind, "unexpected failure: %v", err)
	}
	assert.Len(t, book.Bids, committed, "rejected submissions must leave no partial state")
}
