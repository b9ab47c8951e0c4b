package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/auction"
	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
	"github.com/procurehub/auction-engine/pkg/model"
)

// Event types not derived from a transition verb.
const (
	EventRFQCreated       = "rfq.created"
	EventBidAccepted      = "rfq.bid_accepted"
	EventDeadlineExtended = "rfq.deadline_extended"
	EventFairnessAlert    = "rfq.fairness_alert"
)

// Arbiters indexes the bidding mechanisms by auction type.
type Arbiters map[rfq.AuctionType]auction.Arbiter

// DefaultArbiters wires the three mechanisms against one rule engine.
func DefaultArbiters(eng *rules.Engine, now func() time.Time, logger *zap.Logger) Arbiters {
	return Arbiters{
		rfq.AuctionSealed:         auction.NewSealed(eng, now, logger),
		rfq.AuctionReverse:        auction.NewReverse(eng, now, logger),
		rfq.AuctionMultiAttribute: auction.NewMultiAttribute(eng, now, logger),
	}
}

// transitionEvent builds the broadcast event for a committed transition. The
// book has already been mutated to the target state; seq was reserved inside
// the same critical section.
func transitionEvent(book *rfq.Book, rec *rfq.TransitionRecord, arbs Arbiters, seq uint64) broadcast.Event {
	var payload any
	switch rec.Verb {
	case rfq.VerbAward:
		payload = awardedPayload(book, arbs, rec.At)
	case rfq.VerbCancel:
		payload = cancelledPayload(book, rec)
	default:
		payload = model.StateChangedEvent{
			RFQID:      rec.RFQID.String(),
			FromState:  string(rec.FromState),
			ToState:    string(rec.ToState),
			Verb:       string(rec.Verb),
			Actor:      rec.Actor,
			Metadata:   rec.Metadata,
			OccurredAt: rec.At,
		}
	}
	return newEvent(rec.RFQID, seq, rfq.EventTypeFor(rec.Verb, rec.ToState), rec.Actor, rec.At, payload)
}

func createdEvent(book *rfq.Book, seq uint64) broadcast.Event {
	payload := model.StateChangedEvent{
		RFQID:      book.RFQ.ID.String(),
		ToState:    string(book.RFQ.State),
		Verb:       "CREATE",
		Actor:      book.RFQ.BuyerID,
		OccurredAt: book.RFQ.CreatedAt,
	}
	return newEvent(book.RFQ.ID, seq, EventRFQCreated, book.RFQ.BuyerID, book.RFQ.CreatedAt, payload)
}

// bidAcceptedEvent announces a committed reverse bid with the RFQ's redaction
// applied. Redacted elements are absent, not zeroed.
func bidAcceptedEvent(acc *auction.Acceptance) broadcast.Event {
	red := acc.RFQ.Config.Redaction
	payload := model.BidAcceptedEvent{
		RFQID:         acc.RFQ.ID.String(),
		BidID:         acc.Bid.ID.String(),
		ParticipantID: acc.Bid.ParticipantID,
		OccurredAt:    acc.Bid.SubmittedAt,
	}
	if !red.HideLeadingPrice {
		amount := acc.Bid.TotalAmount
		payload.LeadingAmount = &amount
	}
	if !red.HideRank {
		rank := 1 // an accepted reverse bid is the new best
		payload.Rank = &rank
	}
	if !red.HideBidCount {
		count := acc.BidCount
		payload.BidCount = &count
	}
	if acc.ExtensionLimitReached {
		payload.ExtensionNote = "extension limit reached"
	}
	return newEvent(acc.RFQ.ID, acc.EventSeq, EventBidAccepted, acc.Bid.ParticipantID, acc.Bid.SubmittedAt, payload)
}

func extensionEvent(rfqID uuid.UUID, ext *rfq.Extension, seq uint64) broadcast.Event {
	payload := model.DeadlineExtendedEvent{
		RFQID:        rfqID.String(),
		Seq:          ext.Seq,
		PrevDeadline: ext.PrevDeadline,
		NewDeadline:  ext.NewDeadline,
		OccurredAt:   ext.TriggeredAt,
	}
	return newEvent(rfqID, seq, EventDeadlineExtended, "", ext.TriggeredAt, payload)
}

func fairnessEvent(v rules.Violation) broadcast.Event {
	var participants []string
	if v.ParticipantID != "" {
		participants = []string{v.ParticipantID}
	}
	payload := model.FairnessAlertEvent{
		RFQID:        v.RFQID.String(),
		RuleID:       v.RuleID,
		Severity:     string(v.Severity),
		Reason:       v.Reason,
		Participants: participants,
		OccurredAt:   v.EvaluatedAt,
	}
	return newEvent(v.RFQID, 0, EventFairnessAlert, "", v.EvaluatedAt, payload)
}

func awardedPayload(book *rfq.Book, arbs Arbiters, at time.Time) model.AwardedEvent {
	ev := model.AwardedEvent{RFQID: book.RFQ.ID.String(), OccurredAt: at}
	if book.RFQ.AwardedBid == nil {
		return ev
	}
	win := book.FindBid(*book.RFQ.AwardedBid)
	if win == nil {
		return ev
	}
	ev.WinningBidID = win.ID.String()
	ev.ParticipantID = win.ParticipantID
	ev.TotalAmount = win.TotalAmount
	ev.Lines = awardedLines(book.RFQ, win)
	ev.RejectedOffers = rejectedOffers(book, arbs, at, win.ID)
	return ev
}

func awardedLines(r *rfq.RFQ, win *rfq.Bid) []model.AwardedLine {
	if len(win.LinePrices) == 0 {
		return nil
	}
	lines := make([]model.AwardedLine, 0, len(r.LineItems))
	for _, li := range r.LineItems {
		price, ok := win.LinePrices[li.ID]
		if !ok {
			continue
		}
		lines = append(lines, model.AwardedLine{
			LineItemID:  li.ID,
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   price,
		})
	}
	return lines
}

// rejectedOffers ranks the losing bids with the mechanism's own evaluation so
// each participant learns the standing it actually had.
func rejectedOffers(book *rfq.Book, arbs Arbiters, now time.Time, winner uuid.UUID) []model.RejectedOffer {
	arb, ok := arbs[book.RFQ.AuctionType]
	if !ok {
		return nil
	}
	eval, err := arb.Evaluate(book, now)
	if err != nil {
		return nil
	}
	offers := make([]model.RejectedOffer, 0, len(eval.Ranking))
	for _, row := range eval.Ranking {
		if row.Bid.ID == winner {
			continue
		}
		offers = append(offers, model.RejectedOffer{
			BidID:         row.Bid.ID.String(),
			ParticipantID: row.Bid.ParticipantID,
			Rank:          row.Rank,
		})
	}
	return offers
}

func cancelledPayload(book *rfq.Book, rec *rfq.TransitionRecord) model.CancelledEvent {
	return model.CancelledEvent{
		RFQID:        rec.RFQID.String(),
		Reason:       rec.Metadata[rfq.MetaReason],
		FromState:    string(rec.FromState),
		Participants: append([]string(nil), book.RFQ.Invited...),
		OccurredAt:   rec.At,
	}
}

func newEvent(rfqID uuid.UUID, seq uint64, eventType, actor string, at time.Time, payload any) broadcast.Event {
	raw, _ := json.Marshal(payload)
	return broadcast.Event{
		ID:      uuid.New(),
		RFQID:   rfqID,
		Seq:     seq,
		Type:    eventType,
		Actor:   actor,
		At:      at,
		Payload: raw,
	}
}
