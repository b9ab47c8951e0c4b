package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/procurehub/auction-engine/internal/auction"
	"github.com/procurehub/auction-engine/internal/rfq"
)

// RFQResponse is the buyer-facing view of an RFQ. Bids is populated only
// once the mechanism makes them visible: immediately for reverse auctions,
// from EVALUATION onward for sealed and multi-attribute ones.
type RFQResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	BuyerID     string            `json:"buyer_id"`
	State       string            `json:"state"`
	AuctionType string            `json:"auction_type"`
	OpensAt     time.Time         `json:"opens_at"`
	Deadline    time.Time         `json:"deadline"`
	Invited     []string          `json:"invited"`
	LineItems   []rfq.LineItem    `json:"line_items"`
	Config      rfq.AuctionConfig `json:"config"`
	Extensions  []rfq.Extension   `json:"extensions,omitempty"`
	AwardedBid  string            `json:"awarded_bid_id,omitempty"`
	Bids        []BidView         `json:"bids,omitempty"`
	EventSeq    uint64            `json:"event_seq"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BidView is one offer as exposed over the API.
type BidView struct {
	ID            string                     `json:"id"`
	ParticipantID string                     `json:"participant_id"`
	TotalAmount   decimal.Decimal            `json:"total_amount"`
	LinePrices    map[string]decimal.Decimal `json:"line_prices,omitempty"`
	Responses     map[string]decimal.Decimal `json:"responses,omitempty"`
	SubmittedAt   time.Time                  `json:"submitted_at"`
	Beats         string                     `json:"beats,omitempty"`
	Withdrawn     bool                       `json:"withdrawn,omitempty"`
	Defaulted     bool                       `json:"defaulted,omitempty"`
}

// TransitionResponse reports one committed (or replayed) lifecycle step.
type TransitionResponse struct {
	RFQID    string `json:"rfq_id"`
	State    string `json:"state"`
	Verb     string `json:"verb"`
	Seq      uint64 `json:"seq"`
	Replayed bool   `json:"replayed,omitempty"`
}

// BidAcceptanceResponse confirms a committed offer to its submitter.
type BidAcceptanceResponse struct {
	BidID                 string          `json:"bid_id"`
	RFQID                 string          `json:"rfq_id"`
	ParticipantID         string          `json:"participant_id"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	SubmittedAt           time.Time       `json:"submitted_at"`
	Deadline              time.Time       `json:"deadline"`
	ExtensionApplied      bool            `json:"extension_applied,omitempty"`
	ExtensionLimitReached bool            `json:"extension_limit_reached,omitempty"`
	Warnings              []string        `json:"warnings,omitempty"`
}

// WithdrawResponse confirms a withdrawal.
type WithdrawResponse struct {
	BidID     string `json:"bid_id"`
	Withdrawn bool   `json:"withdrawn"`
}

// RankingResponse is the evaluation view of the bid set.
type RankingResponse struct {
	RFQID       string    `json:"rfq_id"`
	Outcome     string    `json:"outcome"`
	Recommended string    `json:"recommended_bid_id,omitempty"`
	Ranking     []RankRow `json:"ranking"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// RankRow is one row of a ranking response.
type RankRow struct {
	BidID         string          `json:"bid_id"`
	ParticipantID string          `json:"participant_id"`
	Rank          int             `json:"rank"`
	Score         decimal.Decimal `json:"score"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

func toRFQResponse(book *rfq.Book) RFQResponse {
	r := book.RFQ
	resp := RFQResponse{
		ID:          r.ID.String(),
		Title:       r.Title,
		BuyerID:     r.BuyerID,
		State:       string(r.State),
		AuctionType: string(r.AuctionType),
		OpensAt:     r.Window.OpensAt,
		Deadline:    r.EffectiveDeadline(),
		Invited:     r.Invited,
		LineItems:   r.LineItems,
		Config:      r.Config,
		Extensions:  r.Extensions,
		EventSeq:    r.EventSeq,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.AwardedBid != nil {
		resp.AwardedBid = r.AwardedBid.String()
	}
	if bidsVisible(r) {
		resp.Bids = make([]BidView, 0, len(book.Bids))
		for _, b := range book.Bids {
			resp.Bids = append(resp.Bids, toBidView(b))
		}
	}
	return resp
}

// bidsVisible implements the confidentiality rule for the state endpoint:
// reverse histories are public to the RFQ's parties from the start, sealed
// and multi-attribute books stay dark until bidding has closed for good.
func bidsVisible(r *rfq.RFQ) bool {
	if r.AuctionType == rfq.AuctionReverse {
		return true
	}
	switch r.State {
	case rfq.StateEvaluation, rfq.StateAwarded, rfq.StateCompleted:
		return true
	}
	return false
}

func toBidView(b *rfq.Bid) BidView {
	v := BidView{
		ID:            b.ID.String(),
		ParticipantID: b.ParticipantID,
		TotalAmount:   b.TotalAmount,
		LinePrices:    b.LinePrices,
		Responses:     b.Responses,
		SubmittedAt:   b.SubmittedAt,
		Withdrawn:     b.Withdrawn,
		Defaulted:     b.Defaulted,
	}
	if b.Beats != nil {
		v.Beats = b.Beats.String()
	}
	return v
}

func toAcceptanceResponse(acc *auction.Acceptance) BidAcceptanceResponse {
	resp := BidAcceptanceResponse{
		BidID:                 acc.Bid.ID.String(),
		RFQID:                 acc.RFQ.ID.String(),
		ParticipantID:         acc.Bid.ParticipantID,
		TotalAmount:           acc.Bid.TotalAmount,
		SubmittedAt:           acc.Bid.SubmittedAt,
		Deadline:              acc.RFQ.EffectiveDeadline(),
		ExtensionApplied:      acc.Extension != nil,
		ExtensionLimitReached: acc.ExtensionLimitReached,
	}
	for _, w := range acc.Warnings {
		resp.Warnings = append(resp.Warnings, w.RuleID+": "+w.Reason)
	}
	return resp
}

func toRankingResponse(eval *auction.Evaluation) RankingResponse {
	resp := RankingResponse{
		RFQID:       eval.RFQID.String(),
		Outcome:     string(eval.Outcome),
		Ranking:     make([]RankRow, 0, len(eval.Ranking)),
		EvaluatedAt: eval.EvaluatedAt,
	}
	if eval.Recommended != nil {
		resp.Recommended = eval.Recommended.String()
	}
	for _, row := range eval.Ranking {
		resp.Ranking = append(resp.Ranking, RankRow{
			BidID:         row.Bid.ID.String(),
			ParticipantID: row.Bid.ParticipantID,
			Rank:          row.Rank,
			Score:         row.Score,
			TotalAmount:   row.Bid.TotalAmount,
		})
	}
	return resp
}
