package rfq

import (
	"time"

	"github.com/google/uuid"
)

// CommandOutcome is the recorded result of a token-bearing command, replayed
// verbatim when the same idempotency token arrives again.
type CommandOutcome struct {
	Token string     `json:"token"`
	Op    string     `json:"op"`
	Verb  Verb       `json:"verb,omitempty"`
	State State      `json:"state"`
	Seq   uint64     `json:"seq,omitempty"`
	BidID *uuid.UUID `json:"bid_id,omitempty"`
	At    time.Time  `json:"at"`
}

// Book is everything the arena guards for one RFQ: the RFQ snapshot, the
// ordered bid history, and recorded command outcomes for idempotent replay.
// For reverse auctions Bids is the acceptance history (append-only, each
// entry improving on the last); for sealed and multi-attribute auctions it is
// the submission history including superseded revisions.
type Book struct {
	RFQ      *RFQ
	Bids     []*Bid
	Outcomes map[string]*CommandOutcome
}

// NextEventSeq reserves the next event-stream position. Call only from inside
// an arena critical section. The high water mark lives on the RFQ so it
// persists with the snapshot and survives a restart; event sequences never
// restart from zero for an RFQ with history.
func (b *Book) NextEventSeq() uint64 {
	b.RFQ.EventSeq++
	return b.RFQ.EventSeq
}

func NewBook(r *RFQ) *Book {
	return &Book{
		RFQ:      r,
		Outcomes: make(map[string]*CommandOutcome),
	}
}

// Clone returns a deep copy safe to hand outside the arena's critical section.
func (b *Book) Clone() *Book {
	cp := &Book{
		RFQ:      b.RFQ.Clone(),
		Bids:     make([]*Bid, len(b.Bids)),
		Outcomes: make(map[string]*CommandOutcome, len(b.Outcomes)),
	}
	for i, bid := range b.Bids {
		cp.Bids[i] = bid.Clone()
	}
	for k, v := range b.Outcomes {
		out := *v
		cp.Outcomes[k] = &out
	}
	return cp
}

// FindBid returns the bid with the given ID, or nil.
func (b *Book) FindBid(id uuid.UUID) *Bid {
	for _, bid := range b.Bids {
		if bid.ID == id {
			return bid
		}
	}
	return nil
}

// CurrentBest returns the reverse-auction current best: the most recently
// accepted bid. Reverse acceptance is monotonically improving, so the last
// entry is always the best. Nil when no bid has been accepted.
func (b *Book) CurrentBest() *Bid {
	if len(b.Bids) == 0 {
		return nil
	}
	return b.Bids[len(b.Bids)-1]
}

// LatestByParticipant returns the highest-revision bid a participant has
// submitted, withdrawn or not. Nil when the participant has not bid.
func (b *Book) LatestByParticipant(participantID string) *Bid {
	var latest *Bid
	for _, bid := range b.Bids {
		if bid.ParticipantID != participantID {
			continue
		}
		if latest == nil || bid.Revision >= latest.Revision {
			latest = bid
		}
	}
	return latest
}

// ActiveBids returns the bids that participate in evaluation: the latest
// revision per participant, excluding withdrawn and defaulted offers.
func (b *Book) ActiveBids() []*Bid {
	latest := make(map[string]*Bid)
	for _, bid := range b.Bids {
		cur, ok := latest[bid.ParticipantID]
		if !ok || bid.Revision >= cur.Revision {
			latest[bid.ParticipantID] = bid
		}
	}
	active := make([]*Bid, 0, len(latest))
	for _, bid := range b.Bids { // keep submission order stable
		top := latest[bid.ParticipantID]
		if top != bid || bid.Withdrawn || bid.Defaulted {
			continue
		}
		active = append(active, bid)
	}
	return active
}
