package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/engine"
	"github.com/procurehub/auction-engine/pkg/model"
)

// Terminal transition event types, as produced for the AWARD, COMPLETE and
// CANCEL verbs.
const (
	eventAwarded   = "rfq.awarded"
	eventCompleted = "rfq.completed"
	eventCancelled = "rfq.cancelled"
)

// Projector maintains the Redis read-side projections from the committed
// event stream. It runs as one broadcaster subscriber among several;
// per-RFQ sequence numbers make its writes idempotent under redelivery.
type Projector struct {
	store  Store
	logger *zap.Logger
}

func NewProjector(st Store, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{store: st, logger: logger}
}

// Run consumes the subscription until ctx is cancelled or the broadcaster
// closes. Projection failures are logged and skipped: the Postgres rows
// written by the engine remain the recovery source.
func (p *Projector) Run(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := p.apply(ctx, ev); err != nil {
				p.logger.Error("store.projection_failed",
					zap.String("event_type", ev.Type),
					zap.String("rfq_id", ev.RFQID.String()),
					zap.Error(err))
			}
		}
	}
}

func (p *Projector) apply(ctx context.Context, ev broadcast.Event) error {
	switch ev.Type {
	case engine.EventBidAccepted:
		return p.applyBidAccepted(ctx, ev)
	case engine.EventDeadlineExtended:
		return p.applyDeadlineExtended(ctx, ev)
	case eventAwarded, eventCompleted, eventCancelled:
		return p.store.DropBestQuote(ctx, ev.RFQID)
	default:
		return nil
	}
}

func (p *Projector) applyBidAccepted(ctx context.Context, ev broadcast.Event) error {
	var payload model.BidAcceptedEvent
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("bid_accepted payload: %w", err)
	}
	current, err := p.store.GetBestQuote(ctx, ev.RFQID)
	if err != nil {
		return err
	}
	if current != nil && ev.Seq <= current.Seq {
		return nil
	}
	bidID, err := uuid.Parse(payload.BidID)
	if err != nil {
		return fmt.Errorf("bid_accepted bid id: %w", err)
	}

	best := &BestQuote{
		RFQID:         ev.RFQID,
		BidID:         bidID,
		ParticipantID: payload.ParticipantID,
		LeadingAmount: payload.LeadingAmount,
		Rank:          payload.Rank,
		BidCount:      payload.BidCount,
		Seq:           ev.Seq,
		UpdatedAt:     ev.At,
	}
	if current != nil {
		best.Deadline = current.Deadline
	}
	return p.store.SetBestQuote(ctx, best)
}

func (p *Projector) applyDeadlineExtended(ctx context.Context, ev broadcast.Event) error {
	var payload model.DeadlineExtendedEvent
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("deadline_extended payload: %w", err)
	}
	current, err := p.store.GetBestQuote(ctx, ev.RFQID)
	if err != nil {
		return err
	}
	if current == nil {
		// An extension always follows an accepted bid; a missing best
		// means this subscriber lagged past the bid event. The full RFQ
		// snapshot carries the authoritative deadline either way.
		return nil
	}
	if ev.Seq <= current.Seq {
		return nil
	}
	current.Deadline = payload.NewDeadline
	current.Seq = ev.Seq
	current.UpdatedAt = ev.At
	return p.store.SetBestQuote(ctx, current)
}
