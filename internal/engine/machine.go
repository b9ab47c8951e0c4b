// Package engine ties the domain together: the state machine driving RFQ
// transitions through the arena and ledger, and the service exposing the
// command surface over it.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/rfq"
)

// errReplayed signals inside the atomic section that the request's token was
// already committed, so nothing may be applied again.
var errReplayed = errors.New("idempotent replay")

// Machine applies lifecycle verbs to RFQs. Every transition runs as one
// atomic unit: idempotency check, adjacency check, ordered guards, ledger
// append, then the state mutation. The ledger append is the only collaborator
// call inside the unit; its failure aborts the transition with state
// unchanged.
type Machine struct {
	arena    *arena.Arena
	ledger   rfq.Ledger
	bcast    *broadcast.Broadcaster
	arbiters Arbiters
	guards   map[rfq.Verb][]rfq.Guard
	now      func() time.Time
	logger   *zap.Logger
}

func NewMachine(a *arena.Arena, ledger rfq.Ledger, bcast *broadcast.Broadcaster, arbiters Arbiters, now func() time.Time, logger *zap.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		arena:    a,
		ledger:   ledger,
		bcast:    bcast,
		arbiters: arbiters,
		guards:   rfq.DefaultGuards(),
		now:      now,
		logger:   logger,
	}
}

// AddGuard appends a guard for verb, evaluated after the defaults. The
// defaults are never removed or skipped.
func (m *Machine) AddGuard(verb rfq.Verb, g rfq.Guard) {
	m.guards[verb] = append(m.guards[verb], g)
}

// Transition applies one verb. On success the committed event is broadcast
// with its stream position reserved inside the atomic section; broadcast
// problems never undo the commit. A request replaying an already-committed
// idempotency key returns the recorded outcome without a second ledger
// record.
func (m *Machine) Transition(ctx context.Context, req rfq.TransitionRequest) (*rfq.TransitionResult, error) {
	entry, ok := m.arena.Get(req.RFQID)
	if !ok {
		metrics.IncTransition(string(req.Verb), "unknown_rfq")
		return nil, rfq.ErrNotFound("rfq")
	}

	now := m.now()
	var (
		replayed *rfq.CommandOutcome
		rec      *rfq.TransitionRecord
		from     rfq.State
		ev       broadcast.Event
	)

	snap, err := entry.Update(func(book *rfq.Book) error {
		if req.IdempotencyKey != "" {
			if out, ok := book.Outcomes[req.IdempotencyKey]; ok {
				replayed = out
				return errReplayed
			}
		}

		from = book.RFQ.State
		to, ok := rfq.Next(from, req.Verb)
		if !ok {
			return rfq.ErrInvalidTransition(from, req.Verb)
		}

		for _, g := range m.guards[req.Verb] {
			if err := g.Check(now, book, &req); err != nil {
				var typed *rfq.Error
				if errors.As(err, &typed) {
					return err
				}
				return rfq.ErrGuardRejected(g.Name, err.Error())
			}
		}

		rec = &rfq.TransitionRecord{
			RFQID:          req.RFQID,
			FromState:      from,
			ToState:        to,
			Verb:           req.Verb,
			Actor:          req.Actor,
			At:             now,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
		}
		if err := m.ledger.Append(ctx, rec); err != nil {
			return rfq.ErrCollaboratorUnavailable("ledger", err)
		}

		// The record is durable: apply the paired state change.
		book.RFQ.State = to
		book.RFQ.UpdatedAt = now
		applyVerbEffects(book, &req)

		ev = transitionEvent(book, rec, m.arbiters, book.NextEventSeq())

		if req.IdempotencyKey != "" {
			book.Outcomes[req.IdempotencyKey] = &rfq.CommandOutcome{
				Token: req.IdempotencyKey,
				Op:    "transition",
				Verb:  req.Verb,
				State: to,
				Seq:   rec.Seq,
				At:    now,
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, errReplayed):
		metrics.IncTransition(string(req.Verb), "replayed")
		book, _ := entry.Read()
		m.logger.Debug("engine.transition_replayed",
			zap.String("rfq_id", req.RFQID.String()),
			zap.String("verb", string(req.Verb)),
			zap.Uint64("seq", replayed.Seq))
		return &rfq.TransitionResult{RFQ: book.RFQ, Seq: replayed.Seq, Replayed: true}, nil
	case err != nil:
		metrics.IncTransition(string(req.Verb), "rejected")
		return nil, err
	}

	metrics.IncTransition(string(req.Verb), "committed")
	m.logger.Info("engine.transition_committed",
		zap.String("rfq_id", req.RFQID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(snap.RFQ.State)),
		zap.String("verb", string(req.Verb)),
		zap.String("actor", req.Actor),
		zap.Uint64("seq", rec.Seq))

	if m.bcast != nil {
		m.bcast.Publish(ev)
	}
	return &rfq.TransitionResult{RFQ: snap.RFQ, Seq: rec.Seq}, nil
}

// applyVerbEffects carries out the state mutations a verb implies beyond the
// state field itself. Guards have already validated the inputs.
func applyVerbEffects(book *rfq.Book, req *rfq.TransitionRequest) {
	switch req.Verb {
	case rfq.VerbAward:
		if id, err := uuid.Parse(req.Metadata[rfq.MetaSelectedBid]); err == nil {
			book.RFQ.AwardedBid = &id
		}
	case rfq.VerbReopenEvaluation:
		if raw := req.Metadata[rfq.MetaDefaultedBid]; raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				if bid := book.FindBid(id); bid != nil {
					bid.Defaulted = true
				}
			}
		}
		book.RFQ.AwardedBid = nil
	}
}
