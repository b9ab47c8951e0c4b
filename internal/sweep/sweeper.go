// Package sweep runs the periodic maintenance passes over the live auction
// books: closing bidding windows whose deadline has passed, firing dwell
// timeout actions for RFQs stuck in a state, and scanning open reverse
// auctions for fairness findings. One sweep loop replaces per-RFQ timers;
// every pass works from an arena snapshot and drives changes through the
// engine so the usual guards and the ledger stay in the path.
package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/fairness"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
	"github.com/procurehub/auction-engine/pkg/model"
)

// Operational event types emitted by dwell actions. These carry no state
// change; ESCALATE and ARCHIVE leave the RFQ where it is and notify.
const (
	EventDwellEscalated = "rfq.dwell_escalated"
	EventRFQArchived    = "rfq.archived"
)

const actorSweeper = "sweeper"

// Engine is the slice of the auction service the sweeper drives.
type Engine interface {
	Transition(ctx context.Context, req rfq.TransitionRequest) (*rfq.TransitionResult, error)
	ReportFairness(ctx context.Context, violations []rules.Violation)
}

// Books supplies point-in-time copies of the live auction books.
type Books interface {
	Snapshot() []*rfq.Book
}

// Config tunes the sweep cadence and the global dwell limits. A state absent
// from DwellDefaults has no global limit; per-RFQ config can still set one.
type Config struct {
	Interval         time.Duration
	FairnessInterval time.Duration
	DwellDefaults    map[rfq.State]time.Duration
}

// Sweeper owns the maintenance loop. Not safe for concurrent sweeps; Start
// runs the only goroutine that calls Sweep.
type Sweeper struct {
	engine   Engine
	books    Books
	detector *fairness.Detector
	bcast    *broadcast.Broadcaster
	logger   *zap.Logger
	now      func() time.Time

	interval      time.Duration
	fairnessEvery time.Duration
	dwellDefaults map[rfq.State]time.Duration

	// fired marks RFQs whose ESCALATE/ARCHIVE action already ran for the
	// current state episode, so a stuck RFQ alerts once, not every tick.
	fired        map[uuid.UUID]rfq.State
	lastFairness time.Time
}

func New(eng Engine, books Books, det *fairness.Detector, bcast *broadcast.Broadcaster, cfg Config, now func() time.Time, logger *zap.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.FairnessInterval <= 0 {
		cfg.FairnessInterval = time.Minute
	}
	return &Sweeper{
		engine:        eng,
		books:         books,
		detector:      det,
		bcast:         bcast,
		logger:        logger,
		now:           now,
		interval:      cfg.Interval,
		fairnessEvery: cfg.FairnessInterval,
		dwellDefaults: cfg.DwellDefaults,
		fired:         make(map[uuid.UUID]rfq.State),
	}
}

// Start blocks running the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweep.started",
		zap.Duration("interval", s.interval),
		zap.Duration("fairness_interval", s.fairnessEvery))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep.stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: deadlines, dwell timeouts, fairness scan.
func (s *Sweeper) Sweep(ctx context.Context) {
	books := s.books.Snapshot()

	start := time.Now()
	closed := s.sweepDeadlines(ctx, books)
	metrics.ObserveDuration(metrics.SweepDuration, start, "deadline")

	start = time.Now()
	acted := s.sweepDwell(ctx, books)
	metrics.ObserveDuration(metrics.SweepDuration, start, "dwell")

	start = time.Now()
	findings := s.sweepFairness(ctx, books)
	metrics.ObserveDuration(metrics.SweepDuration, start, "fairness")

	if closed+acted+findings > 0 {
		s.logger.Info("sweep.pass_complete",
			zap.Int("closed", closed),
			zap.Int("dwell_actions", acted),
			zap.Int("fairness_findings", findings))
	}
}

// sweepDeadlines closes bidding on every open RFQ whose effective deadline
// has passed. The snapshot may be stale: a bid can extend the deadline
// between the snapshot and the transition. CLOSE_BIDDING revalidates the
// deadline under the entry lock, so that race rejects cleanly and the RFQ
// is picked up again on a later tick.
func (s *Sweeper) sweepDeadlines(ctx context.Context, books []*rfq.Book) int {
	now := s.now()
	closed := 0
	for _, book := range books {
		if book.RFQ.State != rfq.StateBiddingOpen {
			continue
		}
		deadline := book.RFQ.EffectiveDeadline()
		if now.Before(deadline) {
			continue
		}
		res, err := s.engine.Transition(ctx, rfq.TransitionRequest{
			RFQID:          book.RFQ.ID,
			Verb:           rfq.VerbCloseBidding,
			Actor:          actorSweeper,
			IdempotencyKey: fmt.Sprintf("sweep-close-%s-%d", book.RFQ.ID, deadline.Unix()),
		})
		switch {
		case err == nil:
			if !res.Replayed {
				closed++
				s.logger.Info("sweep.bidding_closed",
					zap.String("rfq_id", book.RFQ.ID.String()),
					zap.Time("deadline", deadline))
			}
		case rfq.IsKind(err, rfq.KindGuardRejected), rfq.IsKind(err, rfq.KindInvalidTransition):
			// Extended or already closed by a racing actor.
			s.logger.Debug("sweep.close_skipped",
				zap.String("rfq_id", book.RFQ.ID.String()),
				zap.Error(err))
		default:
			s.logger.Warn("sweep.close_failed",
				zap.String("rfq_id", book.RFQ.ID.String()),
				zap.Error(err))
		}
	}
	return closed
}

// sweepDwell fires the configured action for every RFQ that has sat in a
// non-terminal state past its dwell limit. Dwell is measured from the last
// mutation of the RFQ, so an active auction never counts as stuck.
func (s *Sweeper) sweepDwell(ctx context.Context, books []*rfq.Book) int {
	now := s.now()
	acted := 0
	for _, book := range books {
		id := book.RFQ.ID
		state := book.RFQ.State
		if state.Terminal() {
			delete(s.fired, id)
			continue
		}
		if prev, ok := s.fired[id]; ok && prev != state {
			delete(s.fired, id)
		}

		limit := s.dwellLimit(book, state)
		if limit <= 0 {
			continue
		}
		dwelled := now.Sub(book.RFQ.UpdatedAt)
		if dwelled <= limit {
			continue
		}

		action := book.RFQ.Config.DwellAction
		if action == "" {
			action = rfq.DwellEscalate
		}
		if action == rfq.DwellAutoClose {
			verb, ok := autoCloseVerb(state)
			if !ok {
				// AWARDED has no safe automatic verb; completing or
				// reopening needs a human decision.
				action = rfq.DwellEscalate
			} else {
				if s.autoClose(ctx, book, state, verb) {
					acted++
				}
				continue
			}
		}

		if s.fired[id] == state {
			continue
		}
		s.publishDwell(book, state, action, dwelled, limit, now)
		s.fired[id] = state
		acted++
	}
	return acted
}

// dwellLimit resolves the per-RFQ override, then the global default.
func (s *Sweeper) dwellLimit(book *rfq.Book, state rfq.State) time.Duration {
	if d, ok := book.RFQ.Config.DwellTimeouts[state]; ok && d > 0 {
		return d
	}
	return s.dwellDefaults[state]
}

// autoCloseVerb maps a dwelling state to the verb that moves it along.
// Pre-bidding and evaluation stalls cancel; an open window closes; a closed
// window proceeds to evaluation.
func autoCloseVerb(state rfq.State) (rfq.Verb, bool) {
	switch state {
	case rfq.StateDraft, rfq.StatePublished, rfq.StateEvaluation:
		return rfq.VerbCancel, true
	case rfq.StateBiddingOpen:
		return rfq.VerbCloseBidding, true
	case rfq.StateBiddingClosed:
		return rfq.VerbStartEvaluation, true
	default:
		return "", false
	}
}

func (s *Sweeper) autoClose(ctx context.Context, book *rfq.Book, state rfq.State, verb rfq.Verb) bool {
	res, err := s.engine.Transition(ctx, rfq.TransitionRequest{
		RFQID: book.RFQ.ID,
		Verb:  verb,
		Actor: actorSweeper,
		Metadata: map[string]string{
			rfq.MetaReason: fmt.Sprintf("dwell timeout in %s", state),
		},
		IdempotencyKey: fmt.Sprintf("sweep-dwell-%s-%s-%d", book.RFQ.ID, state, book.RFQ.UpdatedAt.Unix()),
	})
	switch {
	case err == nil:
		if res.Replayed {
			return false
		}
		s.logger.Info("sweep.dwell_closed",
			zap.String("rfq_id", book.RFQ.ID.String()),
			zap.String("state", string(state)),
			zap.String("verb", string(verb)))
		return true
	case rfq.IsKind(err, rfq.KindGuardRejected), rfq.IsKind(err, rfq.KindInvalidTransition):
		s.logger.Debug("sweep.dwell_close_skipped",
			zap.String("rfq_id", book.RFQ.ID.String()),
			zap.Error(err))
		return false
	default:
		s.logger.Warn("sweep.dwell_close_failed",
			zap.String("rfq_id", book.RFQ.ID.String()),
			zap.Error(err))
		return false
	}
}

func (s *Sweeper) publishDwell(book *rfq.Book, state rfq.State, action rfq.DwellAction, dwelled, limit time.Duration, now time.Time) {
	s.logger.Info("sweep.dwell_timeout",
		zap.String("rfq_id", book.RFQ.ID.String()),
		zap.String("state", string(state)),
		zap.String("action", string(action)),
		zap.Duration("dwelled", dwelled),
		zap.Duration("limit", limit))
	if s.bcast == nil {
		return
	}
	eventType := EventDwellEscalated
	if action == rfq.DwellArchive {
		eventType = EventRFQArchived
	}
	payload, _ := json.Marshal(model.DwellTimeoutEvent{
		RFQID:      book.RFQ.ID.String(),
		State:      string(state),
		Action:     string(action),
		DwelledFor: dwelled,
		Limit:      limit,
		OccurredAt: now,
	})
	s.bcast.Publish(broadcast.Event{
		RFQID:   book.RFQ.ID,
		Type:    eventType,
		Actor:   actorSweeper,
		At:      now,
		Payload: payload,
	})
}

// sweepFairness scans open bidding books for rule findings. Advisory only;
// the engine persists and broadcasts whatever the detector reports.
func (s *Sweeper) sweepFairness(ctx context.Context, books []*rfq.Book) int {
	if s.detector == nil {
		return 0
	}
	now := s.now()
	if !s.lastFairness.IsZero() && now.Sub(s.lastFairness) < s.fairnessEvery {
		return 0
	}
	s.lastFairness = now

	var findings []rules.Violation
	for _, book := range books {
		if book.RFQ.State != rfq.StateBiddingOpen {
			continue
		}
		findings = append(findings, s.detector.Scan(book, now)...)
	}
	if len(findings) > 0 {
		s.engine.ReportFairness(ctx, findings)
		s.logger.Info("sweep.fairness_findings", zap.Int("count", len(findings)))
	}
	return len(findings)
}
