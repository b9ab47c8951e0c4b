package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/auction"
	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
	"github.com/procurehub/auction-engine/pkg/model"
)

// ErrInvalidRFQ wraps creation-time validation failures.
var ErrInvalidRFQ = errors.New("invalid rfq")

// Directory resolves a participant's eligibility snapshot. Implementations
// cache aggressively; the engine never blocks a critical section on a lookup.
type Directory interface {
	Snapshot(ctx context.Context, participantID string) (rfq.DirectorySnapshot, error)
}

// SubmitLimiter throttles per-participant submissions before any book state
// is touched.
type SubmitLimiter interface {
	Allow(participantID string) bool
}

// Store is the durable/read side, written post-commit and tolerant of
// at-least-once writes. The arena stays authoritative for hot state.
type Store interface {
	SaveRFQ(ctx context.Context, r *rfq.RFQ) error
	SaveBid(ctx context.Context, b *rfq.Bid) error
	SaveExtension(ctx context.Context, rfqID uuid.UUID, ext *rfq.Extension) error
	SaveViolations(ctx context.Context, violations []rules.Violation) error
}

// ReplayCache dedups creation tokens across restarts. The in-process map
// covers one process lifetime; the cache covers redeliveries that straddle
// a restart, after the arena has been rebuilt from the store.
type ReplayCache interface {
	SeenCommand(ctx context.Context, token string) (uuid.UUID, bool, error)
	RecordCommand(ctx context.Context, token string, id uuid.UUID) error
}

// Defaults are applied to per-RFQ knobs left zero at creation.
type Defaults struct {
	MinDecrement      decimal.Decimal
	MaxExtensions     int
	ExtensionTrigger  time.Duration
	ExtensionDuration time.Duration
	MaxCASRetries     int
}

// Service is the transport-agnostic command surface: creation, transitions,
// bid submission and withdrawal, ranking queries, and the fulfillment flow.
// API handlers, queue consumers and sweeps all call through here.
type Service struct {
	machine   *Machine
	arena     *arena.Arena
	arbiters  Arbiters
	directory Directory
	limiter   SubmitLimiter
	store     Store
	replay    ReplayCache
	bcast     *broadcast.Broadcaster
	defaults  Defaults
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	created map[string]uuid.UUID // creation idempotency tokens
}

// UseReplayCache attaches the durable creation-token cache. Optional; the
// service works without one, losing only cross-restart dedup.
func (s *Service) UseReplayCache(rc ReplayCache) {
	s.replay = rc
}

func NewService(
	machine *Machine,
	a *arena.Arena,
	arbiters Arbiters,
	directory Directory,
	limiter SubmitLimiter,
	store Store,
	bcast *broadcast.Broadcaster,
	defaults Defaults,
	now func() time.Time,
	logger *zap.Logger,
) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		machine:   machine,
		arena:     a,
		arbiters:  arbiters,
		directory: directory,
		limiter:   limiter,
		store:     store,
		bcast:     bcast,
		defaults:  defaults,
		now:       now,
		logger:    logger,
		created:   make(map[string]uuid.UUID),
	}
}

// CreateRFQRequest carries everything needed to open a DRAFT.
type CreateRFQRequest struct {
	Title          string
	BuyerID        string
	AuctionType    rfq.AuctionType
	Window         rfq.BiddingWindow
	Invited        []string
	LineItems      []rfq.LineItem
	Config         rfq.AuctionConfig
	IdempotencyKey string
}

// CreateRFQ registers a new RFQ in DRAFT. Creation is not a transition, so it
// produces no ledger record; the rfq.created event and the durable row are
// written post-registration.
func (s *Service) CreateRFQ(ctx context.Context, req CreateRFQRequest) (*rfq.RFQ, error) {
	if req.IdempotencyKey != "" {
		s.mu.Lock()
		id, ok := s.created[req.IdempotencyKey]
		s.mu.Unlock()
		if !ok && s.replay != nil {
			cachedID, seen, err := s.replay.SeenCommand(ctx, req.IdempotencyKey)
			if err != nil {
				s.logger.Warn("engine.replay_lookup_failed", zap.Error(err))
			} else if seen {
				id, ok = cachedID, true
			}
		}
		if ok {
			if entry, found := s.arena.Get(id); found {
				book, _ := entry.Read()
				return book.RFQ, nil
			}
		}
	}

	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRFQ)
	}
	if req.BuyerID == "" {
		return nil, fmt.Errorf("%w: buyer id is required", ErrInvalidRFQ)
	}
	if !req.AuctionType.Valid() {
		return nil, fmt.Errorf("%w: unknown auction type %q", ErrInvalidRFQ, req.AuctionType)
	}

	cfg := req.Config
	s.applyDefaults(&cfg)
	if req.AuctionType == rfq.AuctionMultiAttribute {
		if err := auction.ValidateWeights(cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRFQ, err)
		}
	}

	now := s.now()
	r := &rfq.RFQ{
		ID:          uuid.New(),
		Title:       req.Title,
		BuyerID:     req.BuyerID,
		State:       rfq.StateDraft,
		AuctionType: req.AuctionType,
		Window:      req.Window,
		Invited:     append([]string(nil), req.Invited...),
		LineItems:   append([]rfq.LineItem(nil), req.LineItems...),
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	book := rfq.NewBook(r)
	seq := book.NextEventSeq() // book is unshared until Create returns
	entry, err := s.arena.Create(book)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		s.mu.Lock()
		s.created[req.IdempotencyKey] = r.ID
		s.mu.Unlock()
		if s.replay != nil {
			if err := s.replay.RecordCommand(ctx, req.IdempotencyKey, r.ID); err != nil {
				s.logger.Warn("engine.replay_record_failed", zap.Error(err))
			}
		}
	}

	snap, _ := entry.Read()
	s.logger.Info("engine.rfq_created",
		zap.String("rfq_id", r.ID.String()),
		zap.String("auction_type", string(r.AuctionType)),
		zap.String("buyer_id", r.BuyerID))

	if s.bcast != nil {
		s.bcast.Publish(createdEvent(snap, seq))
	}
	s.persistRFQ(ctx, snap.RFQ)
	return snap.RFQ, nil
}

// Transition applies one lifecycle verb and persists the committed snapshot.
func (s *Service) Transition(ctx context.Context, req rfq.TransitionRequest) (*rfq.TransitionResult, error) {
	res, err := s.machine.Transition(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		s.persistRFQ(ctx, res.RFQ)
	}
	return res, nil
}

// SubmitBidRequest carries one offer. Origin is the submission network
// origin, kept for gaming detection.
type SubmitBidRequest struct {
	RFQID          uuid.UUID
	ParticipantID  string
	TotalAmount    decimal.Decimal
	LinePrices     map[string]decimal.Decimal
	Responses      map[string]decimal.Decimal
	NotBefore      time.Time
	NotAfter       time.Time
	Origin         string
	IdempotencyKey string
}

// SubmitBid runs the full submission path: throttle, directory snapshot,
// mechanism arbiter, idempotency record, then post-commit broadcast and
// persistence. Concurrent cancellation is safe: the arbiter rejects with
// AuctionNotActive once the cancel has committed, and a submission that
// committed first is part of history regardless of the later cancel.
func (s *Service) SubmitBid(ctx context.Context, req SubmitBidRequest) (*auction.Acceptance, error) {
	entry, ok := s.arena.Get(req.RFQID)
	if !ok {
		return nil, rfq.ErrNotFound("rfq")
	}
	snap, _ := entry.Read()
	auctionType := string(snap.RFQ.AuctionType)

	if req.IdempotencyKey != "" {
		if out, found := snap.Outcomes[req.IdempotencyKey]; found && out.Op == "bid" {
			metrics.IncBid(auctionType, "replayed")
			return &auction.Acceptance{
				Bid:      snap.FindBid(out.BidID),
				RFQ:      snap.RFQ,
				BidCount: len(snap.Bids),
			}, nil
		}
	}

	if s.limiter != nil && !s.limiter.Allow(req.ParticipantID) {
		metrics.IncBid(auctionType, "throttled")
		return nil, rfq.ErrRuleViolation("submit-rate-limit", "submission rate exceeded, slow down")
	}

	arb, ok := s.arbiters[snap.RFQ.AuctionType]
	if !ok {
		return nil, fmt.Errorf("no arbiter registered for auction type %s", snap.RFQ.AuctionType)
	}

	bid := &rfq.Bid{
		ID:            uuid.New(),
		RFQID:         req.RFQID,
		ParticipantID: req.ParticipantID,
		TotalAmount:   req.TotalAmount,
		LinePrices:    req.LinePrices,
		Responses:     req.Responses,
		NotBefore:     req.NotBefore,
		NotAfter:      req.NotAfter,
		Origin:        req.Origin,
	}
	if s.directory != nil {
		dirSnap, err := s.directory.Snapshot(ctx, req.ParticipantID)
		if err != nil {
			metrics.IncBid(auctionType, "directory_unavailable")
			return nil, rfq.ErrCollaboratorUnavailable("directory", err)
		}
		bid.Snapshot = dirSnap
	}

	acc, err := arb.Submit(ctx, entry, bid)
	if err != nil {
		metrics.IncBid(auctionType, "rejected")
		return nil, err
	}
	metrics.IncBid(auctionType, "accepted")

	if req.IdempotencyKey != "" {
		s.recordBidOutcome(entry, req.IdempotencyKey, "bid", acc.Bid.ID, acc.EventSeq)
	}

	if s.bcast != nil && snap.RFQ.AuctionType == rfq.AuctionReverse {
		s.bcast.Publish(bidAcceptedEvent(acc))
		if acc.Extension != nil {
			s.bcast.Publish(extensionEvent(acc.RFQ.ID, acc.Extension, acc.ExtensionEventSeq))
		}
	}

	s.persistBid(ctx, acc.Bid)
	if acc.Extension != nil {
		s.persistRFQ(ctx, acc.RFQ)
		if s.store != nil {
			if err := s.store.SaveExtension(ctx, acc.RFQ.ID, acc.Extension); err != nil {
				s.logger.Warn("engine.store_extension_failed",
					zap.String("rfq_id", acc.RFQ.ID.String()), zap.Error(err))
			}
		}
	}
	s.persistViolations(ctx, acc.Warnings)
	return acc, nil
}

// WithdrawBid removes a participant's own bid where the mechanism permits.
func (s *Service) WithdrawBid(ctx context.Context, rfqID, bidID uuid.UUID, participantID, idempotencyKey string) (*rfq.Bid, error) {
	entry, ok := s.arena.Get(rfqID)
	if !ok {
		return nil, rfq.ErrNotFound("rfq")
	}
	snap, _ := entry.Read()

	if idempotencyKey != "" {
		if out, found := snap.Outcomes[idempotencyKey]; found && out.Op == "withdraw" {
			return snap.FindBid(out.BidID), nil
		}
	}

	arb, ok := s.arbiters[snap.RFQ.AuctionType]
	if !ok {
		return nil, fmt.Errorf("no arbiter registered for auction type %s", snap.RFQ.AuctionType)
	}
	bid, err := arb.Withdraw(ctx, entry, bidID, participantID)
	if err != nil {
		return nil, err
	}
	metrics.IncBid(string(snap.RFQ.AuctionType), "withdrawn")

	if idempotencyKey != "" {
		s.recordBidOutcome(entry, idempotencyKey, "withdraw", bid.ID, 0)
	}
	s.persistBid(ctx, bid)
	return bid, nil
}

// GetCurrentState returns a consistent copy of the RFQ's book.
func (s *Service) GetCurrentState(rfqID uuid.UUID) (*rfq.Book, error) {
	entry, ok := s.arena.Get(rfqID)
	if !ok {
		return nil, rfq.ErrNotFound("rfq")
	}
	book, _ := entry.Read()
	return book, nil
}

// GetRanking evaluates the RFQ's bid set with its mechanism. Recomputing
// against an unchanged set returns an identical ranking.
func (s *Service) GetRanking(rfqID uuid.UUID) (*auction.Evaluation, error) {
	entry, ok := s.arena.Get(rfqID)
	if !ok {
		return nil, rfq.ErrNotFound("rfq")
	}
	book, _ := entry.Read()
	arb, ok := s.arbiters[book.RFQ.AuctionType]
	if !ok {
		return nil, fmt.Errorf("no arbiter registered for auction type %s", book.RFQ.AuctionType)
	}
	return arb.Evaluate(book, s.now())
}

// AwardKind tags the outcome of award handling.
type AwardKind string

const (
	AwardKindAwarded           AwardKind = "AWARDED"
	AwardKindBackupOffered     AwardKind = "BACKUP_OFFERED"
	AwardKindNoBackupAvailable AwardKind = "NO_BACKUP_AVAILABLE"
)

// AwardOutcome is the tagged result of award handling. BackupOffered and
// NoBackupAvailable arise from the supplier-default flow.
type AwardOutcome struct {
	Kind       AwardKind
	RFQ        *rfq.RFQ
	WinningBid *rfq.Bid
}

// Award applies the AWARD verb for the selected bid.
func (s *Service) Award(ctx context.Context, rfqID, bidID uuid.UUID, actor, idempotencyKey string) (*AwardOutcome, error) {
	res, err := s.Transition(ctx, rfq.TransitionRequest{
		RFQID:          rfqID,
		Verb:           rfq.VerbAward,
		Actor:          actor,
		Metadata:       map[string]string{rfq.MetaSelectedBid: bidID.String()},
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	book, err := s.GetCurrentState(rfqID)
	if err != nil {
		return nil, err
	}
	return &AwardOutcome{Kind: AwardKindAwarded, RFQ: res.RFQ, WinningBid: book.FindBid(bidID)}, nil
}

// HandleFulfillmentSignal reacts to the fulfillment collaborator. COMPLETED
// unblocks and applies the COMPLETE verb (nil outcome). DEFAULTED reverts the
// award through REOPEN_EVALUATION, marks the defaulted bid, and offers the
// next-ranked bid when one exists.
func (s *Service) HandleFulfillmentSignal(ctx context.Context, sig model.FulfillmentSignal) (*AwardOutcome, error) {
	rfqID, err := uuid.Parse(sig.RFQID)
	if err != nil {
		return nil, fmt.Errorf("fulfillment signal rfq id %q: %w", sig.RFQID, err)
	}

	switch sig.Status {
	case model.FulfillmentCompleted:
		return nil, s.completeFulfillment(ctx, rfqID, sig)
	case model.FulfillmentDefaulted:
		return s.offerBackup(ctx, rfqID, sig)
	default:
		return nil, fmt.Errorf("unknown fulfillment status %q", sig.Status)
	}
}

func (s *Service) completeFulfillment(ctx context.Context, rfqID uuid.UUID, sig model.FulfillmentSignal) error {
	entry, ok := s.arena.Get(rfqID)
	if !ok {
		return rfq.ErrNotFound("rfq")
	}
	if _, err := entry.Update(func(book *rfq.Book) error {
		book.RFQ.FulfillmentDone = true
		return nil
	}); err != nil {
		return err
	}

	meta := map[string]string{}
	if sig.PurchaseOrderID != "" {
		meta[rfq.MetaPurchaseOrder] = sig.PurchaseOrderID
	}
	_, err := s.Transition(ctx, rfq.TransitionRequest{
		RFQID:    rfqID,
		Verb:     rfq.VerbComplete,
		Actor:    "fulfillment",
		Metadata: meta,
	})
	return err
}

func (s *Service) offerBackup(ctx context.Context, rfqID uuid.UUID, sig model.FulfillmentSignal) (*AwardOutcome, error) {
	book, err := s.GetCurrentState(rfqID)
	if err != nil {
		return nil, err
	}
	if book.RFQ.AwardedBid == nil {
		return nil, rfq.ErrInvalidTransition(book.RFQ.State, rfq.VerbReopenEvaluation)
	}
	defaulted := *book.RFQ.AwardedBid

	reason := sig.Reason
	if reason == "" {
		reason = "awarded supplier defaulted"
	}
	if _, err := s.Transition(ctx, rfq.TransitionRequest{
		RFQID: rfqID,
		Verb:  rfq.VerbReopenEvaluation,
		Actor: "fulfillment",
		Metadata: map[string]string{
			rfq.MetaReason:       reason,
			rfq.MetaDefaultedBid: defaulted.String(),
		},
	}); err != nil {
		return nil, err
	}

	// Re-rank with the defaulted bid excluded.
	eval, err := s.GetRanking(rfqID)
	if err != nil {
		return nil, err
	}
	if eval.Recommended == nil {
		fresh, err := s.GetCurrentState(rfqID)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("engine.backup_unavailable",
			zap.String("rfq_id", rfqID.String()),
			zap.String("outcome", string(eval.Outcome)))
		return &AwardOutcome{Kind: AwardKindNoBackupAvailable, RFQ: fresh.RFQ}, nil
	}

	out, err := s.Award(ctx, rfqID, *eval.Recommended, "fulfillment", "")
	if err != nil {
		return nil, err
	}
	s.logger.Info("engine.backup_offered",
		zap.String("rfq_id", rfqID.String()),
		zap.String("bid_id", eval.Recommended.String()),
		zap.String("defaulted_bid_id", defaulted.String()))
	out.Kind = AwardKindBackupOffered
	return out, nil
}

// ReportFairness persists and broadcasts detector findings. Advisory only.
func (s *Service) ReportFairness(ctx context.Context, violations []rules.Violation) {
	if len(violations) == 0 {
		return
	}
	s.persistViolations(ctx, violations)
	if s.bcast == nil {
		return
	}
	for _, v := range violations {
		s.bcast.Publish(fairnessEvent(v))
	}
}

func (s *Service) applyDefaults(cfg *rfq.AuctionConfig) {
	if cfg.MinDecrement.IsZero() && cfg.MinDecrementPct.IsZero() {
		cfg.MinDecrement = s.defaults.MinDecrement
	}
	if cfg.MaxExtensions == 0 {
		cfg.MaxExtensions = s.defaults.MaxExtensions
	}
	if cfg.ExtensionTrigger == 0 {
		cfg.ExtensionTrigger = s.defaults.ExtensionTrigger
	}
	if cfg.ExtensionDuration == 0 {
		cfg.ExtensionDuration = s.defaults.ExtensionDuration
	}
	if cfg.MaxCASRetries == 0 {
		cfg.MaxCASRetries = s.defaults.MaxCASRetries
	}
	cfg.Normalize()
}

// recordBidOutcome stores the token so a retried command replays instead of
// resubmitting. Two in-flight copies of the same token can still race past
// the pre-check; the second then commits a duplicate, which the mechanisms
// treat as a revision or an improvement attempt rather than corruption.
func (s *Service) recordBidOutcome(entry *arena.Entry, token, op string, bidID uuid.UUID, seq uint64) {
	_, err := entry.Update(func(book *rfq.Book) error {
		book.Outcomes[token] = &rfq.CommandOutcome{
			Token: token,
			Op:    op,
			State: book.RFQ.State,
			Seq:   seq,
			BidID: bidID,
			At:    s.now(),
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("engine.outcome_record_failed", zap.String("token", token), zap.Error(err))
	}
}

func (s *Service) persistRFQ(ctx context.Context, r *rfq.RFQ) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRFQ(ctx, r); err != nil {
		s.logger.Warn("engine.store_rfq_failed", zap.String("rfq_id", r.ID.String()), zap.Error(err))
	}
}

func (s *Service) persistBid(ctx context.Context, b *rfq.Bid) {
	if s.store == nil || b == nil {
		return
	}
	if err := s.store.SaveBid(ctx, b); err != nil {
		s.logger.Warn("engine.store_bid_failed", zap.String("bid_id", b.ID.String()), zap.Error(err))
	}
}

func (s *Service) persistViolations(ctx context.Context, violations []rules.Violation) {
	if s.store == nil {
		return
	}
	var persistent []rules.Violation
	for _, v := range violations {
		if v.Persistent() {
			persistent = append(persistent, v)
		}
	}
	if len(persistent) == 0 {
		return
	}
	if err := s.store.SaveViolations(ctx, persistent); err != nil {
		s.logger.Warn("engine.store_violations_failed", zap.Int("count", len(persistent)), zap.Error(err))
	}
}
