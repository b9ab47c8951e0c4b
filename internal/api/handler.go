package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/auction"
	"github.com/procurehub/auction-engine/internal/engine"
	"github.com/procurehub/auction-engine/internal/rfq"
)

// EngineService defines the engine operations the handler needs.
type EngineService interface {
	CreateRFQ(ctx context.Context, req engine.CreateRFQRequest) (*rfq.RFQ, error)
	Transition(ctx context.Context, req rfq.TransitionRequest) (*rfq.TransitionResult, error)
	SubmitBid(ctx context.Context, req engine.SubmitBidRequest) (*auction.Acceptance, error)
	WithdrawBid(ctx context.Context, rfqID, bidID uuid.UUID, participantID, idempotencyKey string) (*rfq.Bid, error)
	GetCurrentState(rfqID uuid.UUID) (*rfq.Book, error)
	GetRanking(rfqID uuid.UUID) (*auction.Evaluation, error)
}

// Handler handles the RFQ REST API.
type Handler struct {
	logger *zap.Logger
	svc    EngineService
}

func NewHandler(logger *zap.Logger, svc EngineService) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, svc: svc}
}

// CreateRFQ handles RFQ creation.
func (h *Handler) CreateRFQ(c *fiber.Ctx) error {
	var req CreateRFQRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	lineItems := make([]rfq.LineItem, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		lineItems = append(lineItems, rfq.LineItem{
			ID:            li.ID,
			Description:   li.Description,
			Quantity:      li.Quantity,
			UnitOfMeasure: li.UnitOfMeasure,
		})
	}

	r, err := h.svc.CreateRFQ(c.Context(), engine.CreateRFQRequest{
		Title:          req.Title,
		BuyerID:        req.BuyerID,
		AuctionType:    rfq.AuctionType(req.AuctionType),
		Window:         rfq.BiddingWindow{OpensAt: req.OpensAt, Deadline: req.Deadline},
		Invited:        req.Invited,
		LineItems:      lineItems,
		Config:         req.Config,
		IdempotencyKey: c.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Warn("api.create_rfq_failed",
			zap.String("buyer", req.BuyerID),
			zap.Error(err))
		return h.renderError(c, err)
	}

	book, err := h.svc.GetCurrentState(r.ID)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toRFQResponse(book))
}

// Transition handles lifecycle verbs.
func (h *Handler) Transition(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid rfq id"})
	}
	var req TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := h.svc.Transition(c.Context(), rfq.TransitionRequest{
		RFQID:          id,
		Verb:           rfq.Verb(req.Verb),
		Actor:          req.Actor,
		Metadata:       req.Metadata,
		IdempotencyKey: c.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Info("api.transition_rejected",
			zap.String("rfq_id", id.String()),
			zap.String("verb", req.Verb),
			zap.Error(err))
		return h.renderError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(TransitionResponse{
		RFQID:    id.String(),
		State:    string(res.RFQ.State),
		Verb:     req.Verb,
		Seq:      res.Seq,
		Replayed: res.Replayed,
	})
}

// SubmitBid handles supplier offers.
func (h *Handler) SubmitBid(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid rfq id"})
	}
	var req SubmitBidRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	origin := req.Origin
	if origin == "" {
		origin = c.IP()
	}
	sub := engine.SubmitBidRequest{
		RFQID:          id,
		ParticipantID:  req.ParticipantID,
		TotalAmount:    req.TotalAmount,
		LinePrices:     req.LinePrices,
		Responses:      req.Responses,
		Origin:         origin,
		IdempotencyKey: c.Get("Idempotency-Key"),
	}
	if req.NotBefore != nil {
		sub.NotBefore = *req.NotBefore
	}
	if req.NotAfter != nil {
		sub.NotAfter = *req.NotAfter
	}

	acc, err := h.svc.SubmitBid(c.Context(), sub)
	if err != nil {
		h.logger.Info("api.bid_rejected",
			zap.String("rfq_id", id.String()),
			zap.String("participant", req.ParticipantID),
			zap.String("kind", string(rfq.KindOf(err))),
			zap.Error(err))
		return h.renderError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toAcceptanceResponse(acc))
}

// WithdrawBid handles offer withdrawal.
func (h *Handler) WithdrawBid(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid rfq id"})
	}
	bidID, err := uuid.Parse(c.Params("bid_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid bid id"})
	}
	participantID := c.Query("participant_id")
	if participantID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "participant_id is required"})
	}

	bid, err := h.svc.WithdrawBid(c.Context(), id, bidID, participantID, c.Get("Idempotency-Key"))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(WithdrawResponse{
		BidID:     bid.ID.String(),
		Withdrawn: bid.Withdrawn,
	})
}

// GetRFQ returns the current RFQ state.
func (h *Handler) GetRFQ(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid rfq id"})
	}
	book, err := h.svc.GetCurrentState(id)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(toRFQResponse(book))
}

// GetRanking returns the mechanism's current evaluation.
func (h *Handler) GetRanking(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid rfq id"})
	}
	eval, err := h.svc.GetRanking(id)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(toRankingResponse(eval))
}

// renderError maps engine errors onto HTTP statuses.
func (h *Handler) renderError(c *fiber.Ctx, err error) error {
	if errors.Is(err, engine.ErrInvalidRFQ) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var typed *rfq.Error
	if !errors.As(err, &typed) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	body := fiber.Map{"error": typed.Message, "kind": string(typed.Kind)}
	if typed.Guard != "" {
		body["guard"] = typed.Guard
	}
	if typed.RuleID != "" {
		body["rule_id"] = typed.RuleID
	}

	var status int
	switch typed.Kind {
	case rfq.KindNotFound:
		status = fiber.StatusNotFound
	case rfq.KindRuleViolation, rfq.KindInsufficientImprovement:
		status = fiber.StatusUnprocessableEntity
	case rfq.KindInvalidTransition, rfq.KindGuardRejected, rfq.KindAuctionNotActive,
		rfq.KindRevisionNotAllowed, rfq.KindExtensionLimitReached:
		status = fiber.StatusConflict
	case rfq.KindConcurrencyConflict, rfq.KindCollaboratorUnavailable:
		status = fiber.StatusServiceUnavailable
	default:
		status = fiber.StatusInternalServerError
	}
	if typed.Retryable {
		c.Set("Retry-After", "1")
	}
	return c.Status(status).JSON(body)
}
