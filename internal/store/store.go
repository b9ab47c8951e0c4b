// Package store is the durable/read side of the auction engine. The arena
// owns the hot state; everything here is written after a commit and
// tolerates at-least-once delivery, so every write is an idempotent upsert
// keyed by domain identifiers. Redis carries the low-latency projections
// (state snapshot, redacted current-best, command replay cache), Postgres
// the system of record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

const (
	rfqKeyf    = "rfq:%s"
	bestKeyf   = "rfq:%s:best"
	replayKeyf = "replay:%s"

	defaultReplayTTL = 24 * time.Hour
)

// BestQuote is the redacted current-best projection for one live RFQ,
// maintained from committed events. Hidden elements arrive as nil on the
// event payload and stay nil here.
type BestQuote struct {
	RFQID         uuid.UUID        `json:"rfq_id"`
	BidID         uuid.UUID        `json:"bid_id"`
	ParticipantID string           `json:"participant_id"`
	LeadingAmount *decimal.Decimal `json:"leading_amount,omitempty"`
	Rank          *int             `json:"rank,omitempty"`
	BidCount      *int             `json:"bid_count,omitempty"`
	Deadline      time.Time        `json:"deadline,omitempty"`
	Seq           uint64           `json:"seq"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Store defines the contract for caching and persisting auction state.
type Store interface {
	SaveRFQ(ctx context.Context, r *rfq.RFQ) error
	SaveBid(ctx context.Context, b *rfq.Bid) error
	SaveExtension(ctx context.Context, rfqID uuid.UUID, ext *rfq.Extension) error
	SaveViolations(ctx context.Context, violations []rules.Violation) error

	LoadOpenRFQs(ctx context.Context) ([]*rfq.RFQ, error)
	LoadBids(ctx context.Context, rfqID uuid.UUID) ([]*rfq.Bid, error)

	SeenCommand(ctx context.Context, token string) (uuid.UUID, bool, error)
	RecordCommand(ctx context.Context, token string, id uuid.UUID) error

	GetBestQuote(ctx context.Context, rfqID uuid.UUID) (*BestQuote, error)
	SetBestQuote(ctx context.Context, best *BestQuote) error
	DropBestQuote(ctx context.Context, rfqID uuid.UUID) error

	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error

	HealthCheck(ctx context.Context) error
	Close() error
}

type HybridStore struct {
	redis     *redis.Client
	PG        *pgxpool.Pool
	logger    *zap.Logger
	replayTTL time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store. pgURL may be
// empty; the store then serves projections only.
func NewHybrid(redisAddr string, redisDB int, redisPass, pgURL string, pgPoolConfig PGPoolConfig, replayTTL time.Duration, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if replayTTL <= 0 {
		replayTTL = defaultReplayTTL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		DB:       redisDB,
		Password: redisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return &HybridStore{redis: rdb, PG: pgPool, logger: logger, replayTTL: replayTTL}, nil
}

// SaveRFQ upserts the durable row and refreshes the Redis state snapshot.
// The snapshot is a read-side convenience: its failure is logged, not
// returned, so a Redis blip never fails a committed transition.
func (s *HybridStore) SaveRFQ(ctx context.Context, r *rfq.RFQ) error {
	if err := s.SetJSON(ctx, fmt.Sprintf(rfqKeyf, r.ID), r, 0); err != nil {
		s.logger.Warn("store.redis.snapshot_failed",
			zap.String("rfq_id", r.ID.String()), zap.Error(err))
	}
	if s.PG == nil {
		return nil
	}

	invited, err := json.Marshal(r.Invited)
	if err != nil {
		return err
	}
	lineItems, err := json.Marshal(r.LineItems)
	if err != nil {
		return err
	}
	config, err := json.Marshal(r.Config)
	if err != nil {
		return err
	}
	extensions, err := json.Marshal(r.Extensions)
	if err != nil {
		return err
	}

	_, err = s.PG.Exec(ctx, `
		INSERT INTO rfqs (
			id, title, buyer_id, state, auction_type,
			opens_at, deadline, effective_deadline,
			invited, line_items, config, extensions,
			awarded_bid, fulfillment_done, event_seq, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			opens_at = EXCLUDED.opens_at,
			deadline = EXCLUDED.deadline,
			effective_deadline = EXCLUDED.effective_deadline,
			invited = EXCLUDED.invited,
			line_items = EXCLUDED.line_items,
			config = EXCLUDED.config,
			extensions = EXCLUDED.extensions,
			awarded_bid = EXCLUDED.awarded_bid,
			fulfillment_done = EXCLUDED.fulfillment_done,
			event_seq = EXCLUDED.event_seq,
			updated_at = EXCLUDED.updated_at;
	`, r.ID, r.Title, r.BuyerID, string(r.State), string(r.AuctionType),
		r.Window.OpensAt, r.Window.Deadline, r.EffectiveDeadline(),
		invited, lineItems, config, extensions,
		r.AwardedBid, r.FulfillmentDone, r.EventSeq, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		s.logger.Error("store.pg.upsert_rfq_failed",
			zap.String("rfq_id", r.ID.String()), zap.Error(err))
	}
	return err
}

// SaveBid upserts one bid row. Replays of the same bid id land on the same
// row; withdrawal and default flips arrive as later upserts.
func (s *HybridStore) SaveBid(ctx context.Context, b *rfq.Bid) error {
	if s.PG == nil {
		return nil
	}

	linePrices, err := json.Marshal(b.LinePrices)
	if err != nil {
		return err
	}
	responses, err := json.Marshal(b.Responses)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(b.Snapshot)
	if err != nil {
		return err
	}

	_, err = s.PG.Exec(ctx, `
		INSERT INTO bids (
			id, rfq_id, participant_id, submitted_at, revision,
			total_amount, line_prices, responses,
			not_before, not_after, beats, origin,
			withdrawn, defaulted, snapshot
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			revision = EXCLUDED.revision,
			total_amount = EXCLUDED.total_amount,
			line_prices = EXCLUDED.line_prices,
			responses = EXCLUDED.responses,
			not_before = EXCLUDED.not_before,
			not_after = EXCLUDED.not_after,
			beats = EXCLUDED.beats,
			withdrawn = EXCLUDED.withdrawn,
			defaulted = EXCLUDED.defaulted,
			snapshot = EXCLUDED.snapshot;
	`, b.ID, b.RFQID, b.ParticipantID, b.SubmittedAt, b.Revision,
		b.TotalAmount, linePrices, responses,
		nullTime(b.NotBefore), nullTime(b.NotAfter), b.Beats, b.Origin,
		b.Withdrawn, b.Defaulted, snapshot)
	if err != nil {
		s.logger.Error("store.pg.upsert_bid_failed",
			zap.String("bid_id", b.ID.String()), zap.Error(err))
	}
	return err
}

// SaveExtension records one anti-sniping extension. The (rfq_id, seq) pair
// is immutable, so replays are plain no-ops.
func (s *HybridStore) SaveExtension(ctx context.Context, rfqID uuid.UUID, ext *rfq.Extension) error {
	if s.PG == nil {
		return nil
	}
	_, err := s.PG.Exec(ctx, `
		INSERT INTO extension_records (rfq_id, seq, triggered_at, prev_deadline, new_deadline)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rfq_id, seq) DO NOTHING;
	`, rfqID, ext.Seq, ext.TriggeredAt, ext.PrevDeadline, ext.NewDeadline)
	if err != nil {
		s.logger.Error("store.pg.insert_extension_failed",
			zap.String("rfq_id", rfqID.String()), zap.Error(err))
	}
	return err
}

// SaveViolations appends audit rows for persistent rule violations.
func (s *HybridStore) SaveViolations(ctx context.Context, violations []rules.Violation) error {
	if s.PG == nil || len(violations) == 0 {
		return nil
	}
	for _, v := range violations {
		_, err := s.PG.Exec(ctx, `
			INSERT INTO fairness_violations (
				rule_id, category, severity, reason,
				rfq_id, bid_id, participant_id, evaluated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (rfq_id, rule_id, participant_id, evaluated_at) DO NOTHING;
		`, v.RuleID, string(v.Category), string(v.Severity), v.Reason,
			v.RFQID, nullUUID(v.BidID), v.ParticipantID, v.EvaluatedAt)
		if err != nil {
			s.logger.Error("store.pg.insert_violation_failed",
				zap.String("rule_id", v.RuleID), zap.Error(err))
			return err
		}
	}
	return nil
}

// LoadOpenRFQs returns every non-terminal RFQ, oldest first. Used to
// rebuild the arena on startup.
func (s *HybridStore) LoadOpenRFQs(ctx context.Context) ([]*rfq.RFQ, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT id, title, buyer_id, state, auction_type,
			opens_at, deadline,
			invited, line_items, config, extensions,
			awarded_bid, fulfillment_done, event_seq, created_at, updated_at
		FROM rfqs
		WHERE state NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY created_at;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*rfq.RFQ
	for rows.Next() {
		var (
			r          rfq.RFQ
			invited    []byte
			lineItems  []byte
			config     []byte
			extensions []byte
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.BuyerID, &r.State, &r.AuctionType,
			&r.Window.OpensAt, &r.Window.Deadline,
			&invited, &lineItems, &config, &extensions,
			&r.AwardedBid, &r.FulfillmentDone, &r.EventSeq, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(invited, &r.Invited); err != nil {
			return nil, fmt.Errorf("rfq %s invited: %w", r.ID, err)
		}
		if err := json.Unmarshal(lineItems, &r.LineItems); err != nil {
			return nil, fmt.Errorf("rfq %s line items: %w", r.ID, err)
		}
		if err := json.Unmarshal(config, &r.Config); err != nil {
			return nil, fmt.Errorf("rfq %s config: %w", r.ID, err)
		}
		if err := json.Unmarshal(extensions, &r.Extensions); err != nil {
			return nil, fmt.Errorf("rfq %s extensions: %w", r.ID, err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// LoadBids returns every stored bid for one RFQ in submission order.
func (s *HybridStore) LoadBids(ctx context.Context, rfqID uuid.UUID) ([]*rfq.Bid, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT id, rfq_id, participant_id, submitted_at, revision,
			total_amount, line_prices, responses,
			not_before, not_after, beats, origin,
			withdrawn, defaulted, snapshot
		FROM bids
		WHERE rfq_id = $1
		ORDER BY submitted_at;
	`, rfqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*rfq.Bid
	for rows.Next() {
		var (
			b          rfq.Bid
			linePrices []byte
			responses  []byte
			snapshot   []byte
			notBefore  *time.Time
			notAfter   *time.Time
		)
		if err := rows.Scan(&b.ID, &b.RFQID, &b.ParticipantID, &b.SubmittedAt, &b.Revision,
			&b.TotalAmount, &linePrices, &responses,
			&notBefore, &notAfter, &b.Beats, &b.Origin,
			&b.Withdrawn, &b.Defaulted, &snapshot); err != nil {
			return nil, err
		}
		if notBefore != nil {
			b.NotBefore = *notBefore
		}
		if notAfter != nil {
			b.NotAfter = *notAfter
		}
		if err := json.Unmarshal(linePrices, &b.LinePrices); err != nil {
			return nil, fmt.Errorf("bid %s line prices: %w", b.ID, err)
		}
		if err := json.Unmarshal(responses, &b.Responses); err != nil {
			return nil, fmt.Errorf("bid %s responses: %w", b.ID, err)
		}
		if err := json.Unmarshal(snapshot, &b.Snapshot); err != nil {
			return nil, fmt.Errorf("bid %s snapshot: %w", b.ID, err)
		}
		results = append(results, &b)
	}
	return results, rows.Err()
}

// SeenCommand looks up a creation token in the replay cache.
func (s *HybridStore) SeenCommand(ctx context.Context, token string) (uuid.UUID, bool, error) {
	raw, err := s.redis.Get(ctx, fmt.Sprintf(replayKeyf, token)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	} else if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt replay entry for token: %w", err)
	}
	return id, true, nil
}

// RecordCommand stores a creation token with the configured TTL.
func (s *HybridStore) RecordCommand(ctx context.Context, token string, id uuid.UUID) error {
	return s.redis.Set(ctx, fmt.Sprintf(replayKeyf, token), id.String(), s.replayTTL).Err()
}

func (s *HybridStore) GetBestQuote(ctx context.Context, rfqID uuid.UUID) (*BestQuote, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(bestKeyf, rfqID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var best BestQuote
	if err := json.Unmarshal(data, &best); err != nil {
		return nil, err
	}
	return &best, nil
}

func (s *HybridStore) SetBestQuote(ctx context.Context, best *BestQuote) error {
	return s.SetJSON(ctx, fmt.Sprintf(bestKeyf, best.RFQID), best, 0)
}

func (s *HybridStore) DropBestQuote(ctx context.Context, rfqID uuid.UUID) error {
	return s.redis.Del(ctx, fmt.Sprintf(bestKeyf, rfqID)).Err()
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
