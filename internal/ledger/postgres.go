package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// Postgres is the durable ledger. Appends run in a transaction that locks the
// RFQ's chain tail so sequence assignment stays gapless even with multiple
// engine instances writing.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

// Append seals the record onto the RFQ's chain and inserts it.
func (p *Postgres) Append(ctx context.Context, rec *rfq.TransitionRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger append begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var lastSeq uint64
	lastHash := ""
	err = tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM transition_records
		WHERE rfq_id = $1
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE;
	`, rec.RFQID).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ledger chain tail lookup: %w", err)
	}

	if err := seal(rec, lastSeq, lastHash); err != nil {
		return err
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode record metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transition_records
			(rfq_id, seq, from_state, to_state, verb, actor, at, metadata, idempotency_key, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`, rec.RFQID, rec.Seq, rec.FromState, rec.ToState, rec.Verb, rec.Actor,
		rec.At, meta, rec.IdempotencyKey, rec.PrevHash, rec.Hash)
	if err != nil {
		p.logger.Error("ledger.pg.insert_failed",
			zap.String("rfq_id", rec.RFQID.String()),
			zap.Uint64("seq", rec.Seq),
			zap.Error(err))
		return fmt.Errorf("ledger append insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger append commit: %w", err)
	}
	return nil
}

// History returns the RFQ's records in sequence order.
func (p *Postgres) History(ctx context.Context, rfqID uuid.UUID) ([]*rfq.TransitionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT seq, from_state, to_state, verb, actor, at, metadata, idempotency_key, prev_hash, hash
		FROM transition_records
		WHERE rfq_id = $1
		ORDER BY seq ASC;
	`, rfqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*rfq.TransitionRecord
	for rows.Next() {
		rec := &rfq.TransitionRecord{RFQID: rfqID}
		var meta []byte
		if err := rows.Scan(&rec.Seq, &rec.FromState, &rec.ToState, &rec.Verb,
			&rec.Actor, &rec.At, &meta, &rec.IdempotencyKey, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode record metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Verify recomputes the RFQ's hash chain and reports the first break.
func (p *Postgres) Verify(ctx context.Context, rfqID uuid.UUID) error {
	records, err := p.History(ctx, rfqID)
	if err != nil {
		return err
	}
	return verifyChain(records)
}
