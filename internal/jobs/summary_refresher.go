// Package jobs holds the periodic maintenance work that lives outside the
// sweep loop. Each job runs on its own ticker and reports over NATS.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/pkg/model"
)

// EventSummaryRefreshed is announced after each successful rollup rebuild.
const EventSummaryRefreshed = "activity.summary_refreshed"

// DB is the slice of pgxpool.Pool the refresher needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publisher carries the completion announcement downstream.
type Publisher interface {
	PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error
	Subject(eventType string) string
}

// SummaryRefresher rebuilds the auction_activity_summary rollup on a fixed
// cadence so reporting queries never touch the hot bid tables.
type SummaryRefresher struct {
	db       DB
	pub      Publisher
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewSummaryRefresher(db DB, pub Publisher, interval time.Duration, now func() time.Time, logger *zap.Logger) *SummaryRefresher {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryRefresher{db: db, pub: pub, interval: interval, now: now, logger: logger}
}

// Start blocks until ctx is cancelled.
func (r *SummaryRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("summary.started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			r.logger.Info("summary.stopped")
			return
		}
	}
}

// RunOnce refreshes the rollup and announces completion. CONCURRENTLY keeps
// the view readable while it rebuilds.
func (r *SummaryRefresher) RunOnce(ctx context.Context) {
	start := r.now()
	if _, err := r.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY auction_activity_summary`); err != nil {
		r.logger.Error("summary.refresh_failed", zap.Error(err))
		return
	}
	took := r.now().Sub(start)

	payload, err := json.Marshal(model.ActivitySummaryEvent{RefreshedAt: start, Took: took})
	if err != nil {
		r.logger.Error("summary.marshal_failed", zap.Error(err))
		return
	}
	subject := r.pub.Subject(EventSummaryRefreshed)
	env := &model.Envelope{
		ID:            model.NewUUID(),
		CorrelationID: model.NewUUID(),
		Topic:         subject,
		EventType:     EventSummaryRefreshed,
		Version:       "1.0.0",
		Timestamp:     start,
		Payload:       payload,
	}
	if err := r.pub.PublishEnvelope(ctx, subject, env); err != nil {
		r.logger.Warn("summary.publish_failed", zap.Error(err))
		return
	}
	r.logger.Info("summary.refreshed", zap.Duration("took", took))
}
