// Package publisher relays committed domain events to NATS JetStream as
// canonical envelopes. It consumes one broadcast subscription, so a broker
// outage never blocks the engine core; missed events are recoverable from
// the transition ledger.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/pkg/model"
)

const envelopeVersion = "1.0.0"

// Publisher wraps a NATS connection and publishes canonical event envelopes.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	prefix  string // subject prefix, e.g. "evt.rfq"
	service string
	logger  *zap.Logger
}

// New creates a Publisher with JetStream enabled.
func New(nc *nats.Conn, prefix, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		nc:      nc,
		js:      js,
		prefix:  strings.TrimSuffix(prefix, "."),
		service: service,
		logger:  logger,
	}, nil
}

// Run consumes the subscription until the context ends or the broadcaster
// closes the channel. Publish failures are counted and logged, never
// retried here: the ledger is the recovery source for missed events.
func (p *Publisher) Run(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := p.PublishEvent(ctx, ev); err != nil {
				p.logger.Error("publisher.event_dropped",
					zap.String("rfq_id", ev.RFQID.String()),
					zap.String("type", ev.Type),
					zap.Uint64("seq", ev.Seq),
					zap.Error(err))
			}
		}
	}
}

// PublishEvent wraps one domain event in the canonical envelope and publishes
// it on "<prefix>.<suffix>.v1", where the suffix is the event type minus its
// aggregate prefix ("rfq.bid_accepted" publishes on "evt.rfq.bid_accepted.v1").
func (p *Publisher) PublishEvent(ctx context.Context, ev broadcast.Event) error {
	subject := p.Subject(ev.Type)
	env := &model.Envelope{
		ID:            ev.ID, // stable per event, so consumers can deduplicate redelivery
		CorrelationID: model.NewUUID(),
		RFQID:         ev.RFQID.String(),
		Topic:         subject,
		EventType:     ev.Type,
		Sequence:      ev.Seq,
		Version:       envelopeVersion,
		Timestamp:     ev.At,
		Payload:       ev.Payload,
	}
	return p.PublishEnvelope(ctx, subject, env)
}

// PublishEnvelope serializes and publishes a canonical envelope.
func (p *Publisher) PublishEnvelope(_ context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.PublishErrors.WithLabelValues("nats").Inc()
		return err
	}

	if subject == "" {
		subject = p.prefix
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			"rfq_id":         []string{env.RFQID},
			"sequence":       []string{fmt.Sprintf("%d", env.Sequence)},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.PublishErrors.WithLabelValues("nats").Inc()
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType),
		zap.Uint64("sequence", env.Sequence),
		zap.Duration("took", time.Since(start)))
	metrics.EventsPublishedTotal.WithLabelValues("nats", env.EventType).Inc()
	return nil
}

// Subject maps an event type to its NATS subject.
func (p *Publisher) Subject(eventType string) string {
	suffix := strings.TrimPrefix(eventType, "rfq.")
	return fmt.Sprintf("%s.%s.v1", p.prefix, suffix)
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
