// Package directory is the participant-directory collaborator client. Every
// accepted bid carries the eligibility and tie-break snapshot this client
// resolved at submission time. Lookups are cached; during a directory outage
// the last known snapshot keeps submissions flowing.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/httpclient"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/rfq"
)

// ErrUnknownParticipant means the directory has no record of the participant.
// This is an answer, not an outage: it is never served from stale cache.
var ErrUnknownParticipant = errors.New("participant not registered with directory")

// staleRetention bounds how long an expired snapshot may still serve the
// degraded path during an outage. Older entries are misleading, not helpful.
const staleRetention = 24 * time.Hour

// Config tunes the directory client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per-attempt HTTP timeout
	CacheTTL    time.Duration // snapshot freshness window
	CleanupFreq time.Duration // janitor cadence for expired entries
	RetryMax    int           // retries per lookup; 0 means a single attempt
}

type cached struct {
	snap      rfq.DirectorySnapshot
	fetchedAt time.Time
}

// TokenProvider hands out bearer tokens for directory calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client implements the engine's Directory against the HTTP collaborator.
type Client struct {
	exec    *httpclient.Executor
	baseURL string
	ttl     time.Duration
	cleanup time.Duration
	tokens  TokenProvider
	now     func() time.Time
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]cached
}

func New(cfg Config, now func() time.Time, logger *zap.Logger) *Client {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.CleanupFreq <= 0 {
		cfg.CleanupFreq = 10 * time.Minute
	}
	exec := httpclient.New(logger, &http.Client{Timeout: cfg.Timeout}, cfg.RetryMax, "directory",
		func(status int, body []byte) error {
			if status == http.StatusNotFound {
				return ErrUnknownParticipant
			}
			return fmt.Errorf("directory returned %d: %s", status, body)
		})
	return &Client{
		exec:    exec,
		baseURL: cfg.BaseURL,
		ttl:     cfg.CacheTTL,
		cleanup: cfg.CleanupFreq,
		now:     now,
		logger:  logger,
		cache:   make(map[string]cached),
	}
}

// UseTokens makes every directory call carry a bearer token from tp.
// Without one, calls go out unauthenticated (local development).
func (c *Client) UseTokens(tp TokenProvider) {
	c.tokens = tp
}

// snapshotPayload mirrors the directory's participant document.
type snapshotPayload struct {
	ParticipantID string          `json:"participant_id"`
	Tier          int             `json:"tier"`
	Performance   decimal.Decimal `json:"performance"`
	Proximity     decimal.Decimal `json:"proximity"`
	Verified      bool            `json:"verified"`
}

// Snapshot returns the participant's current directory snapshot, from cache
// when fresh. On a lookup failure the last known snapshot is served instead;
// only a participant the directory has never answered for fails hard.
func (c *Client) Snapshot(ctx context.Context, participantID string) (rfq.DirectorySnapshot, error) {
	if snap, ok := c.lookup(participantID, c.ttl); ok {
		return snap, nil
	}

	snap, err := c.fetch(ctx, participantID)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, ErrUnknownParticipant) {
		return rfq.DirectorySnapshot{}, err
	}

	if stale, ok := c.lookup(participantID, staleRetention); ok {
		c.logger.Warn("directory.serving_stale",
			zap.String("participant_id", participantID),
			zap.Error(err))
		metrics.DirectoryRequestsTotal.WithLabelValues("snapshot", "stale").Inc()
		return stale, nil
	}
	return rfq.DirectorySnapshot{}, err
}

func (c *Client) fetch(ctx context.Context, participantID string) (rfq.DirectorySnapshot, error) {
	endpoint := fmt.Sprintf("%s/participants/%s", c.baseURL, url.PathEscape(participantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return rfq.DirectorySnapshot{}, fmt.Errorf("build directory request: %w", err)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			// Auth infrastructure down is an outage; the stale path may serve.
			metrics.DirectoryRequestsTotal.WithLabelValues("snapshot", "error").Inc()
			return rfq.DirectorySnapshot{}, fmt.Errorf("directory auth: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	var payload snapshotPayload
	err = c.exec.DoJSON(ctx, req, &payload)
	metrics.ObserveDuration(metrics.DirectoryRequestDuration, start, "snapshot")

	switch {
	case err == nil:
		metrics.DirectoryRequestsTotal.WithLabelValues("snapshot", "ok").Inc()
	case errors.Is(err, ErrUnknownParticipant):
		metrics.DirectoryRequestsTotal.WithLabelValues("snapshot", "not_found").Inc()
		return rfq.DirectorySnapshot{}, err
	default:
		metrics.DirectoryRequestsTotal.WithLabelValues("snapshot", "error").Inc()
		return rfq.DirectorySnapshot{}, err
	}

	snap := rfq.DirectorySnapshot{
		Tier:        payload.Tier,
		Performance: payload.Performance,
		Proximity:   payload.Proximity,
		Verified:    payload.Verified,
	}
	c.mu.Lock()
	c.cache[participantID] = cached{snap: snap, fetchedAt: c.now()}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for a participant. Called when an
// event changes what the directory would report, an award in particular:
// capacity and utilization move the moment a supplier wins.
func (c *Client) Invalidate(participantID string) {
	c.mu.Lock()
	delete(c.cache, participantID)
	c.mu.Unlock()
}

// lookup returns the cached snapshot when its age is within maxAge.
func (c *Client) lookup(participantID string, maxAge time.Duration) (rfq.DirectorySnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[participantID]
	if !ok || c.now().Sub(entry.fetchedAt) > maxAge {
		return rfq.DirectorySnapshot{}, false
	}
	return entry.snap, true
}

// StartCleanup blocks running the cache janitor until ctx is cancelled.
func (c *Client) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *Client) evictStale() {
	now := c.now()
	c.mu.Lock()
	evicted := 0
	for id, entry := range c.cache {
		if now.Sub(entry.fetchedAt) > staleRetention {
			delete(c.cache, id)
			evicted++
		}
	}
	c.mu.Unlock()
	if evicted > 0 {
		c.logger.Debug("directory.cache_evicted", zap.Int("entries", evicted))
	}
}
