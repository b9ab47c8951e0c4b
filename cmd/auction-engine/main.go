package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/procurehub/auction-engine/internal/api"
	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/auth"
	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/config"
	"github.com/procurehub/auction-engine/internal/consumer"
	"github.com/procurehub/auction-engine/internal/directory"
	"github.com/procurehub/auction-engine/internal/engine"
	"github.com/procurehub/auction-engine/internal/fairness"
	"github.com/procurehub/auction-engine/internal/jobs"
	"github.com/procurehub/auction-engine/internal/ledger"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/publisher"
	"github.com/procurehub/auction-engine/internal/rate"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
	intsecrets "github.com/procurehub/auction-engine/internal/secrets"
	"github.com/procurehub/auction-engine/internal/store"
	"github.com/procurehub/auction-engine/internal/stream"
	"github.com/procurehub/auction-engine/internal/sweep"
	"github.com/procurehub/auction-engine/pkg/eventbus"
	"github.com/procurehub/auction-engine/pkg/logger"
	"github.com/procurehub/auction-engine/pkg/model"
	pkgsecrets "github.com/procurehub/auction-engine/pkg/secrets"
	"github.com/procurehub/auction-engine/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	logg := logger.S()
	logg.Info("starting [auction-engine]...")

	// --- Secrets overlay (deployed environments) ---
	if cfg.SecretsName != "" {
		awsProvider, err := pkgsecrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to init AWS provider", "error", err)
		}
		cache := pkgsecrets.NewCache[brokerSecrets](30 * time.Minute)
		resolver := intsecrets.NewResolver(logger.L(), cfg.Env, "core", awsProvider, cache)
		sec, err := resolver.Resolve(ctx, cfg.SecretsName, parseBrokerSecrets)
		if err != nil {
			logg.Fatalw("failed to resolve secrets bundle", "name", cfg.SecretsName, "error", err)
		}
		applySecrets(cfg, sec)
	}
	logg.Info("connecting to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	// --- Migrations ---
	if err := store.RunMigrations("file://migrations", cfg.DatabaseURL); err != nil {
		logg.Fatalw("failed to run migrations", "error", err)
	}

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}
	defer nc.Drain() //nolint:errcheck

	// --- Publisher ---
	pub, err := publisher.New(nc, cfg.OutboundSubjectPrefix, cfg.ServiceName, logger.L())
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass, cfg.DatabaseURL,
		store.PGPoolConfig{}, cfg.IdempotencyTTL, logger.L())
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	defer st.Close() //nolint:errcheck
	hybrid := st.(*store.HybridStore)

	// --- Core engine ---
	bcast := broadcast.New(logger.L())
	a := arena.New()
	led := ledger.NewPostgres(hybrid.PG, logger.L())
	arbiters := engine.DefaultArbiters(rules.NewEngine(rules.Builtin()...), nil, logger.L())
	mach := engine.NewMachine(a, led, bcast, arbiters, nil, logger.L())

	// --- Directory collaborator ---
	dir := directory.New(directory.Config{
		BaseURL:     cfg.DirectoryBaseURL,
		Timeout:     cfg.DirectoryTimeout,
		CacheTTL:    cfg.EligibilityTTL,
		CleanupFreq: cfg.CacheCleanupFreq,
		RetryMax:    1,
	}, nil, logger.L())
	if cfg.DirectoryUser != "" {
		tokens := auth.NewTokenSource(cfg.DirectoryBaseURL, auth.Credentials{
			Username: cfg.DirectoryUser,
			Password: cfg.DirectoryPass,
		}, nil, logger.L())
		dir.UseTokens(tokens)
	}
	go dir.StartCleanup(ctx)

	// --- Per-participant submission throttle ---
	limiter := rate.NewManager(rate.Config{
		PerMinute: cfg.SubmitRatePerMin,
		Burst:     cfg.SubmitBurst,
	}, nil)

	svc := engine.NewService(mach, a, arbiters, dir, limiter, st, bcast, engine.Defaults{
		MinDecrement:      cfg.DefaultMinDecrement,
		MaxExtensions:     cfg.DefaultMaxExtensions,
		ExtensionTrigger:  cfg.DefaultExtTrigger,
		ExtensionDuration: cfg.DefaultExtDuration,
		MaxCASRetries:     cfg.MaxCASRetries,
	}, nil, logger.L())
	svc.UseReplayCache(st)

	// --- Rebuild the in-memory books from the durable store ---
	restored, err := rebuildArena(ctx, st, a, bcast)
	if err != nil {
		logg.Fatalw("failed to rebuild auction books", "error", err)
	}
	logg.Infow("auction books restored", "count", restored)

	// --- Broadcast subscribers ---
	go pub.Run(ctx, bcast.Subscribe("nats-publisher", 256))

	projector := store.NewProjector(st, logger.L())
	go projector.Run(ctx, bcast.Subscribe("best-quote-projector", 256))

	hub := stream.NewHub(logger.L())
	go hub.Run(ctx, bcast.Subscribe("websocket-stream", 256))
	go func() {
		if err := hub.Serve(ctx, fmt.Sprintf(":%d", cfg.StreamPort)); err != nil {
			logg.Errorw("stream listener failed", "error", err)
		}
	}()

	// --- In-proc event bus for collaborator reactions ---
	bus := eventbus.New()
	busSub := bcast.Subscribe("eventbus-bridge", 256)
	go func() {
		for ev := range busSub.Events() {
			bus.Publish(ev.Type, ev)
		}
	}()
	bus.Subscribe(rfq.EventTypeFor(rfq.VerbAward, rfq.StateAwarded), func(event interface{}) {
		ev, ok := event.(broadcast.Event)
		if !ok {
			return
		}
		var awarded model.AwardedEvent
		if err := json.Unmarshal(ev.Payload, &awarded); err != nil {
			return
		}
		// A win moves capacity and utilization; the next lookup must be fresh.
		if awarded.ParticipantID != "" {
			dir.Invalidate(awarded.ParticipantID)
		}
	})

	// --- Activity rollup refresher ---
	refresher := jobs.NewSummaryRefresher(hybrid.PG, pub, cfg.SummaryInterval, nil, logger.L())
	go refresher.Start(ctx)

	// --- Background sweeper ---
	det := fairness.NewDetector(cfg.BurstThreshold, cfg.BurstWindow, logger.L())
	sweeper := sweep.New(svc, a, det, bcast, sweep.Config{
		Interval:         cfg.SweepInterval,
		FairnessInterval: cfg.FairnessInterval,
		DwellDefaults: map[rfq.State]time.Duration{
			rfq.StateDraft:      cfg.DwellDraft,
			rfq.StatePublished:  cfg.DwellPublished,
			rfq.StateEvaluation: cfg.DwellEvaluation,
			rfq.StateAwarded:    cfg.DwellAwarded,
		},
	}, nil, logger.L())
	go sweeper.Start(ctx)

	// --- AMQP command consumer ---
	cons, err := consumer.NewConsumer(cfg.AMQPURL, cfg.BidChannels, cfg.FulfillmentQueue, svc, logger.L())
	if err != nil {
		logg.Fatalw("failed to connect to RabbitMQ", "error", err)
	}
	defer cons.Close() //nolint:errcheck
	if err := cons.Start(ctx); err != nil {
		logg.Fatalw("failed to start command consumer", "error", err)
	}

	// --- Prometheus ---
	metrics.StartServer(fmt.Sprintf(":%d", cfg.MetricsPort))

	// --- HTTP API ---
	app := fiber.New()
	h := api.NewHandler(logger.L(), svc)
	api.RegisterRoutes(app, nc, st, h)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.HTTPPort)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[auction-engine] running",
		"nats", cfg.NATSURL,
		"http_port", cfg.HTTPPort,
		"stream_port", cfg.StreamPort,
		"sweep_interval", cfg.SweepInterval)

	<-ctx.Done()
	stop()
	logg.Info("shutting down [auction-engine]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.ShutdownWithContext(shutdownCtx) //nolint:errcheck
	bcast.Close()
}

// rebuildArena loads every open RFQ and its bid history back into memory,
// seeding the broadcaster so event sequences continue where they stopped.
func rebuildArena(ctx context.Context, st store.Store, a *arena.Arena, bcast *broadcast.Broadcaster) (int, error) {
	rfqs, err := st.LoadOpenRFQs(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range rfqs {
		book := rfq.NewBook(r)
		bids, err := st.LoadBids(ctx, r.ID)
		if err != nil {
			return 0, fmt.Errorf("load bids for %s: %w", r.ID, err)
		}
		book.Bids = bids
		if _, err := a.Create(book); err != nil {
			return 0, err
		}
		bcast.Seed(r.ID, r.EventSeq)
	}
	return len(rfqs), nil
}

// brokerSecrets are the credential overrides resolvable from AWS Secrets
// Manager in deployed environments. Absent keys keep the env-var values.
type brokerSecrets struct {
	DatabaseURL   string
	RedisPass     string
	AMQPURL       string
	NATSURL       string
	DirectoryPass string
}

func parseBrokerSecrets(m map[string]string) (brokerSecrets, error) {
	return brokerSecrets{
		DatabaseURL:   m["database_url"],
		RedisPass:     m["redis_pass"],
		AMQPURL:       m["amqp_url"],
		NATSURL:       m["nats_url"],
		DirectoryPass: m["directory_pass"],
	}, nil
}

func applySecrets(cfg *config.Config, sec brokerSecrets) {
	if sec.DatabaseURL != "" {
		cfg.DatabaseURL = sec.DatabaseURL
	}
	if sec.RedisPass != "" {
		cfg.RedisPass = sec.RedisPass
	}
	if sec.AMQPURL != "" {
		cfg.AMQPURL = sec.AMQPURL
	}
	if sec.NATSURL != "" {
		cfg.NATSURL = sec.NATSURL
	}
	if sec.DirectoryPass != "" {
		cfg.DirectoryPass = sec.DirectoryPass
	}
}
