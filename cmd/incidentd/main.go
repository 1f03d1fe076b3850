package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/config"
	"github.com/cureops/incidentd/internal/incident/api"
	idb "github.com/cureops/incidentd/internal/incident/database"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/provider"
	"github.com/cureops/incidentd/internal/incident/service/correlation"
	"github.com/cureops/incidentd/internal/incident/service/enrichment"
	"github.com/cureops/incidentd/internal/incident/service/normalizer"
	"github.com/cureops/incidentd/internal/incident/service/notifier"
	"github.com/cureops/incidentd/internal/incident/service/remediation"
	"github.com/cureops/incidentd/internal/incident/service/report"
	"github.com/cureops/incidentd/internal/incident/service/rollback"
	"github.com/cureops/incidentd/internal/incident/service/runbook"
	"github.com/cureops/incidentd/internal/incident/store"
)

func main() {
	log.Info().Msg("starting incidentd")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// incident record store: postgres when reachable, in-memory otherwise
	var st store.Store
	if db, derr := idb.New(&cfg.Database); derr == nil {
		if merr := store.Migrate(db.DB()); merr != nil {
			log.Fatal().Err(merr).Msg("failed to apply store migrations")
		}
		st = store.NewPgStore(db)
		defer db.Close()
	} else {
		log.Error().Err(derr).Msg("incident record DB init failed; running on the in-memory store")
		st = store.NewMemory()
	}

	// suppression, locks, the rollback ledger and observation windows live in
	// Redis so they survive restarts and are shared across replicas; without
	// Redis the in-process twins keep a single instance working.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var (
		suppression normalizer.SuppressionStore
		ledger      rollback.Ledger
		locks       rollback.Lock
		windows     remediation.Windows
	)
	if perr := rdb.Ping(ctx).Err(); perr == nil {
		suppression = normalizer.NewRedisSuppression(rdb)
		ledger = rollback.NewRedisLedger(rdb, parseDuration(cfg.Rollback.ThrashWindow, 24*time.Hour))
		locks = rollback.NewRedisLock(rdb)
		windows = remediation.NewRedisWindows(rdb)
	} else {
		log.Error().Err(perr).Msg("redis unavailable; suppression, locks and windows run in-process")
		suppression = normalizer.NewMemorySuppression()
		ledger = rollback.NewMemoryLedger()
		locks = rollback.NewMemoryLock()
		windows = remediation.NewMemoryWindows()
	}

	// collaborator system clients
	providerTimeout := parseDuration(cfg.Enrichment.Timeout, 30*time.Second)
	deploys := provider.NewDeployClient(provider.DeployConfig{
		BaseURL: cfg.Enrichment.DeployAPIBase,
		Timeout: providerTimeout,
	})
	flags := provider.NewFlagsClient(provider.FlagsConfig{
		BaseURL: cfg.Enrichment.FlagsAPIBase,
		Timeout: providerTimeout,
	})
	metricsBackend := provider.NewPrometheusClient(provider.PrometheusConfig{
		BaseURL: cfg.Enrichment.PrometheusURL,
		Timeout: providerTimeout,
	})
	stepTimeout := parseDuration(cfg.Runbook.StepTimeout, 30*time.Second)
	commandRunner := provider.NewExecutorClient(provider.ExecutorConfig{
		BaseURL: cfg.Runbook.ExecutorURL,
		Timeout: stepTimeout,
	})
	rollbackRunner := provider.NewExecutorClient(provider.ExecutorConfig{
		BaseURL: cfg.Rollback.RollbackURL,
		Timeout: providerTimeout,
	})

	// alert -> correlation -> remediation plumbing
	alertCh := make(chan *model.Alert, cfg.Pipeline.EventChanSize)
	eventCh := make(chan model.IncidentEvent, cfg.Pipeline.EventChanSize)

	norm := normalizer.New(st, suppression, alertCh,
		parseDuration(cfg.Normalizer.SuppressionWindow, 5*time.Minute))

	correlator := correlation.New(st, correlation.Config{
		Window:    parseDuration(cfg.Correlation.Window, 10*time.Minute),
		HardCap:   parseDuration(cfg.Correlation.HardCap, time.Hour),
		KeyLabels: cfg.Correlation.KeyLabels,
	}, eventCh)
	correlator.Start(ctx, alertCh)

	books := runbook.NewManager(cfg.Runbook.ConfigFile)
	if lerr := books.Load(); lerr != nil {
		log.Error().Err(lerr).Str("path", cfg.Runbook.ConfigFile).
			Msg("failed to load runbook definitions; selection fails until the file is fixed")
	}
	autoMax, ok := model.ParseSeverity(cfg.Runbook.AutoMitigateMax)
	if !ok {
		autoMax = model.SeverityP2
	}
	executor := runbook.NewExecutor(st, commandRunner, runbook.ExecutorConfig{
		StepTimeout:     stepTimeout,
		AutoMitigateMax: autoMax,
		RetryCount:      cfg.Runbook.RetryCount,
		RetryBackoff:    parseDuration(cfg.Runbook.RetryBackoff, 5*time.Second),
		AttemptCap:      cfg.Runbook.AttemptCap,
	})

	enricher := enrichment.New(deploys, flags, metricsBackend, providerTimeout)

	verifyInterval := time.Minute
	rollbackEngine := rollback.New(metricsBackend, deploys, rollbackRunner, ledger, locks, rollback.Config{
		Triggers: rollback.TriggerConfig{
			ErrorRateThreshold:     cfg.Rollback.ErrorRateThreshold,
			LatencyBaselineFactor:  cfg.Rollback.LatencyFactor,
			CrashLoopThreshold:     cfg.Rollback.CrashLoopThreshold,
			HealthFailureThreshold: cfg.Rollback.HealthFailureRatio,
			Window:                 parseDuration(cfg.Rollback.EvalWindow, 5*time.Minute),
		},
		Safety: rollback.SafetyConfig{
			MinAge:             parseDuration(cfg.Rollback.MinDeployAge, 5*time.Minute),
			MaxAge:             parseDuration(cfg.Rollback.MaxDeployAge, 2*time.Hour),
			MinTrafficFraction: cfg.Rollback.MinTrafficFraction,
		},
		MaxAutoRollbacks: cfg.Rollback.MaxAutoPerWindow,
		ThrashWindow:     parseDuration(cfg.Rollback.ThrashWindow, 24*time.Hour),
		LockTTL:          parseDuration(cfg.Rollback.LockTimeout, 5*time.Minute),
		VerifyInterval:   verifyInterval,
		VerifyAttempts:   int(parseDuration(cfg.Rollback.VerifyWindow, 5*time.Minute) / verifyInterval),
	})

	policy, perr := notifier.LoadPolicy(cfg.Notifier.PolicyFile)
	if perr != nil {
		log.Fatal().Err(perr).Str("path", cfg.Notifier.PolicyFile).Msg("failed to load notification policy")
	}
	channels := []notifier.Channel{
		notifier.NewPagerChannel(notifier.PagerConfig{URL: cfg.Notifier.PagerURL}),
		notifier.NewWebhookChannel(notifier.WebhookConfig{URL: cfg.Notifier.WebhookURL}),
		notifier.NewEmailChannel(notifier.EmailConfig{Addr: cfg.Notifier.SMTPAddr, From: cfg.Notifier.SMTPFrom}),
	}
	if cfg.Notifier.TelegramToken != "" {
		chat, cerr := notifier.NewChatChannel(notifier.ChatConfig{
			Token:  cfg.Notifier.TelegramToken,
			ChatID: cfg.Notifier.TelegramChatID,
		})
		if cerr != nil {
			log.Error().Err(cerr).Msg("telegram channel init failed; chat notifications disabled")
		} else {
			channels = append(channels, chat)
		}
	}
	dispatcher := notifier.New(st, policy, channels, notifier.Config{
		MaxRetries:   cfg.Notifier.MaxRetries,
		RetryBackoff: parseDuration(cfg.Notifier.RetryBackoff, 2*time.Second),
		BatchWindow:  parseDuration(cfg.Notifier.BatchWindow, time.Minute),
	})
	dispatcher.Start(ctx)

	reporter := report.NewGenerator(st)

	pipeline := remediation.New(remediation.Deps{
		Store:    st,
		Runbooks: books,
		Executor: executor,
		Enricher: enricher,
		Rollback: rollbackEngine,
		Notifier: dispatcher,
		Reports:  reporter,
		Windows:  windows,
	}, remediation.Config{
		Workers:           cfg.Pipeline.Workers,
		ObservationWindow: parseDuration(cfg.Pipeline.ObservationWindow, 15*time.Minute),
	})
	pipeline.Start(ctx, eventCh)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, api.Deps{
		Store:    st,
		Ingester: norm,
		Rollback: rollbackEngine,
		Notifier: dispatcher,
		Reports:  reporter,
	}, cfg.API.Bearer)

	log.Info().Msgf("starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start incidentd api server failed.")
	}
	log.Info().Msg("incidentd exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
