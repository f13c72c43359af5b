// Package app assembles the relay's collaborators from configuration.
// It exists so cmd/relay and integration tests build the exact same
// object graph.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/callforge/relay/internal/cache"
	"github.com/callforge/relay/internal/calllog"
	"github.com/callforge/relay/internal/config"
	"github.com/callforge/relay/internal/detector"
	"github.com/callforge/relay/internal/failover"
	"github.com/callforge/relay/internal/httpapi"
	"github.com/callforge/relay/internal/observability"
	"github.com/callforge/relay/internal/orchestrator"
	"github.com/callforge/relay/internal/provider"
	"github.com/callforge/relay/internal/session"
	"github.com/callforge/relay/internal/workflow"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Optimizer    *failover.Optimizer
	Cache        *cache.Cache
	Metrics      *observability.Metrics

	// Cleanup releases external resources (DB pool, redis client).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	window := observability.NewConversationWindow(256, observability.Thresholds{
		P95Latency: cfg.AlertP95Latency,
		ErrorRate:  cfg.AlertErrorRate,
	})
	window.SetAlertFunc(func(a observability.Alert) {
		metrics.DegradationAlerts.WithLabelValues(a.Source).Inc()
		log.Printf("degradation alert [%s]: %s", a.Source, a.Detail)
	})

	callLog, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("call log init failed: %w", err)
	}

	responseCache := cache.New(cache.Config{
		MaxEntries:        cfg.CacheMaxEntries,
		MaxAge:            cfg.CacheMaxAge,
		SemanticThreshold: cfg.CacheSemanticThreshold,
	}, cache.NewHashEmbedder(cfg.CacheEmbeddingDim))

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = callLog.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		responseCache.SetRemote(cache.NewRedisTier(redisClient, cfg.RedisTTL))
		log.Printf("response cache: remote tier enabled")
	}

	optimizer := failover.New(failover.Config{
		StatsWindow:      cfg.FailoverStatsWindow,
		DemoteBelow:      cfg.FailoverDemoteBelow,
		FallbackLanguage: cfg.DefaultLanguage,
		OnDegraded: func(language, providerID string, rate float64) {
			metrics.DegradationAlerts.WithLabelValues("provider").Inc()
			log.Printf("provider %s degraded for %s: success rate %.2f", providerID, language, rate)
		},
		OnAttempt: func(language, providerID, outcome string) {
			metrics.ProviderAttempts.WithLabelValues(language, providerID, outcome).Inc()
		},
	})

	registry := provider.NewRegistry()
	registerProviders(cfg, registry, optimizer)

	sessions := session.NewManager(session.Config{
		MaxSilence:        cfg.MaxSilence,
		MaxSilencePrompts: cfg.MaxSilencePrompts,
		DefaultLanguage:   cfg.DefaultLanguage,
	}, detector.New(detector.Config{
		MinBytes:      cfg.DetectMinBytes,
		MinSpan:       cfg.DetectMinSpan,
		MinChunks:     cfg.DetectMinChunks,
		FallbackAfter: cfg.DetectFallbackAfter,
	}), metrics)

	orch := orchestrator.New(orchestrator.Config{
		ContextTurnLimit: cfg.ContextTurnLimit,
		ReplyConfidence:  cfg.CacheReplyConfidence,
		DefaultVoiceID:   cfg.DefaultVoiceID,
	}, orchestrator.Deps{
		Sessions:  sessions,
		Cache:     responseCache,
		Optimizer: optimizer,
		Providers: registry,
		Workflows: workflow.NewStaticLoader(workflow.Definition{
			ID:   "default",
			Name: "General assistant",
			SystemPrompt: "You are a helpful voice assistant on a phone call. " +
				"Keep replies short and conversational.",
		}),
		CallLog: callLog,
		Metrics: metrics,
		Window:  window,
	})
	sessions.SetProcessor(orch)

	api := httpapi.New(cfg, sessions, optimizer, registry, callLog, window, metrics)

	cleanup := func() error {
		err := callLog.Close()
		if redisClient != nil {
			if cerr := redisClient.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Optimizer:    optimizer,
		Cache:        responseCache,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
