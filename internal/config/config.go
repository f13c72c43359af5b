package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session / silence recovery.
	MaxSilence        time.Duration
	MaxSilencePrompts int

	// Speech activity detection.
	DetectMinBytes      int
	DetectMinSpan       time.Duration
	DetectMinChunks     int
	DetectFallbackAfter time.Duration

	// Response cache.
	CacheMaxEntries        int
	CacheMaxAge            time.Duration
	CacheSweepInterval     time.Duration
	CacheSemanticThreshold float64
	CacheEmbeddingDim      int
	CacheReplyConfidence   float64

	// Failover.
	FailoverStatsWindow int
	FailoverDemoteBelow float64

	// Orchestrator.
	ContextTurnLimit int

	// Alert thresholds for the rolling metrics window.
	AlertP95Latency time.Duration
	AlertErrorRate  float64

	// External collaborators.
	LLMEndpoint          string
	LLMSecondaryEndpoint string
	SpeechEndpoint       string
	SpeechAPIKey         string
	DefaultLanguage      string
	DefaultVoiceID       string

	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callrelay"),
		AllowAnyOrigin:   false,

		ShutdownTimeout:   15 * time.Second,
		MaxSilence:        10 * time.Second,
		MaxSilencePrompts: 3,

		DetectMinBytes:      1024,
		DetectMinSpan:       500 * time.Millisecond,
		DetectMinChunks:     3,
		DetectFallbackAfter: 5 * time.Second,

		CacheMaxEntries:        1000,
		CacheMaxAge:            time.Hour,
		CacheSweepInterval:     5 * time.Minute,
		CacheSemanticThreshold: 0.85,
		CacheEmbeddingDim:      128,
		CacheReplyConfidence:   0.8,

		FailoverStatsWindow: 20,
		FailoverDemoteBelow: 0.9,

		ContextTurnLimit: 6,

		AlertP95Latency: 2 * time.Second,
		AlertErrorRate:  0.1,

		LLMEndpoint:          trimmedEnv("LLM_ENDPOINT"),
		LLMSecondaryEndpoint: trimmedEnv("LLM_SECONDARY_ENDPOINT"),
		SpeechEndpoint:       trimmedEnv("SPEECH_ENDPOINT"),
		SpeechAPIKey:         trimmedEnv("SPEECH_API_KEY"),
		DefaultLanguage:      envOrDefault("APP_DEFAULT_LANGUAGE", "en"),
		DefaultVoiceID:       envOrDefault("APP_DEFAULT_VOICE_ID", "neutral"),

		DatabaseURL: trimmedEnv("DATABASE_URL"),
		RedisURL:    trimmedEnv("REDIS_URL"),
		RedisTTL:    time.Hour,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSilence, err = durationFromEnv("APP_MAX_SILENCE", cfg.MaxSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSilencePrompts, err = intFromEnv("APP_MAX_SILENCE_PROMPTS", cfg.MaxSilencePrompts)
	if err != nil {
		return Config{}, err
	}
	cfg.DetectMinBytes, err = intFromEnv("DETECT_MIN_BYTES", cfg.DetectMinBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.DetectMinSpan, err = durationFromEnv("DETECT_MIN_SPAN", cfg.DetectMinSpan)
	if err != nil {
		return Config{}, err
	}
	cfg.DetectMinChunks, err = intFromEnv("DETECT_MIN_CHUNKS", cfg.DetectMinChunks)
	if err != nil {
		return Config{}, err
	}
	cfg.DetectFallbackAfter, err = durationFromEnv("DETECT_FALLBACK_AFTER", cfg.DetectFallbackAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheMaxEntries, err = intFromEnv("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheMaxAge, err = durationFromEnv("CACHE_MAX_AGE", cfg.CacheMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheSweepInterval, err = durationFromEnv("CACHE_SWEEP_INTERVAL", cfg.CacheSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheSemanticThreshold, err = floatFromEnv("CACHE_SEMANTIC_THRESHOLD", cfg.CacheSemanticThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheEmbeddingDim, err = intFromEnv("CACHE_EMBEDDING_DIM", cfg.CacheEmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheReplyConfidence, err = floatFromEnv("CACHE_REPLY_CONFIDENCE", cfg.CacheReplyConfidence)
	if err != nil {
		return Config{}, err
	}
	cfg.FailoverStatsWindow, err = intFromEnv("FAILOVER_STATS_WINDOW", cfg.FailoverStatsWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.FailoverDemoteBelow, err = floatFromEnv("FAILOVER_DEMOTE_BELOW", cfg.FailoverDemoteBelow)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextTurnLimit, err = intFromEnv("APP_CONTEXT_TURN_LIMIT", cfg.ContextTurnLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AlertP95Latency, err = durationFromEnv("ALERT_P95_LATENCY", cfg.AlertP95Latency)
	if err != nil {
		return Config{}, err
	}
	cfg.AlertErrorRate, err = floatFromEnv("ALERT_ERROR_RATE", cfg.AlertErrorRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisTTL, err = durationFromEnv("REDIS_CACHE_TTL", cfg.RedisTTL)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxSilence < 50*time.Millisecond {
		return Config{}, fmt.Errorf("APP_MAX_SILENCE must be at least 50ms")
	}
	if cfg.MaxSilencePrompts < 0 {
		return Config{}, fmt.Errorf("APP_MAX_SILENCE_PROMPTS must be >= 0")
	}
	if cfg.CacheMaxEntries <= 0 {
		return Config{}, fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	if cfg.CacheEmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("CACHE_EMBEDDING_DIM must be positive")
	}
	if cfg.CacheSemanticThreshold < 0 || cfg.CacheSemanticThreshold > 1 {
		return Config{}, fmt.Errorf("CACHE_SEMANTIC_THRESHOLD must be in [0,1]")
	}
	if cfg.FailoverStatsWindow <= 0 {
		return Config{}, fmt.Errorf("FAILOVER_STATS_WINDOW must be positive")
	}
	if cfg.FailoverDemoteBelow < 0 || cfg.FailoverDemoteBelow > 1 {
		return Config{}, fmt.Errorf("FAILOVER_DEMOTE_BELOW must be in [0,1]")
	}
	if cfg.ContextTurnLimit <= 0 {
		return Config{}, fmt.Errorf("APP_CONTEXT_TURN_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
