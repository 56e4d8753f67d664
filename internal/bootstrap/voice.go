package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/voicelink/internal/auth"
	"github.com/eleven-am/voicelink/internal/health"
	"github.com/eleven-am/voicelink/internal/metrics"
	"github.com/eleven-am/voicelink/internal/server"
	"github.com/eleven-am/voicelink/internal/speech"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideValidator(cfg *Config) server.TokenValidator {
	return auth.NewJWTValidator(cfg.AuthSecret)
}

func ProvideAuthHandler(cfg *Config, logger *slog.Logger) *auth.Handler {
	return auth.NewHandler(cfg.AuthSecret, cfg.TokenIssueKey, cfg.TokenTTL, logger)
}

func ProvideSpeechFactory(cfg *Config) speech.Factory {
	return speech.NewRelayFactory(speech.RelayConfig{
		URL:   cfg.EngineURL,
		Token: cfg.EngineToken,
	})
}

func ProvideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.NewMetrics(reg)
}

func ProvidePresence(client *redis.Client, logger *slog.Logger) *server.Presence {
	return server.NewPresence(client, logger)
}

func ProvideServer(
	validator server.TokenValidator,
	factory speech.Factory,
	presence *server.Presence,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg *Config,
) *server.Server {
	return server.NewServer(validator, factory, presence, m, logger, server.Options{
		TrustedMode:     cfg.TrustedMode,
		AllowedOrigin:   cfg.AllowedOrigin,
		SweepInterval:   cfg.SweepInterval,
		IdleTimeout:     cfg.IdleTimeout,
		ChunksPerSecond: cfg.ChunksPerSecond,
		ChunkBurst:      cfg.ChunkBurst,
	})
}

func ProvideHealthHandler(srv *server.Server, presence *server.Presence, redisClient *redis.Client, cfg *Config) *health.Handler {
	return health.NewHandler(srv.Registry(), presence, redisClient, cfg.Version)
}

func StartHeartbeat(lc fx.Lifecycle, srv *server.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go srv.RunHeartbeat(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

var VoiceModule = fx.Options(
	fx.Provide(
		ProvideValidator,
		ProvideAuthHandler,
		ProvideSpeechFactory,
		ProvideRegistry,
		ProvideMetrics,
		ProvidePresence,
		ProvideServer,
		ProvideHealthHandler,
	),
	fx.Invoke(StartHeartbeat),
)
