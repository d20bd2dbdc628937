package relay

import (
	"context"
	"fmt"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/config"

	"go.uber.org/zap"
)

// PoolConfigFrom maps the relays section onto a pool configuration.
func PoolConfigFrom(cfg *config.Config) PoolConfig {
	pc := DefaultPoolConfig()
	pc.PublishTimeout = cfg.Relays.PublishTimeout
	pc.Client.DialTimeout = cfg.Relays.DialTimeout
	pc.Client.Retry.MaxAttempts = cfg.Relays.RetryAttempts
	pc.Client.Retry.InitialDelay = cfg.Relays.RetryDelay
	pc.Client.Retry.NonRetryable = []error{domain.ErrRelayClosed}
	pc.Breaker.FailureThreshold = cfg.Relays.Breaker.FailureThreshold
	pc.Breaker.Timeout = cfg.Relays.Breaker.OpenTimeout
	if cfg.Signal.DedupTTL > 0 {
		pc.DedupTTL = cfg.Signal.DedupTTL
	}
	return pc
}

// ServerConfigFrom maps the relay server section onto a server
// configuration.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := DefaultServerConfig()
	sc.PingInterval = cfg.Relay.PingInterval
	sc.PongTimeout = cfg.Relay.PongTimeout
	sc.MaxMessageSize = cfg.Relay.MaxMessageSizeBytes
	sc.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return sc
}

// NewFromConfig builds the relay a spaces node publishes to: an in-process
// store, a shared redis store, or a pool of remote relays.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ports.Relay, error) {
	switch cfg.Relays.Backend {
	case "memory":
		logger.Info("using in-process relay")
		return NewMemory().WithQueryLimit(cfg.Relay.MaxEventsPerQuery), nil
	case "redis":
		client, err := NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.Prefix, logger)
		if err != nil {
			return nil, err
		}
		logger.Infow("using redis relay", "address", cfg.Redis.Address)
		return NewRedis(client, cfg.Redis.Prefix, cfg.Relay.MaxEventsPerQuery, logger), nil
	case "websocket":
		pool := NewPool(cfg.Relays.URLs, PoolConfigFrom(cfg), logger)
		if err := pool.Connect(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Infow("using relay pool", "relays", cfg.Relays.URLs)
		return pool, nil
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relays.Backend)
	}
}

// NewStoreFromConfig builds the storage behind the relay server. A redis
// store that cannot be reached falls back to memory.
func NewStoreFromConfig(cfg *config.Config, logger *zap.SugaredLogger) ports.Relay {
	if cfg.Relay.Store == "redis" {
		client, err := NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.Prefix, logger)
		if err == nil {
			logger.Info("relay store: redis")
			return NewRedis(client, cfg.Redis.Prefix, cfg.Relay.MaxEventsPerQuery, logger)
		}
		logger.Warnw("failed to connect to Redis, falling back to memory store", "error", err)
	}
	logger.Info("relay store: memory")
	return NewMemory().WithQueryLimit(cfg.Relay.MaxEventsPerQuery)
}

// BreakerStates exposes per-relay circuit states when r is a pool.
func BreakerStates(r ports.Relay) map[string]string {
	if p, ok := r.(*Pool); ok {
		return p.States()
	}
	return nil
}
