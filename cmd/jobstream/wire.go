package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/config"
	"github.com/omnibrowser/jobstream/internal/executor"
	"github.com/omnibrowser/jobstream/internal/gateway"
)

// newBus connects the configured transport. Remote transports are wrapped
// with retries and a circuit breaker.
func newBus(ctx context.Context, cfg *config.Config, log *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus {
	case "redis":
		b, err := bus.NewRedisBus(ctx, bus.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return nil, err
		}
		return bus.NewResilient(b, bus.DefaultRetryPolicy, log), nil
	case "amqp":
		b, err := bus.NewAMQPBus(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return nil, err
		}
		return bus.NewResilient(b, bus.DefaultRetryPolicy, log), nil
	case "memory":
		return bus.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}

func newRegistry(cfg *config.Config) *executor.Registry {
	r := executor.NewRegistry()
	r.Register("echo", executor.Echo{})
	r.Register("cli", &executor.CLI{
		Path:          cfg.CLIPath,
		DefaultModel:  cfg.CLIModel,
		EnvDenyPrefix: config.EnvPrefix + "_",
	})
	return r
}

func newAuthenticator(cfg *config.Config) gateway.Authenticator {
	var chain gateway.Chain
	if len(cfg.APIKeys) > 0 {
		chain = append(chain, gateway.NewAPIKeyAuthenticator(cfg.APIKeys))
	}
	if cfg.JWTSecret != "" {
		chain = append(chain, gateway.NewJWTAuthenticator(cfg.JWTSecret))
	}
	return chain
}
