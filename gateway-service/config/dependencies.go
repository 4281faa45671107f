package config

import (
	"fmt"

	"github.com/autosalon/purchase-system/gateway-service/handlers"
	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	RedisClient *redis.Client

	Verifier *auth.Verifier
	Gateway  *handlers.Gateway
}

func BuildDependencies(config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	deps.RedisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	revocation := auth.NewRedisRevocationStore(deps.RedisClient)
	deps.Verifier = auth.NewVerifier(config.JWT.Secret, revocation)

	routes, err := handlers.BuildRoutes(
		config.Services.AuthURL,
		config.Services.OrchestratorURL,
		config.Services.PaymentURL,
		config.Services.FinancingURL,
		config.Services.InsuranceURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}

	status := handlers.NewStatusChecker(map[string]string{
		"auth":         config.Services.AuthURL,
		"orchestrator": config.Services.OrchestratorURL,
		"payment":      config.Services.PaymentURL,
		"financing":    config.Services.FinancingURL,
		"insurance":    config.Services.InsuranceURL,
	}, config.ProxyTimeout())

	deps.Gateway = handlers.NewGateway(routes, status)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	if d.RedisClient != nil {
		if err := d.RedisClient.Close(); err != nil {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return nil
}
