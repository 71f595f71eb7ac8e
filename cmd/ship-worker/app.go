package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ShipBridge/config"
	"github.com/BearBump/ShipBridge/internal/broker/kafka"
	"github.com/BearBump/ShipBridge/internal/cache/rediscache"
	"github.com/BearBump/ShipBridge/internal/integrations/ecofreight"
	ecofake "github.com/BearBump/ShipBridge/internal/integrations/ecofreight/fake"
	ecohttp "github.com/BearBump/ShipBridge/internal/integrations/ecofreight/httpv1"
	"github.com/BearBump/ShipBridge/internal/integrations/shopfront"
	storefake "github.com/BearBump/ShipBridge/internal/integrations/shopfront/fake"
	storehttp "github.com/BearBump/ShipBridge/internal/integrations/shopfront/httpv1"
	"github.com/BearBump/ShipBridge/internal/queue"
	"github.com/BearBump/ShipBridge/internal/services/pipeline"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo pipeline.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) pipeline.Producer
	newRateLimiter func(cfg *config.Config) pipeline.RateLimiter
	newEcoClient   func(cfg *config.Config) ecofreight.Client
	newStoreClient func(cfg *config.Config) shopfront.Client
	newTokens      func(cfg *config.Config, eco ecofreight.Client) pipeline.Tokens
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (pipeline.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipping.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) pipeline.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) pipeline.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newEcoClient: func(cfg *config.Config) ecofreight.Client {
			// Для демо без реального перевозчика — локальный fake.
			if cfg.ShipBridge.EcoFreightMode == "v1" && cfg.ShipBridge.EcoFreightBaseURL != "" {
				return ecohttp.New(cfg.ShipBridge.EcoFreightBaseURL)
			}
			return ecofake.New()
		},
		newStoreClient: func(cfg *config.Config) shopfront.Client {
			if cfg.ShipBridge.ShopfrontMode == "v1" && cfg.ShipBridge.ShopfrontBaseURL != "" {
				return storehttp.New(cfg.ShipBridge.ShopfrontBaseURL)
			}
			return storefake.New()
		},
		newTokens: func(cfg *config.Config, eco ecofreight.Client) pipeline.Tokens {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			ttl := time.Duration(cfg.ShipBridge.EcoFreightTokenTTLSecs) * time.Second
			if ttl <= 0 {
				ttl = 50 * time.Minute
			}
			return ecofreight.NewTokenSource(eco, rediscache.New(redisAddr), ttl)
		},
	}
}

func RunShipWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	updatedTopic := cfg.Kafka.ShipmentUpdatedTopic
	if updatedTopic == "" {
		updatedTopic = "shipment.updated"
	}
	alertsTopic := cfg.Kafka.ShipmentAlertsTopic
	if alertsTopic == "" {
		alertsTopic = "shipment.alerts"
	}

	pollInterval := time.Duration(cfg.ShipBridge.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.ShipBridge.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ShipBridge.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ShipBridge.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.ShipBridge.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	eco := f.newEcoClient(cfg)
	store := f.newStoreClient(cfg)
	tokens := f.newTokens(cfg, eco)

	p := pipeline.New(repo, eco, tokens, store, producer, rl, updatedTopic, alertsTopic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithAllowedCountries(cfg.ShipBridge.AllowedCountries)

	if bp, ok := backoffFromConfig(cfg); ok {
		p = p.WithBackoff(bp)
	}

	if cfg.ShipBridge.WorkerHTTPAddr != "" {
		go func() {
			err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.ShipBridge.WorkerHTTPAddr,
				swaggerPath: os.Getenv("swaggerPath"),
				runner:      p,
				cfg:         cfg,
			})
			if err != nil && err != http.ErrServerClosed {
				slog.Error("worker http server", "error", err.Error())
			}
		}()
	}

	return p.Run(ctx)
}

// backoffFromConfig собирает лестницу ретраев из конфига.
// Если хоть одна ступень не задана, остаёмся на дефолтной 1/5/15 минут.
func backoffFromConfig(cfg *config.Config) (queue.BackoffPolicy, bool) {
	s1 := cfg.ShipBridge.WorkerBackoff1Seconds
	s2 := cfg.ShipBridge.WorkerBackoff2Seconds
	s3 := cfg.ShipBridge.WorkerBackoff3Seconds
	if s1 <= 0 || s2 <= 0 || s3 <= 0 {
		return queue.BackoffPolicy{}, false
	}
	return queue.BackoffPolicy{Delays: []time.Duration{
		time.Duration(s1) * time.Second,
		time.Duration(s2) * time.Second,
		time.Duration(s3) * time.Second,
	}}, true
}
