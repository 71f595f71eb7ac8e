package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/BearBump/ShipBridge/internal/services/shipments"
	"github.com/BearBump/ShipBridge/internal/services/webhooks"
	"github.com/BearBump/ShipBridge/internal/storage/pgshipping"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ShipBridge.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ShipBridge.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "ship-api"
	}
	topic := cfg.Kafka.ShipmentUpdatedTopic
	if topic == "" {
		topic = "shipment.updated"
	}
	alertsTopic := cfg.Kafka.ShipmentAlertsTopic
	if alertsTopic == "" {
		alertsTopic = "shipment.alerts"
	}
	cacheTTL := time.Duration(cfg.ShipBridge.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	var eco ecofreight.Client
	if cfg.ShipBridge.EcoFreightMode == "v1" && cfg.ShipBridge.EcoFreightBaseURL != "" {
		eco = ecohttp.New(cfg.ShipBridge.EcoFreightBaseURL)
	} else {
		eco = ecofake.New()
	}

	var store shopfront.Client
	if cfg.ShipBridge.ShopfrontMode == "v1" && cfg.ShipBridge.ShopfrontBaseURL != "" {
		store = storehttp.New(cfg.ShipBridge.ShopfrontBaseURL)
	} else {
		store = storefake.New()
	}

	tokenTTL := time.Duration(cfg.ShipBridge.EcoFreightTokenTTLSecs) * time.Second
	if tokenTTL <= 0 {
		tokenTTL = 50 * time.Minute
	}
	tokens := ecofreight.NewTokenSource(eco, rc, tokenTTL)

	svc := shipments.New(st, eco, tokens, store, rc, cacheTTL).
		WithAllowedCountries(cfg.ShipBridge.AllowedCountries)
	hooks := webhooks.New(cfg.ShipBridge.WebhookSecret, svc, st, cfg.ShipBridge.AllowedCountries)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	updates := kafka.NewConsumer(brokers, topic, consumerGroup)
	defer func() { _ = updates.Close() }()
	alertsConsumer := kafka.NewConsumer(brokers, alertsTopic, consumerGroup)
	defer func() { _ = alertsConsumer.Close() }()

	swaggerPath := os.Getenv("swaggerPath")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runShipAPI(ctx, shipAPIOpts{
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         topic,
		alertsTopic:   alertsTopic,
		consumerGroup: consumerGroup,
	}, svc, hooks, updates, alertsConsumer); err != nil && err != context.Canceled {
		panic(err)
	}
}

// mustOpenPostgresWithRetry ждёт базу: в docker-compose api стартует
// раньше postgres'а.
func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipping.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipping.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}
