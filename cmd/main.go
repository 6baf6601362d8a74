/**
 * @description
 * This is the main entry point for the billing-service. It is responsible for
 * initializing all components of the service: configuration, the PostgreSQL
 * connection pool, the optional Redis dedup cache and RabbitMQ producer, the
 * reconciliation service, the entitlement sweeper, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nowadays/billing-service/internal/api"
	"github.com/nowadays/billing-service/internal/app"
	"github.com/nowadays/billing-service/internal/config"
	"github.com/nowadays/billing-service/internal/domain"
	"github.com/nowadays/billing-service/internal/store"
	"github.com/nowadays/billing-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	// A missing signing secret is a fatal misconfiguration, not a per-request
	// error: without it every inbound event would have to be trusted blindly.
	if strings.TrimSpace(cfg.BillingWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook signing secret must be configured\" env=BILLING_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	rules, err := loadPlanRules(cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"plan mapping config invalid\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting billing-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repo := store.NewPostgresRepository(dbpool)

	// Optional Redis fast path for duplicate deliveries. The database unique
	// constraint stays authoritative, so a missing Redis only costs us the
	// short-circuit.
	var dedup *app.DedupCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; dedup fast path disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; dedup fast path disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				dedup = app.NewDedupCache(redisClient, "billing:webhook_events", time.Duration(cfg.DedupCacheTTLMinutes)*time.Minute)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancelPing()
		}
	}

	// Initialize the RabbitMQ producer for entitlement fanout.
	var publisher rabbitmq.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, rabbitErr := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if rabbitErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", rabbitErr)
			publisher = &rabbitmq.EventProducerFallback{}
		} else {
			publisher = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	} else {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	defer publisher.Close()

	service := app.NewService(repo, rules, publisher, dedup)

	sweeper := app.NewSweeper(repo, cfg.EntitlementSweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweeper schedule invalid\" schedule=%q err=%v", cfg.EntitlementSweepSchedule, err)
	}
	defer sweeper.Stop()

	webhookHandler := api.NewWebhookHandler(service, cfg.BillingWebhookSecret, time.Duration(cfg.SignatureToleranceSeconds)*time.Second)
	queryHandler := api.NewQueryHandler(repo)
	router := api.NewRouter(webhookHandler, queryHandler, cfg.InternalAPIKey, time.Duration(cfg.RequestTimeoutSeconds)*time.Second)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=bootstrap msg=\"server starting\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=bootstrap msg=\"could not start server\" err=%v", err)
		}
	}()

	// Graceful shutdown logic.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("level=info component=bootstrap msg=\"shutting down server\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"server shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=bootstrap msg=\"server gracefully stopped\"")
}

// loadPlanRules parses the externally supplied price classification tables.
func loadPlanRules(cfg config.Config) (app.PlanRules, error) {
	subscriptionPlans, err := parsePlanTable(cfg.PlanPriceMap)
	if err != nil {
		return app.PlanRules{}, err
	}
	oneTimePlans, err := parsePlanTable(cfg.OneTimePlanPriceMap)
	if err != nil {
		return app.PlanRules{}, err
	}
	creditPacks, err := config.ParseCreditPackMapping(cfg.CreditPackPriceMap)
	if err != nil {
		return app.PlanRules{}, err
	}

	return app.PlanRules{
		SubscriptionPlans: subscriptionPlans,
		CreditPacks:       creditPacks,
		OneTimePlans:      oneTimePlans,
		OneTimePlanWindow: time.Duration(cfg.OneTimePlanDays) * 24 * time.Hour,
	}, nil
}

func parsePlanTable(raw string) (map[string]domain.Plan, error) {
	parsed, err := config.ParsePlanMapping(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Plan, len(parsed))
	for priceID, plan := range parsed {
		out[priceID] = domain.Plan(plan)
	}
	return out, nil
}
