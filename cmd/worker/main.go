package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/compose"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/proxy"
	"github.com/ignite/outreach-engine/internal/safety"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
	"github.com/ignite/outreach-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting outreach worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable, falling back to local state: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
		pingCancel()
	}

	backend, err := buildComposerBackend(cfg.Composer)
	if err != nil {
		log.Fatalf("Failed to initialize composer backend: %v", err)
	}
	composer := compose.New(backend)
	log.Printf("Composer initialized (provider: %s)", cfg.Composer.Provider)

	ledger := safety.NewLedger(st, cfg.Safety.DefaultDailyLimit, cfg.Safety.DefaultCooldownHours)

	factory := transport.NewBridgeFactory(cfg.Transport)
	log.Printf("Transport bridge: %s", cfg.Transport.BridgeURL)

	healthGate := proxy.NewHealthGate(cfg.Proxy)
	healthGate.SetProber(factory)

	scheduler := worker.NewOutreachScheduler(st, ledger, healthGate, composer, factory, cfg.Scheduler)
	if redisClient != nil {
		ledger.SetRedisClient(redisClient)
		healthGate.SetRedisClient(redisClient)
		scheduler.SetRedisClient(redisClient)
	}

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	scheduler.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker stopped")
}

func buildComposerBackend(cfg config.ComposerConfig) (compose.Backend, error) {
	if cfg.Provider == "bedrock" {
		return compose.NewBedrockBackend(cfg)
	}
	return compose.NewOpenAIBackend(cfg), nil
}
