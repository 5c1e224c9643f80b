package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/pixel-tracker/internal/api"
	"github.com/ignite/pixel-tracker/internal/config"
	"github.com/ignite/pixel-tracker/internal/geo"
	"github.com/ignite/pixel-tracker/internal/pkg/logger"
	"github.com/ignite/pixel-tracker/internal/store"
	"github.com/ignite/pixel-tracker/internal/track"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.Tracking.SigningKey == "" {
		log.Fatal("TRACKING_SIGNING_KEY is required")
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// Cache layers are optional; run degraded rather than die
			log.Printf("Redis unavailable, caching disabled: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to redis")
		}
		cancel()
	}

	st := store.New(db)
	signer := track.NewTokenSigner(cfg.Tracking.SigningKey)
	policy := track.Policy{
		SenderTokenMaxAge:  cfg.Tracking.SenderTokenMaxAge(),
		GhostOpenWindow:    cfg.Tracking.GhostOpenWindow(),
		RateLimitCeiling:   cfg.Tracking.RateLimitCeiling,
		RateLimitWindow:    cfg.Tracking.RateLimitWindow(),
		ProxyOpenThreshold: cfg.Tracking.ProxyOpenThreshold,
		ActiveDuration:     cfg.Tracking.ActiveDuration(),
	}
	classifier := track.NewClassifier(signer, st, policy)
	extractor := track.NewSignalExtractor(cfg.Tracking.ScannerCIDRs)

	var geoClient *geo.Client
	if cfg.Geo.Enabled {
		geoClient = geo.NewClient(cfg.Geo, redisClient)
		log.Printf("Geo enrichment enabled via %s", cfg.Geo.BaseURL)
	}

	handlers := api.NewHandlers(st, extractor, classifier, signer, geoClient, redisClient,
		policy, cfg.Tracking.PixelHoldMax())

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     api.SetupRoutes(handlers),
		ReadTimeout: 5 * time.Second,
		// Accepted pixel fetches hold the connection up to PixelHoldMax
		// to measure read duration; the write timeout must outlive that.
		WriteTimeout: cfg.Tracking.PixelHoldMax() + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("pixel tracker listening on %s:%d", host, port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down pixel tracker...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
