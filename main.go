// Package main wires the real-time gateway: config, database, rate
// limiter backend, optional NATS relay, and the HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/gigconnect/realtime/internal/auth"
	"github.com/gigconnect/realtime/internal/broker"
	"github.com/gigconnect/realtime/internal/gateway"
	"github.com/gigconnect/realtime/internal/handler"
	ratelimiter "github.com/gigconnect/realtime/internal/rate_limiter"
	"github.com/gigconnect/realtime/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	// Init DB
	slog.Info("initializing database connection")

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL environment variable is not set")
	}

	dbConn, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("could not connect to the postgresql database: %v", err)
	}
	pg := store.NewPostgres(dbConn)

	// Per-sender message cap: shared redis window when configured,
	// in-memory (single instance, non-durable) otherwise.
	maxMessages := envInt("RATE_LIMIT_MAX", ratelimiter.DefaultMax)
	window := envDuration("RATE_LIMIT_WINDOW", ratelimiter.DefaultWindow)

	var limiter ratelimiter.Limiter
	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("could not connect to redis: %v", err)
		}
		limiter = ratelimiter.NewRedis(redisClient, maxMessages, window)
	} else {
		slog.Warn("REDIS_ADDR not set, using in-memory rate limiter (single instance only)")
		mem := ratelimiter.NewMemory(maxMessages, window)
		defer mem.Cancel()
		limiter = mem
	}

	gw := gateway.New(
		auth.NewJWT(jwtSecret, os.Getenv("JWT_ISS")),
		limiter,
		pg,
		pg,
		slog.Default(),
	)

	// Optional cross-instance relay over NATS.
	var natsConn *nats.Conn
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		slog.Info("initializing NATS connection")

		var natsCredentials []nats.Option

		if cred := os.Getenv("NATS_CRED"); cred != "" {
			natsCredentials = append(natsCredentials, nats.UserCredentials(cred))
		} else if user, pass := os.Getenv("NATS_USER"), os.Getenv("NATS_PASSWORD"); user != "" && pass != "" {
			natsCredentials = append(natsCredentials, nats.UserInfo(user, pass))
		}

		natsCredentials = append(natsCredentials, nats.Timeout(5*time.Second))

		natsConn, err = nats.Connect(natsURL, natsCredentials...)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}

		js, err := jetstream.New(natsConn)
		if err != nil {
			log.Fatalf("failed to create jetstream instance: %v", err)
		}

		stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     broker.StreamName,
			Subjects: []string{broker.SubjectRooms},
			MaxBytes: 1 << 30, // 1GB max storage
		})
		if err != nil {
			log.Fatalf("failed to create/update stream: %v", err)
		}

		bridge := broker.New(js)
		gw.SetBridge(bridge)

		err = bridge.Subscribe(ctx, stream, func(room, event string, data json.RawMessage) {
			gw.Registry().Broadcast(room, event, data, nil)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to relay stream: %v", err)
		}
	}

	wsLimiter := ratelimiter.NewIPRateLimiter(10, time.Minute, ratelimiter.CleanupOpts{
		TTL:      10 * time.Minute,
		Interval: time.Minute,
	})
	defer wsLimiter.Cancel()

	r := chi.NewRouter()
	r.Get("/api/health", handler.ServeHealth())
	r.Method(http.MethodGet, "/ws", wsLimiter.Middleware(handler.ServeWs(gw)))

	server := &http.Server{
		Addr:              "0.0.0.0:" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown failed", "error", err)
	}

	// Force-disconnect remaining sessions before tearing down shared
	// resources.
	gw.Close()

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			slog.Warn("couldn't drain NATS conn", "error", err)
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Warn("couldn't close redis client", "error", err)
		}
	}

	dbConn.Close()

	slog.Info("gateway stopped")
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}
