package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wrale/oauth2-flow-engine/internal/pkce"
)

// Version is set by the build process
var Version = "dev"

func main() {
	// Load configuration from environment
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		logrus.Fatalf("Error loading configuration: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("Error parsing log level: %v", err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "server")

	// Create Redis client
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)

	// Verify Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Error connecting to Redis: %v", err)
	}

	// PKCE pairs live in a fast in-memory tier backed by Redis, so pairs
	// survive a restart while reads stay local.
	store := pkce.NewTieredStore(pkce.NewMemoryStore(), pkce.NewRedisStore(redisClient))
	pkceManager := pkce.NewManager(store)

	srv := newServer(cfg, pkceManager, redisClient, log)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Infof("Server listening on port %d", cfg.Port)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("Error starting server: %v", err)

	case <-shutdown:
		log.Info("Starting shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Active device polling loops stop before the listener closes so
		// no poll lands on a torn-down session.
		srv.stopAll()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorf("Error shutting down server: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Errorf("Error closing server: %v", err)
			}
		}

		if err := redisClient.Close(); err != nil {
			log.Errorf("Error closing Redis connection: %v", err)
		}
	}
}
