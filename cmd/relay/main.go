// cmd/relay/main.go
// Entry point for the realtime relay.
// Bootstraps all components and starts the server.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courseloop/courseloop-backend/internal/auth"
	"github.com/courseloop/courseloop-backend/internal/common/database"
	"github.com/courseloop/courseloop-backend/internal/config"
	"github.com/courseloop/courseloop-backend/internal/directory"
	"github.com/courseloop/courseloop-backend/internal/relay"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	// 1. Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found (%v), using environment variables", err)
	}

	// 2. Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Configuration validation failed: ", err)
	}

	// 3. Connect to PostgreSQL
	db, err := database.NewPostgresDBFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL: ", err)
	}
	defer db.Close()
	log.Println("Connected to PostgreSQL")

	// 4. Connect to Redis
	redisClient, err := database.NewRedisClientFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	log.Println("Connected to Redis")

	// 5. Wire the relay
	repo := relay.NewPostgresRepository(db)
	service := relay.NewService(repo)
	presence := relay.NewPresence(redisClient)
	registry := relay.NewRedisCallRegistry(redisClient)

	hub := relay.NewHub(service, presence)
	calls := relay.NewCallRouter(hub, registry, cfg.CallRingTimeout)
	hub.SetCallRouter(calls)
	go hub.Run()

	channelCfg := relay.ChannelConfig{
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendQueueSize:  cfg.WSSendQueueSize,
	}
	relayHandler := relay.NewHandler(service, hub, calls, presence, channelCfg)

	// 6. Wire the directory
	dirRepo := directory.NewPostgresRepository(db)
	dirHandler := directory.NewHandler(dirRepo, presence)

	// 7. Routes
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)
	router := mux.NewRouter()

	relay.RegisterRoutes(router, relayHandler, authMiddleware.Authenticate)
	relay.RegisterHealthCheck(router, relayHandler)
	directory.RegisterRoutes(router, dirHandler, authMiddleware.Authenticate)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 8. Start and wait for shutdown
	go func() {
		log.Printf("Relay listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Relay stopped")
}
