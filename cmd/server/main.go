package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaychat/relay/internal/chatapi"
	"github.com/relaychat/relay/internal/server"
)

func main() {
	fmt.Println("Starting Relay Chat Server...")

	// Load local .env (dev only)
	_ = godotenv.Load()

	// Configuration is read once; missing required settings are fatal.
	config := server.NewConfigFromEnv()
	if err := config.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Client for the external persistence/membership service
	api := chatapi.NewClient(config.ChatAPIURL, config.ChatAPITimeout)

	// Hub owns connections and room presence
	hub := server.NewHub()
	server.StartHub(hub)

	// Routes and HTTP server
	handlers := server.NewHandlers(config, hub, api)
	httpServer := server.CreateServer(config.Port, server.SetupRoutes(handlers))

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := hub.Shutdown(10 * time.Second); err != nil {
		log.Printf("Hub shutdown: %v", err)
	}
}
