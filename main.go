package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/tunneld/internal/api"
	"github.com/gluk-w/tunneld/internal/config"
	"github.com/gluk-w/tunneld/internal/database"
	"github.com/gluk-w/tunneld/internal/eventbus"
	"github.com/gluk-w/tunneld/internal/logging"
	"github.com/gluk-w/tunneld/internal/manager"
	"github.com/gluk-w/tunneld/internal/secretstore"
	"github.com/gluk-w/tunneld/internal/serverstore"
	"github.com/gluk-w/tunneld/internal/statsstore"
)

const apiBindRetries = 5

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	store, err := serverstore.New()
	if err != nil {
		log.Fatalf("Server store init: %v", err)
	}
	secrets := secretstore.New()
	stats, err := statsstore.New()
	if err != nil {
		log.Fatalf("Stats store init: %v", err)
	}
	bus := eventbus.NewBus()
	defer bus.Close()

	mgr := manager.New(store, secrets, stats, bus)

	ctx := context.Background()
	if err := mgr.Init(ctx); err != nil {
		log.Fatalf("Manager init: %v", err)
	}
	log.Printf("Tunnel manager initialized (%d servers loaded)", len(mgr.Servers()))

	apiServer, err := api.NewServer(mgr, bus, config.Cfg.APIAuthEnabled)
	if err != nil {
		log.Fatalf("Control API init: %v", err)
	}

	// Only failure to bind both the configured and fallback port after the
	// retry budget is fatal to the control plane; the tunnel engine keeps
	// running headlessly either way.
	httpServer, err := apiServer.ListenAndServe(ctx, config.Cfg.APIPort, config.Cfg.APIFallbackPort, apiBindRetries)
	if err != nil {
		log.Printf("WARNING: Control API failed to bind: %v — tunnel engine continues headlessly", err)
	} else {
		log.Printf("Control API listening (port=%d fallback=%d)", config.Cfg.APIPort, config.Cfg.APIFallbackPort)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Println("Shutting down...")

	mgr.Shutdown()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Printf("Control API shutdown: %v", err)
		}
	}

	log.Println("Server stopped")
}
