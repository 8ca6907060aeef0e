package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradewindlabs/supplysync/internal/events"
	"github.com/tradewindlabs/supplysync/internal/httpapi"
	"github.com/tradewindlabs/supplysync/internal/productcache"
	"github.com/tradewindlabs/supplysync/internal/suppliers"
)

func main() {
	_ = godotenv.Load()

	addr := os.Getenv("SUPPLYSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stateBackend, err := productcache.BuildStateBackendFromDSN(os.Getenv("SUPPLYSYNC_STATE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := productcache.NewStoreWithOptions(productcache.StoreOptions{
		StateBackend: stateBackend,
		AuditTTL:     durationEnv("SUPPLYSYNC_AUDIT_TTL", 0),
	})
	if err != nil {
		log.Fatalf("failed to open product cache: %v", err)
	}
	defer store.Close()

	directory := suppliers.NewStaticDirectory()
	if path := os.Getenv("SUPPLYSYNC_SUPPLIERS_FILE"); path != "" {
		directory, err = suppliers.LoadDirectory(path)
		if err != nil {
			log.Fatalf("failed to load supplier registry: %v", err)
		}
	}

	bus := events.NewWebsocketBus()
	dispatcher := events.NewDispatcherWithOptions(bus, events.DispatcherOptions{
		MaxAttempts: intEnv("SUPPLYSYNC_DISPATCH_MAX_ATTEMPTS", 0),
		RetryDelay:  durationEnv("SUPPLYSYNC_DISPATCH_RETRY_DELAY", 0),
	})

	server := httpapi.NewServerWithConfig(store, directory, dispatcher, bus, httpapi.ServerConfig{
		APIToken:          os.Getenv("SUPPLYSYNC_API_TOKEN"),
		WebhooksPerSecond: floatEnv("SUPPLYSYNC_WEBHOOKS_PER_SECOND", 0),
		WebhookBurst:      intEnv("SUPPLYSYNC_WEBHOOK_BURST", 0),
		MaxBodyBytes:      int64Env("SUPPLYSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("supplysync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
