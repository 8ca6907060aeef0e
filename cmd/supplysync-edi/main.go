package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradewindlabs/supplysync/internal/edisync"
	"github.com/tradewindlabs/supplysync/internal/productcache"
	"github.com/tradewindlabs/supplysync/internal/suppliers"
)

func main() {
	_ = godotenv.Load()

	suppliersFile := os.Getenv("SUPPLYSYNC_SUPPLIERS_FILE")
	if suppliersFile == "" {
		log.Fatal("SUPPLYSYNC_SUPPLIERS_FILE is required")
	}
	directory, err := suppliers.LoadDirectory(suppliersFile)
	if err != nil {
		log.Fatalf("failed to load supplier registry: %v", err)
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

	pipeline, err := edisync.NewPipeline(store, directory)
	if err != nil {
		log.Fatalf("failed to build edi pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if boolEnv("SUPPLYSYNC_EDI_WATCH", false) {
		interval := durationEnv("SUPPLYSYNC_EDI_INTERVAL", 5*time.Minute)
		log.Printf("watching edi drop directories, interval %s", interval)
		if err := pipeline.Watch(ctx, interval); err != nil && ctx.Err() == nil {
			log.Fatalf("watch failed: %v", err)
		}
		return
	}

	pipeline.RunAll(ctx)
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
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
