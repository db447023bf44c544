// Command whaleradar is the composition root: it loads configuration,
// wires a Core, serves the read API, and shuts down cleanly on SIGINT/
// SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whaleradar/internal/config"
	"whaleradar/internal/core"
	"whaleradar/internal/pool"
)

func main() {
	log.Println("🐳 Whale Radar Engine starting...")

	cfg := config.Load()

	dialer := pool.WSDialer{URL: "wss://api.hyperliquid.xyz/ws", HeartbeatInterval: cfg.HeartbeatInterval}
	addresses := trackedAddressSource()

	c := core.New(cfg, dialer, addresses, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("core: failed to start: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.ReadAPI,
	}
	go func() {
		log.Printf("readapi: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("readapi: server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("🛑 Shutdown signal received, draining...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	cancel()
	c.Shutdown(shutdownCtx)

	log.Println("Whale Radar Engine stopped")
}

// trackedAddressSource returns a fixed seed list from the
// TRACKED_ADDRESSES environment variable (comma-separated), since
// sourcing the live ranked trader list is a ScoreSource/external-index
// concern the core does not own.
func trackedAddressSource() pool.AddressSource {
	return func(ctx context.Context) ([]string, error) {
		raw := os.Getenv("TRACKED_ADDRESSES")
		if raw == "" {
			return nil, nil
		}
		var out []string
		start := 0
		for i := 0; i <= len(raw); i++ {
			if i == len(raw) || raw[i] == ',' {
				if i > start {
					out = append(out, raw[start:i])
				}
				start = i + 1
			}
		}
		return out, nil
	}
}
