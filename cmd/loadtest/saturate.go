package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatter/relay/internal/loadtest"
)

// runSaturate opens many authenticated idle connections, ramping up over a
// configurable duration, then holds them open while counting drops. It finds
// the connection capacity before the relay starts rejecting or dropping.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("connections", 1000, "Number of connections to open")
	prefix := fs.String("prefix", "loaduser", "Username prefix for generated accounts")
	password := fs.String("password", "loadtest-password", "Password for generated accounts")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*users, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, interrupted := connectAll(ctx, rampConfig{
		url: *url, users: *users, prefix: *prefix, password: *password,
		ramp: *rampUp, concurrency: *concurrency,
	}, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *users,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
