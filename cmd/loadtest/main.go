// Package main is the entry point for the relay load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: connection saturation test
//   - chat:     public chat fan-out test
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chatter/relay/internal/loadtest"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle authenticated connections")
	fmt.Println("  chat        Public chat test: N users send messages and time their relayed echo")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// httpBase derives the relay's HTTP root from its WebSocket URL.
func httpBase(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/ws")
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.Replace(base, "ws://", "http://", 1)
}

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	users       int
	prefix      string
	password    string
	ramp        time.Duration
	concurrency int
}

// connectAll logs in and connects cfg.users clients, spreading launches over
// cfg.ramp with at most cfg.concurrency attempts in flight. It returns the
// clients that connected and whether the ramp was interrupted.
func connectAll(ctx context.Context, cfg rampConfig, collector *loadtest.Collector, setup func(*loadtest.Client)) ([]*loadtest.Client, bool) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	base := httpBase(cfg.url)

	interval := cfg.ramp / time.Duration(max(cfg.users, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, cfg.users)
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, max(cfg.concurrency, 1))

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					n, cfg.users, collector.ErrorCount(), rate)
				last, lastTime = n, now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for i := 0; i < cfg.users && !interrupted; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			continue
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			username := fmt.Sprintf("%s%d", cfg.prefix, i)
			token, err := loadtest.Token(connCtx, httpClient, base, username, cfg.password)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := loadtest.Dial(connCtx, cfg.url, token)
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(c)
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients, interrupted
}

func closeAll(clients []*loadtest.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
