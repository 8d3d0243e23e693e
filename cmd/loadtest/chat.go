package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chatter/relay/internal/loadtest"
	"github.com/chatter/relay/internal/protocol"
)

// inflight remembers when each tagged message was sent so the sender can
// time its relayed echo.
type inflight struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

func (f *inflight) add(tag string) {
	f.mu.Lock()
	f.sent[tag] = time.Now()
	f.mu.Unlock()
}

func (f *inflight) take(tag string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.sent[tag]
	if !ok {
		return 0, false
	}
	delete(f.sent, tag)
	return time.Since(at), true
}

// runChat connects N users who each send public messages at a fixed
// interval. Every public message fans out to all users, including the
// sender, so each sender measures the full ingest, persist and deliver path.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 100, "Number of chatting users")
	prefix := fs.String("prefix", "chatuser", "Username prefix for generated accounts")
	password := fs.String("password", "loadtest-password", "Password for generated accounts")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long users keep chatting")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Chat test: %d users to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	pending := &inflight{sent: make(map[string]time.Time)}

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := connectAll(ctx, rampConfig{
		url: *url, users: *users, prefix: *prefix, password: *password,
		ramp: *rampUp, concurrency: *concurrency,
	}, collector, func(c *loadtest.Client) {
		c.On(protocol.TypeMessage, func(raw json.RawMessage) {
			var m protocol.ServerChatMsg
			if err := json.Unmarshal(raw, &m); err != nil || m.Sender != c.Identity() {
				return
			}
			tag, _, _ := strings.Cut(m.Content, " ")
			if d, ok := pending.take(tag); ok {
				collector.AddMsgLatency(d)
			}
		})
		c.On(protocol.TypeSendFailed, func(json.RawMessage) { collector.AddError() })
		c.On(protocol.TypeRateLimited, func(json.RawMessage) { collector.AddError() })
	})
	fmt.Printf("Connected %d/%d users (%d errors)\n", len(clients), *users, collector.ErrorCount())

	if !interrupted && len(clients) > 0 {
		fmt.Println("\n--- Phase 2: Chat ---")
		padding := strings.Repeat("x", max(*msgSize-32, 1))
		chatCtx, cancel := context.WithTimeout(ctx, *duration)

		var wg sync.WaitGroup
		for i, c := range clients {
			wg.Add(1)
			go func(i int, c *loadtest.Client) {
				defer wg.Done()
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for seq := 0; ; seq++ {
					select {
					case <-chatCtx.Done():
						return
					case <-ticker.C:
					}
					tag := fmt.Sprintf("lt-%d-%d", i, seq)
					pending.add(tag)
					if err := c.SendPublic(tag + " " + padding); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
				}
			}(i, c)
		}
		wg.Wait()
		cancel()

		// Give the last messages time to come back.
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	collector.Report()
}
