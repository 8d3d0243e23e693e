package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatter/relay/internal/api"
	"github.com/chatter/relay/internal/auth"
	"github.com/chatter/relay/internal/chat"
	"github.com/chatter/relay/internal/config"
	"github.com/chatter/relay/internal/messaging"
	"github.com/chatter/relay/internal/metrics"
	"github.com/chatter/relay/internal/presence"
	"github.com/chatter/relay/internal/ratelimit"
	"github.com/chatter/relay/internal/relay"
	"github.com/chatter/relay/internal/session"
	"github.com/chatter/relay/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

// run wires every component and blocks until a signal or a server error.
// Deferred cleanup runs before main exits.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Chat relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  history_backend: %s", cfg.HistoryBackend)

	// --- History & accounts ---
	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer st.close()

	// --- Redis ---
	redisClient, err := presence.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("[main] redis close: %v", err)
		}
	}()
	registry := presence.NewRegistry(redisClient, cfg.Presence())
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS ---
	broker, err := messaging.NewBroker(ctx, cfg.Broker())
	if err != nil {
		return err
	}
	defer broker.Close()

	// --- Auth ---
	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	accounts := auth.NewService(st.users, issuer)

	// --- Sessions, ingestion, delivery ---
	sessions := session.NewManager(registry, cfg.Sessions())
	ingest := relay.NewService(broker)
	sessions.SetOnLastSession(func(identity string) {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := ingest.Leave(leaveCtx, identity); err != nil {
			log.Printf("[main] leave announcement identity=%s: %v", identity, err)
		}
	})
	router := relay.NewRouter(st.history, sessions, broker, cfg.Router())

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var workers sync.WaitGroup
	var subs []*messaging.Subscription
	for _, topic := range []string{chat.TopicPublic, chat.TopicPrivate} {
		sub, err := broker.Subscribe(workerCtx, topic, cfg.ConsumerGroup())
		if err != nil {
			for _, started := range subs {
				started.Stop()
			}
			workers.Wait()
			return err
		}
		subs = append(subs, sub)
		workers.Add(1)
		go func(topic string) {
			defer workers.Done()
			if err := router.Run(workerCtx, topic, sub); err != nil {
				log.Printf("[main] router topic=%s: %v", topic, err)
			}
		}(topic)
	}

	workers.Add(1)
	go func() {
		defer workers.Done()
		sessions.Run(workerCtx)
	}()

	// --- WebSocket + HTTP ---
	dispatcher := ws.NewMessageDispatcher()
	handlers := ws.NewChatHandlers(sessions, ingest, limiter)
	handlers.SetSendRule(cfg.SendRule())
	handlers.Register(dispatcher)

	server := ws.NewServer(cfg.Server(), accounts, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)
	server.SetOnConnect(handlers.OnConnect)
	server.AddHealthCheck("broker", broker.Check)
	server.AddHealthCheck("presence", registry.Check)
	server.Handle("/api/", api.NewHandler(st.history, registry, accounts))
	server.Handle("/metrics", metrics.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Printf("received signal, initiating graceful shutdown...")
	case err := <-errCh:
		if err != nil {
			stopWorkers()
			workers.Wait()
			return err
		}
	}

	// Workers stop pulling and finish in-flight messages first.
	stopWorkers()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("[main] server shutdown: %v", err)
	}

	log.Printf("relay stopped cleanly")
	return nil
}
