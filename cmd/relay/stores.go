package main

import (
	"context"
	"fmt"
	"log"

	"github.com/chatter/relay/internal/auth"
	"github.com/chatter/relay/internal/config"
	"github.com/chatter/relay/internal/history"
)

// stores bundles the history and account stores of the configured backend.
type stores struct {
	history history.Store
	users   auth.UserStore
	close   func()
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.HistoryBackend {
	case config.BackendPostgres:
		db, err := history.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.MigrateOnStart {
			if err := history.Migrate(db); err != nil {
				db.Close()
				return nil, err
			}
			log.Printf("[main] migrations applied")
		}
		return &stores{
			history: history.NewPostgresStore(db),
			users:   auth.NewPostgresUserStore(db),
			close: func() {
				if err := db.Close(); err != nil {
					log.Printf("[main] postgres close: %v", err)
				}
			},
		}, nil

	case config.BackendBadger:
		db, err := history.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		store, err := history.NewBadgerStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			history: store,
			users:   auth.NewBadgerUserStore(db),
			close: func() {
				if err := store.Close(); err != nil {
					log.Printf("[main] badger sequence release: %v", err)
				}
				if err := db.Close(); err != nil {
					log.Printf("[main] badger close: %v", err)
				}
			},
		}, nil

	case config.BackendMemory:
		log.Printf("[main] using in-memory history (limit=%d); data is lost on restart", cfg.MemoryHistoryLimit)
		return &stores{
			history: history.NewMemoryStore(cfg.MemoryHistoryLimit),
			users:   auth.NewMemoryUserStore(),
			close:   func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
}
