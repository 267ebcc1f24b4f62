package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaylobby/internal/config"
	"relaylobby/internal/relay"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load(log)

	var ledger relay.Ledger
	var funding relay.Funding
	if cfg.DatabaseDSN != "" {
		store, err := relay.OpenStore(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal("opening store", zap.Error(err))
		}
		ledger = store
		funding = store
	} else {
		log.Warn("no database configured, running unmetered")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(ctx, ledger, cfg.MessageCost, log)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: relay.Routes(hub, funding, log),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relayd listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		hub.Inbox() <- relay.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("relayd exited", zap.Error(err))
	}
}
