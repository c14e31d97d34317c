package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/cha-panelas/internal/config"
	"github.com/DoyleJ11/cha-panelas/internal/engine"
	"github.com/DoyleJ11/cha-panelas/internal/httpapi"
	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/push"
	"github.com/DoyleJ11/cha-panelas/internal/store"
)

func main() {
	configFile := flag.String("config", "", "optional config file (yaml, toml or json)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) (err error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed := cfg.Store.Items
	if len(seed) == 0 {
		seed = engine.DefaultItems
	}
	st, err := openStore(ctx, cfg, seed, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	if !cfg.AdminConfigured() {
		log.Warn("no admin password configured, admin routes will reject every request")
	}

	h := push.NewHub(ctx)
	opts := httpapi.Options{
		Store:             st,
		Hub:               h,
		Log:               log,
		AdminPassword:     cfg.Admin.Password,
		AdminPasswordHash: cfg.Admin.PasswordHash,
		AllowedOrigin:     cfg.HTTP.AllowedOrigin,
		RSVPLimit:         cfg.RSVP.Limit,
		RSVPWindow:        cfg.RSVP.Window,
		ItemsTTL:          cfg.Items.CacheTTL,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Redis.URL != "" {
		relay, relayErr := push.NewRedisRelay(cfg.Redis.URL, h, log)
		if relayErr != nil {
			return relayErr
		}
		defer func() { err = multierr.Append(err, relay.Close()) }()
		opts.Publisher = relay
		g.Go(func() error { return relay.Run(gctx) })
	}

	srv, err := httpapi.New(opts)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop the hub first so open streams end and Shutdown does not wait on them.
		h.Send(context.Background(), push.Shutdown{})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, seed []string, log *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.DSN, cfg.Store.ConnectRetries, seed, log)
	default:
		return store.NewMemory(seed, nil), nil
	}
}
