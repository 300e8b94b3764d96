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

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shiftroute/internal/api"
	"shiftroute/internal/buildinfo"
	"shiftroute/internal/config"
	"shiftroute/internal/events"
	"shiftroute/internal/geocode"
	"shiftroute/internal/logging"
	"shiftroute/internal/metrics"
	"shiftroute/internal/opt"
	"shiftroute/internal/route"
	"shiftroute/internal/store"
	"shiftroute/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "shiftroute.yaml", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print build info and exit")
	flag.Parse()

	if *showVersion {
		info := buildinfo.Info()
		fmt.Printf("shiftroute %s (commit %s, built %s)\n", info["version"], info["commit"], info["builtAt"])
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.RegisterDefault()

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()
	log.WithField("driver", cfg.Database.Driver).Info("store ready")

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Warn("redis unreachable, using in-process events and no geocode cache")
			_ = client.Close()
		} else {
			rdb = client
			defer func() { _ = rdb.Close() }()
		}
	}

	var broker events.Broker = events.NewMemory()
	if rdb != nil {
		broker = events.NewRedis(rdb, log)
	}

	var resolver geocode.Resolver
	if cfg.Geocode.ORSAPIKey != "" {
		resolver = geocode.NewORS(geocode.ORSOptions{
			BaseURL:           cfg.Geocode.BaseURL,
			APIKey:            cfg.Geocode.ORSAPIKey,
			Country:           cfg.Geocode.Country,
			RequestsPerMinute: cfg.Geocode.RequestsPerMinute,
		})
		if rdb != nil {
			resolver = geocode.NewCached(resolver, rdb, cfg.Geocode.CacheTTL, log)
		}
		log.Info("address geocoding enabled")
	}

	publishers := events.Multi{broker}
	if cfg.Webhook.URL != "" {
		n := webhooks.NewNotifier(webhooks.Options{
			URL:         cfg.Webhook.URL,
			Secret:      cfg.Webhook.Secret,
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Logger:      log,
		})
		go n.Run(ctx)
		publishers = append(publishers, n)
		log.WithField("url", cfg.Webhook.URL).Info("webhook delivery enabled")
	}

	if n := len(cfg.Optimizer.Legs); n > 0 {
		log.WithField("legs", n).Info("using configured leg table")
	}
	manager := route.NewManager(st, opt.New(cfg.Optimizer.Estimator(), opt.Bonus(cfg.Optimizer.PriorityBonusKm)), route.Options{
		ShiftWindow: cfg.Manager.ShiftWindow,
		MaxRetries:  cfg.Manager.MaxRetries,
		Resolver:    resolver,
		Publisher:   publishers,
		Logger:      log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(manager, st, broker, log).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "version": buildinfo.Version}).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore returns the configured route store and a function releasing it.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		s, err := store.OpenSQL(ctx, "sqlite", cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenSQL(ctx, "postgres", cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
}
