package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"webrtsp-restreamer/internal/agent"
	"webrtsp-restreamer/internal/auth"
	"webrtsp-restreamer/internal/config"
	"webrtsp-restreamer/internal/listing"
	"webrtsp-restreamer/internal/loop"
	"webrtsp-restreamer/internal/media"
	"webrtsp-restreamer/internal/mountpoint"
	"webrtsp-restreamer/internal/observability/logging"
	"webrtsp-restreamer/internal/observability/metrics"
	"webrtsp-restreamer/internal/recording"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/server"
	"webrtsp-restreamer/internal/session"
	"webrtsp-restreamer/internal/transport"
)

func main() {
	s, err := parseSettings(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: s.LogLevel, Format: s.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s, logger, nil); err != nil {
		logger.Error("restreamer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("restreamer stopped")
}

// run wires the gateway and blocks until ctx ends or a component fails.
// onListen, when set, receives the bound HTTP address.
func run(ctx context.Context, s settings, logger *slog.Logger, onListen func(net.Addr)) error {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	recorder := metrics.Default()

	reg := registry.New(listing.Build(cfg))
	sources, err := media.BuildSources(media.DetachedEngine{}, cfg)
	if err != nil {
		return fmt.Errorf("build media sources: %w", err)
	}
	hub := session.NewHub(session.HubConfig{
		Config:   cfg,
		Index:    mountpoint.NewIndex(cfg, sources, reg),
		Registry: reg,
		Logger:   logger,
		Metrics:  recorder,
	})
	lp := loop.New(s.LoopQueue, logging.WithComponent(logger, "loop"))

	store, closeStore, err := openTokenStore(ctx, s)
	if err != nil {
		return err
	}
	defer closeStore()

	workers := &tokenWorkers{
		loop:      lp,
		tokens:    hub,
		store:     store,
		logger:    logging.WithComponent(logger, "auth"),
		now:       time.Now,
		newTicker: newTimeTicker,
	}
	restored, err := workers.restore(ctx)
	if err != nil {
		return fmt.Errorf("restore auth tokens: %w", err)
	}
	if restored > 0 {
		logger.Info("auth tokens restored", "count", restored)
	}

	watcher, err := recording.NewWatcher(s.WatchQuiet, logger)
	if err != nil {
		return err
	}
	evictors, err := recording.WatchRecordDirs(watcher, cfg, logger, recorder)
	if err != nil {
		return err
	}
	if err := recording.WatchPlayerDirs(watcher, cfg, reg, lp.Post, logger); err != nil {
		return err
	}

	transportCfg := transport.Config{
		Hub:               hub,
		Loop:              lp,
		Logger:            logger,
		HeartbeatInterval: s.HeartbeatInterval,
	}
	upgrader, err := transport.NewServer(transport.ServerConfig{
		Config:         transportCfg,
		AllowedOrigins: s.AllowedOrigins,
		CookieName:     s.CookieName,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(upgrader, server.Config{
		Addr:        s.Addr,
		TLS:         s.TLS,
		RateLimit:   s.RateLimit,
		Logger:      logger,
		Metrics:     recorder,
		WebRTSPPath: s.WebRTSPPath,
		Ready: func() error {
			select {
			case <-lp.Done():
				return errors.New("event loop stopped")
			default:
				return nil
			}
		},
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return lp.Run(groupCtx) })
	group.Go(func() error { return watcher.Run(groupCtx) })
	group.Go(func() error { return workers.sweep(groupCtx, s.SweepInterval) })
	group.Go(func() error { return srv.Run(groupCtx, onListen) })

	if s.tokenFeedEnabled() {
		feedCfg := s.TokenFeed
		feedCfg.Logger = logging.WithComponent(logger, "token-feed")
		feed, err := auth.NewRedisTokenFeed(feedCfg)
		if err != nil {
			return err
		}
		defer feed.Close()
		group.Go(func() error { return workers.consume(groupCtx, feed.Subscribe()) })
	}

	if cfg.AgentMode() {
		client, err := agent.New(agent.Config{
			Upstream:  cfg.SignallingServer,
			Transport: transportCfg,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error { return client.Run(groupCtx) })
	}

	logger.Info("restreamer starting",
		"addr", s.Addr,
		"streamers", len(cfg.Streamers),
		"recorders", len(evictors),
		"agent", cfg.AgentMode(),
		"token_store", s.TokenStore,
	)
	return group.Wait()
}

func openTokenStore(ctx context.Context, s settings) (auth.TokenStore, func(), error) {
	switch s.TokenStore {
	case tokenStorePostgres:
		loadCtx, cancel := context.WithTimeout(ctx, defaultPostgresLoadTO)
		defer cancel()
		store, err := auth.NewPostgresTokenStore(loadCtx, s.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres token store: %w", err)
		}
		return store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), defaultPurgeTimeout)
			defer cancel()
			_ = store.Close(closeCtx)
		}, nil
	default:
		return auth.NewMemoryTokenStore(), func() {}, nil
	}
}
