package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/veltalk/roomsync/cache"
	"github.com/veltalk/roomsync/client"
	"github.com/veltalk/roomsync/internal/config"
	"github.com/veltalk/roomsync/internal/httpapi"
	"github.com/veltalk/roomsync/pkg/log"
	"github.com/veltalk/roomsync/remote"
	"github.com/veltalk/roomsync/remote/redisstore"
	"github.com/veltalk/roomsync/remote/remotetest"
	"github.com/veltalk/roomsync/remote/wsfeed"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		boot := log.L()
		boot.Fatal().Err(err).Msg("load configuration")
	}

	log.Init(cfg.Log)
	logger := log.L()

	logger.Info().
		Str("cache", cfg.Cache.Backend).
		Str("remote", cfg.Remote.Backend).
		Str("feed", cfg.Feed.Backend).
		Msg("roomsyncd starting")

	var cacheStore cache.Store
	switch cfg.Cache.Backend {
	case "pebble":
		cacheStore, err = cache.OpenPebble(cfg.Cache.Path, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("open local cache")
		}
	default:
		cacheStore = cache.NewMemory()
	}
	defer cacheStore.Close()

	var feed remote.ChangeFeed
	var remoteStore remote.Store
	switch cfg.Remote.Backend {
	case "redis":
		rs, err := redisstore.New(cfg.Remote.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis store")
		}
		defer rs.Close()
		remoteStore = rs
		if cfg.Feed.Backend == "redis" {
			feed = rs
		}
	default:
		remoteStore = remotetest.NewFake()
		logger.Warn().Msg("using the in-process offline store, state is not durable")
	}
	if cfg.Feed.Backend == "websocket" {
		wf := wsfeed.New(cfg.Feed.Websocket, logger)
		defer wf.Close()
		feed = wf
	}

	cli, err := client.New(client.Options{
		SelfID: cfg.Client.SelfID,
		Store:  remoteStore,
		Cache:  cacheStore,
		Feed:   feed,
		Logger: &logger,
		Retry: client.RetryPolicy{
			MaxRetries:     cfg.Client.Retry.MaxRetries,
			Base:           cfg.Client.Retry.Base,
			Cap:            cfg.Client.Retry.Cap,
			AttemptTimeout: cfg.Client.Retry.AttemptTimeout,
		},
		QueueSize:        cfg.Client.QueueSize,
		RefreshEvery:     cfg.Client.RefreshEvery,
		PokeMinInterval:  cfg.Client.PokeMinInterval,
		GroupConcurrency: cfg.Client.GroupConcurrency,
		ProfileTTL:       cfg.Client.ProfileTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build sync client")
	}
	defer cli.Close()

	router := httpapi.NewRouter(httpapi.NewHandler(cli), logger, cfg.Log.Level == "debug")

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("roomsyncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
}
