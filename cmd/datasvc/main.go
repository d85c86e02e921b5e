// datasvc is the market data service: upstream broker WebSocket connectors,
// tick/candle ingestion into Redis, a downstream fan-out WebSocket and the
// admin HTTP control plane, all in one binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-data-service/config"
	"market-data-service/internal/api"
	"market-data-service/internal/gateway"
	"market-data-service/internal/history"
	"market-data-service/internal/ingest"
	"market-data-service/internal/logger"
	"market-data-service/internal/masterdata"
	"market-data-service/internal/metrics"
	"market-data-service/internal/store/postgres"
	"market-data-service/internal/store/redis"
	"market-data-service/internal/tokens"
	"market-data-service/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("datasvc", cfg.LogLevel)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := redis.New(redis.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	}, logger.Component(log, "cache"))
	cache.SetMetrics(m)
	defer cache.Close()

	var pg *postgres.Pool
	if cfg.DatabaseURL != "" {
		pg, err = postgres.New(ctx, cfg.DatabaseURL, logger.Component(log, "postgres"))
		if err != nil {
			log.Error().Err(err).Msg("master database unavailable, FNO refresh disabled")
			pg = nil
		} else {
			defer pg.Close()
		}
	}

	loader := tokens.New(cache, tokens.Config{
		ServiceURL:   cfg.TokenServiceURL,
		AccountIDs:   cfg.ParseAccountIDs(),
		EnvPrimary:   cfg.AccessToken,
		EnvSecondary: cfg.AccessTokenSecondary,
	}, logger.Component(log, "tokens"))

	registry := gateway.NewRegistry()
	hub := gateway.NewHub(registry, logger.Component(log, "gateway"), m)
	pipeline := ingest.New(cache, hub, logger.Component(log, "ingest"), m)

	sup := upstream.New(upstream.Config{
		BaseURL:     cfg.UpstoxBaseURL,
		Instruments: cfg.ParseInstruments(),
	}, loader, pipeline, logger.Component(log, "upstream"), m)

	histClient := history.NewClient(cfg.UpstoxBaseURL, sup.PrimaryToken, logger.Component(log, "history"))
	hydrator := history.NewHydrator(histClient, cache, hub, cfg.HistoryWorkers,
		logger.Component(log, "history"), m)
	defer hydrator.Stop()
	hub.SetHistory(hydrator)

	if err := sup.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("upstream startup failed")
	}
	defer sup.Stop()

	var source masterdata.UnderlyingSource
	if pg != nil {
		source = pg
	}
	scheduler := masterdata.New(cache, source, logger.Component(log, "masterdata"))
	go scheduler.Run(ctx)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.NewServer(sup, pipeline, cache, registry, hub,
			logger.Component(log, "api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	hub.Shutdown()
}
