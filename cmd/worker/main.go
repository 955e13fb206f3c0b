package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"blockattend/internal/config"
	"blockattend/internal/ledger"
	"blockattend/internal/queue"
	"blockattend/internal/store"
)

// Worker consumes queued attendance events and mirrors them on chain. Only
// useful with the redis queue backend; with the in-memory backend the API
// process runs the mirror itself.
func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Env != "production" && cfg.Env != "prod" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if cfg.QueueBackend != "redis" {
		log.Fatal().Msg("worker requires QUEUE_BACKEND=redis; the in-memory queue is not shared across processes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup, will keep polling")
	}
	q := queue.NewRedisQueue(redisClient.Client, "blockattend:marks")

	// Without a usable ledger the worker still runs, draining the queue so
	// the API's LPUSHes do not accumulate in redis.
	var submitter ledger.Submitter
	if cfg.LedgerContract == "" || cfg.LedgerSigner == "" {
		log.Warn().Msg("on-chain attendance not configured, draining queue without ledger writes")
	} else if client, err := ledger.Dial(ctx, cfg.LedgerRPCURL, cfg.LedgerContract, cfg.LedgerSigner); err != nil {
		log.Warn().Err(err).Msg("ledger init failed, draining queue without ledger writes")
	} else {
		defer client.Close()
		log.Info().Str("contract", cfg.LedgerContract).Msg("ledger connected")
		submitter = client
	}

	mirror := ledger.NewMirror(q, submitter, cfg.LedgerTimeout)
	if err := mirror.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("mirror failed")
	}
}
