package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/realtime"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().Dur("interval", cfg.SweepInterval).Msg("Starting credit-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	opts := []credit.Option{
		credit.WithRetryPolicy(credit.RetryPolicy{Delays: cfg.DeductRetryDelays}),
		credit.WithLowBalanceThreshold(cfg.LowBalanceThreshold),
	}
	if rdb != nil {
		// Events reach connected clients through the API hub's redis channel.
		opts = append(opts, credit.WithNotifier(realtime.NewRedisPublisher(rdb)))
	}
	ledger := credit.NewService(credit.NewRepository(db, cfg.LockTimeout), opts...)

	worker := credit.NewExpiryWorker(ledger, rdb, cfg.SweepInterval, cfg.ExpirySweepLockTTL)
	worker.Start()
	defer worker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rdb != nil {
		go subscribeWakeups(ctx, rdb, cfg.WorkerWakeupsChannel, worker)
	} else {
		log.Warn().Msg("Redis not configured: running without sweep lock or wake-ups")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info().Msg("Shutdown signal received")
	cancel()
	worker.Stop()
	log.Info().Msg("credit-worker stopped")
}

// subscribeWakeups triggers an immediate sweep for every message on channel.
// The ticker still runs when nothing is published.
func subscribeWakeups(ctx context.Context, rdb *redis.Client, channel string, worker *credit.ExpiryWorker) {
	sub := rdb.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			log.Debug().Str("channel", msg.Channel).Msg("Sweep wake-up received")
			worker.Wake()
		}
	}
}
