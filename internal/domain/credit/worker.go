package credit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const sweepLockKey = "credits:expiry_sweep:lock"

// releaseLock deletes the lock only if this runner still owns it.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ExpiryWorker deactivates expired grants in the background
type ExpiryWorker struct {
	ledger   *Service
	redis    *redis.Client
	interval time.Duration
	lockTTL  time.Duration
	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewExpiryWorker creates a sweep worker. With a nil redis client every
// replica sweeps on its own; the sweep is idempotent either way.
func NewExpiryWorker(ledger *Service, rdb *redis.Client, interval, lockTTL time.Duration) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &ExpiryWorker{
		ledger:   ledger,
		redis:    rdb,
		interval: interval,
		lockTTL:  lockTTL,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker
func (w *ExpiryWorker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting credit expiry worker...")
	go w.loop()
}

// Stop stops the worker and waits for the running sweep to finish
func (w *ExpiryWorker) Stop() {
	w.stopOnce.Do(func() {
		log.Info().Msg("Stopping credit expiry worker...")
		close(w.stopCh)
	})
	<-w.doneCh
}

// Wake requests an immediate sweep. Requests made while one is pending are merged.
func (w *ExpiryWorker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *ExpiryWorker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	w.sweep()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.wakeCh:
			w.sweep()
		case <-w.stopCh:
			return
		}
	}
}

func (w *ExpiryWorker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := w.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to expire credit grants")
	}
}

// RunOnce performs one sweep. It returns 0 without sweeping when another
// runner holds the lock.
func (w *ExpiryWorker) RunOnce(ctx context.Context) (int64, error) {
	release, ok, err := w.acquire(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		log.Debug().Msg("Credit expiry sweep already running elsewhere, skipping")
		return 0, nil
	}
	defer release()

	count, err := w.ledger.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("Expired credit grants")
	}
	return count, nil
}

func (w *ExpiryWorker) acquire(ctx context.Context) (func(), bool, error) {
	if w.redis == nil {
		return func() {}, true, nil
	}

	token := uuid.NewString()
	ok, err := w.redis.SetNX(ctx, sweepLockKey, token, w.lockTTL).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, false, err
		}
		// Sweeping without the lock is safe, only wasteful.
		log.Warn().Err(err).Msg("Failed to take credit sweep lock, sweeping anyway")
		return func() {}, true, nil
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseLock.Run(ctx2, w.redis, []string{sweepLockKey}, token).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to release credit sweep lock")
		}
	}
	return release, true, nil
}
