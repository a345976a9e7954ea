package credit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy retries a unit of work on ErrTransient. Delays[i] is the wait
// before attempt i+2, so len(Delays)+1 attempts are made in total.
type RetryPolicy struct {
	Delays []time.Duration
	// Sleep waits for d or until ctx ends. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits 5s, 10s then 20s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}}
}

// Do runs fn until it succeeds, fails permanently or the delays run out.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt >= len(p.Delays) {
			return err
		}

		delay := p.Delays[attempt]
		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("credit operation hit transient failure, retrying")

		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
