package adapter

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "chanrelay/pkg/logx"
)

// maxFloodWait caps how long one call waits out a flood limit. Longer
// waits are returned to the caller as errors.
const maxFloodWait = 5 * time.Minute

// floodDelay extracts the retry_after Telegram sent with a 429.
func floodDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var fe tele.FloodError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	var pfe *tele.FloodError
	if errors.As(err, &pfe) && pfe != nil && pfe.RetryAfter > 0 {
		return time.Duration(pfe.RetryAfter) * time.Second, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withFlood runs fn. After a flood error it waits the requested time once
// and runs fn again.
func (a *Adapter) withFlood(ctx context.Context, op string, fn func() error) error {
	err := fn()
	d, ok := floodDelay(err)
	if !ok || d > maxFloodWait {
		return err
	}
	a.log.Warn("flood limit hit; waiting", logx.String("op", op), logx.Duration("retry_after", d))
	sleep := a.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if serr := sleep(ctx, d); serr != nil {
		return err
	}
	return fn()
}
