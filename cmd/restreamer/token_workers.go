package main

import (
	"context"
	"log/slog"
	"time"

	"webrtsp-restreamer/internal/auth"
)

// loopRunner schedules work on the event loop that owns the hub.
type loopRunner interface {
	Post(fn func()) bool
	Call(ctx context.Context, fn func()) error
}

// tokenTable is the part of the hub holding auth tokens.
type tokenTable interface {
	CleanupAuthTokens() int
	RestoreAuthToken(digest string, expiresAt time.Time)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func newTimeTicker(d time.Duration) sweepTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

type tokenWorkers struct {
	loop      loopRunner
	tokens    tokenTable
	store     auth.TokenStore
	logger    *slog.Logger
	now       func() time.Time
	newTicker tickerFactory
}

// restore loads persisted tokens into the hub. It runs before the loop
// starts, so the hub is touched directly.
func (w *tokenWorkers) restore(ctx context.Context) (int, error) {
	records, err := w.store.LoadActive(ctx, w.now())
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		w.tokens.RestoreAuthToken(record.Digest, record.ExpiresAt)
	}
	return len(records), nil
}

// sweep drops expired tokens from the hub and the store every interval
// until ctx ends.
func (w *tokenWorkers) sweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := w.newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			w.sweepOnce(ctx)
		}
	}
}

func (w *tokenWorkers) sweepOnce(ctx context.Context) {
	var removed int
	if err := w.loop.Call(ctx, func() { removed = w.tokens.CleanupAuthTokens() }); err != nil {
		return
	}
	purged, err := w.store.PurgeExpired(ctx, w.now())
	if err != nil {
		w.logger.Error("failed to purge expired auth tokens", "error", err)
		return
	}
	if removed > 0 || purged > 0 {
		w.logger.Debug("expired auth tokens swept", "removed", removed, "purged", purged)
	}
}

// consume applies tokens announced on the feed until the subscription ends
// or ctx is cancelled.
func (w *tokenWorkers) consume(ctx context.Context, sub auth.TokenSubscription) error {
	defer sub.Close()
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			w.apply(ctx, event)
		}
	}
}

func (w *tokenWorkers) apply(ctx context.Context, event auth.TokenEvent) {
	if event.Digest == "" || !w.now().Before(event.ExpiresAt) {
		return
	}
	if err := w.store.Save(ctx, event.Digest, event.ExpiresAt); err != nil {
		w.logger.Warn("failed to persist auth token", "error", err)
	}
	digest, expiresAt := event.Digest, event.ExpiresAt
	w.loop.Post(func() { w.tokens.RestoreAuthToken(digest, expiresAt) })
}
