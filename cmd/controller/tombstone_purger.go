package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type tombstonePurger interface {
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
}

type purgeTicker interface {
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

type tickerFactory func(time.Duration) purgeTicker

// startTombstonePurgeWorker drops deleted-session tombstones older than ttl
// every interval. The returned func stops the worker and waits for it.
func startTombstonePurgeWorker(ctx context.Context, logger *slog.Logger, store tombstonePurger, interval, ttl time.Duration) func() {
	return startTombstonePurgeWorkerWithTicker(ctx, logger, store, interval, ttl, time.Now, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startTombstonePurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store tombstonePurger,
	interval time.Duration,
	ttl time.Duration,
	now func() time.Time,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 || ttl <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				purged, err := store.PurgeTombstones(workerCtx, now().Add(-ttl))
				if err != nil {
					if logger != nil {
						logger.Error("failed to purge session tombstones", "error", err)
					}
					continue
				}
				if purged > 0 && logger != nil {
					logger.Info("purged session tombstones", "count", purged)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
