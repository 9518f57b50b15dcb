package monitor

import (
	"context"
	"log"
	"os"
	"time"
)

// Run starts the two periodic tasks (poll_vehicles and refresh_catalog),
// each on its own sleep-compensated ticker, and blocks until shutdownSignal
// fires or ctx is cancelled. Grounded on gtfs-monitor/monitor.go's single
// sleep-compensated loop, generalized from one task to two independently-
// scheduled ones running in their own goroutines.
func Run(ctx context.Context, t *Tracker, pollInterval, catalogInterval time.Duration, shutdownSignal chan os.Signal) {
	if err := t.WarmStartFromDB(); err != nil {
		t.log.Printf("monitor: warm start from db failed, starting cold: %v", err)
	}

	done := make(chan struct{})
	go func() {
		runTicker(ctx, t.log, "poll_vehicles", pollInterval, func() { _ = t.runPollCycle(ctx) })
		close(done)
	}()

	catalogDone := make(chan struct{})
	go func() {
		runTicker(ctx, t.log, "refresh_catalog", catalogInterval, func() { _ = t.refreshCatalog(ctx) })
		close(catalogDone)
	}()

	select {
	case <-shutdownSignal:
		t.log.Printf("monitor: exiting on shutdown signal")
	case <-ctx.Done():
		t.log.Printf("monitor: exiting on context cancellation")
	}
}

// runTicker runs fn every interval, compensating for how long fn itself
// took (a still-running fn is never started twice: max_instances=1 is
// naturally enforced since this loop only ever starts fn after the
// previous call returns — tick boundaries that pass while fn is still
// running are skipped, and the next run starts at the following boundary).
// Exits when ctx is cancelled.
func runTicker(ctx context.Context, logger *log.Logger, name string, interval time.Duration, fn func()) {
	sleep := time.Duration(0)
	for {
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		fn()
		workTook := time.Since(start)

		if workTook >= interval {
			sleep = 0
			if interval > 0 {
				sleep = interval - workTook%interval
			}
			logger.Printf("monitor: %s took %s, longer than its %s interval, skipping missed ticks and running again in %s", name, workTook, interval, sleep)
		} else {
			sleep = interval - workTook
		}
	}
}
