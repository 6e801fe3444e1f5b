package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"serial_rx", snap.SerialRx,
					"serial_tx", snap.SerialTx,
					"push_broadcast", snap.PushBroadcast,
					"response_unicast", snap.ResponseUnicast,
					"response_broadcast", snap.ResponseBcast,
					"queue_timeouts", snap.QueueTimeouts,
					"errors", snap.Errors,
					"malformed", snap.Malformed,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
