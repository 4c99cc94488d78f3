package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/metrics"
)

func logMetricsSnapshot(l *slog.Logger) {
	snap := metrics.Snap()
	l.Info("metrics_snapshot",
		"cmd_packets", snap.CmdPackets,
		"status_packets", snap.StatusPackets,
		"retries", snap.Retries,
		"resends", snap.Resends,
		"chunks", snap.ChunksWritten,
		"image_bytes", snap.ImageBytes,
		"checksum_errors", snap.ChecksumErrors,
		"timeouts", snap.Timeouts,
		"errors", snap.Errors,
	)
}

// startMetricsLogger periodically logs counter snapshots while a long
// update runs (for non-Prometheus setups).
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logMetricsSnapshot(l)
			case <-ctx.Done():
				return
			}
		}
	}()
}
