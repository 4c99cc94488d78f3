package main

import (
	"context"
	"fmt"
	"os"

	"github.com/elliott-bfs/cmdfu/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("cmdfu %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l)

	var err error
	switch cfg.action {
	case "update":
		err = runUpdate(cfg, l)
	case "client-info":
		err = runClientInfo(cfg, l)
	case "tools-help":
		err = runToolsHelp()
	case "discover":
		err = runDiscover(cfg, l)
	}
	if cfg.logMetricsEvery > 0 {
		logMetricsSnapshot(l)
	}
	if err != nil {
		l.Error("action_failed", "action", cfg.action, "error", err)
		os.Exit(1)
	}
}
