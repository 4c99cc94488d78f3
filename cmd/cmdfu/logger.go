package main

import (
	"log/slog"
	"os"

	"github.com/elliott-bfs/cmdfu/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "cmdfu")
	logging.Set(l)
	return l
}
