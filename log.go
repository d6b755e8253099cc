package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (DEBUG, INFO, WARN, ERROR)", s)
	}
}

func initLogger() error {
	level, err := parseLevel(FlagVerbose)
	if err != nil {
		return err
	}
	// Explicitly use text handler
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level, // set log level
	}))
	slog.SetDefault(logger)
	return nil
}
