package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/supportdesk/chatsync/internal/chatapi"
)

func main() {
	_ = godotenv.Load(".env")

	addr := flag.String("addr", envOrDefault("CHATSYNC_ADDR", ":8080"), "listen address")
	storeDSN := flag.String("store-dsn", strings.TrimSpace(os.Getenv("CHATSYNC_STORE_DSN")), "store DSN (empty or memory:// for in-memory, postgres:// for Postgres)")
	ratePerSecond := flag.Float64("rate", floatEnv("CHATSYNC_RATE_LIMIT", 0), "per-client requests per second (0 disables)")
	rateBurst := flag.Int("rate-burst", intEnv("CHATSYNC_RATE_BURST", 20), "per-client burst size")
	maxBodyBytes := flag.Int64("max-body-bytes", int64Env("CHATSYNC_MAX_BODY_BYTES", 1<<20), "request body size limit")
	verbose := flag.Bool("verbose", os.Getenv("CHATSYNC_VERBOSE") != "", "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := chatapi.OpenStore(*storeDSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	server, err := chatapi.NewServer(store, chatapi.ServerConfig{
		RatePerSecond: *ratePerSecond,
		RateBurst:     *rateBurst,
		MaxBodyBytes:  *maxBodyBytes,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chat backend listening", "addr", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
