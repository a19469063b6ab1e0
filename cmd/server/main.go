package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"twentyone/internal/config"
	"twentyone/internal/server"
	"twentyone/internal/storage"
	"twentyone/internal/table"
)

func main() {
	configPath := flag.String("config", "", "TOML config file (default $CONFIG_FILE)")
	envFile := flag.String("env", ".env", "dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.New(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	model := table.New(table.Config{
		Stake:      cfg.Table.Stake,
		MaxPlayers: cfg.Table.MaxPlayers,
	}, logger.With("component", "table"))

	srv := server.New(model, store, logger.With("component", "server"), server.Options{
		OutboxSize:    cfg.Server.OutboxSize,
		CommandRate:   cfg.Server.CommandRate,
		CommandBurst:  cfg.Server.CommandBurst,
		DefaultTokens: cfg.Table.StartingTokens,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "stake", cfg.Table.Stake, "ledger", cfg.Ledger.Path)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
