package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/park285/cheese-puzzle-trainer/internal/chessbuilder"
	appcfg "github.com/park285/cheese-puzzle-trainer/internal/config"
	"github.com/park285/cheese-puzzle-trainer/internal/obslog"
	"github.com/park285/cheese-puzzle-trainer/internal/tui"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "puzzle-trainer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// the terminal belongs to tview, so logs only go to a file
	logOpt := obslog.OptionsFromEnv()
	logOpt.ToConsole = false
	if err := obslog.Init(logOpt); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := chessbuilder.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("shutdown_error", zap.Error(err))
		}
	}()

	logger.Info("trainer_start",
		zap.String("api", cfg.PuzzleAPIURL),
		zap.Bool("evaluation", deps.Launcher != nil),
		zap.Bool("cache", deps.Cache != nil),
	)

	app := tui.New(tui.Options{
		Source:      deps.Source(),
		Evaluators:  deps.Evaluators(),
		Catalog:     deps.Catalog,
		Logger:      logger,
		Rating:      cfg.DefaultRating,
		ReplyDelay:  cfg.ReplyDelay,
		SolvedDelay: cfg.SolvedDelay,
	})
	return app.Run(ctx)
}
