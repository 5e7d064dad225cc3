package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/cheese-puzzle-trainer/internal/chessbuilder"
	appcfg "github.com/park285/cheese-puzzle-trainer/internal/config"
	"github.com/park285/cheese-puzzle-trainer/internal/obslog"
	"github.com/park285/cheese-puzzle-trainer/internal/webui"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := chessbuilder.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init_error", zap.Error(err))
	}

	ui := webui.NewServer(webui.Config{
		Source:        deps.Source(),
		Evaluators:    deps.Evaluators(),
		Catalog:       deps.Catalog,
		Logger:        logger,
		Backend:       deps.Client,
		DefaultRating: cfg.DefaultRating,
		ReplyDelay:    cfg.ReplyDelay,
		SolvedDelay:   cfg.SolvedDelay,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ui.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listen", zap.String("addr", cfg.ListenAddr),
			zap.Bool("evaluation", deps.Launcher != nil), zap.Bool("cache", deps.Cache != nil))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		errs = append(errs, httpSrv.Shutdown(sctx))
		errs = append(errs, ui.Close(sctx))
		errs = append(errs, deps.Close())
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_exit", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
	logger.Info("server_stopped")
}
