// Package chessbuilder assembles the puzzle source, engine launcher and
// message catalog from an AppConfig.
package chessbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-puzzle-trainer/internal/chess/uci"
	"github.com/park285/cheese-puzzle-trainer/internal/config"
	"github.com/park285/cheese-puzzle-trainer/internal/msgcat"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle/cache"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle/source"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deps struct {
	Client   *source.Client
	Cache    *cache.Store
	Launcher *uci.Launcher
	Catalog  *msgcat.Catalog

	rdb *redis.Client
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	deps := &Deps{
		Catalog: catalog,
		Client:  source.NewClient(cfg.PuzzleAPIURL, source.WithLogger(logger)),
	}

	// Redis is optional; without it every puzzle comes straight from the backend.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("puzzle_cache_disabled", zap.Error(err))
		} else {
			deps.rdb = rdb
			deps.Cache = cache.NewStore(rdb, deps.Client,
				cache.WithPrefetch(cfg.PrefetchCount),
				cache.WithLogger(logger),
			)
		}
	}

	if cfg.EvaluationEnabled() {
		l, err := uci.NewLauncher(uci.LauncherConfig{
			BinaryPath: cfg.StockfishPath,
			Options: uci.Options{
				Threads: cfg.EngineThreads,
				HashMB:  cfg.EngineHashMB,
				Depth:   cfg.EngineDepth,
			},
			MaxProcesses: cfg.EngineMaxProcesses,
			Logger:       logger,
		})
		if err != nil {
			// puzzles stay playable, the bar just never moves
			logger.Warn("evaluation_disabled", zap.String("path", cfg.StockfishPath), zap.Error(err))
		} else {
			deps.Launcher = l
		}
	}
	return deps, nil
}

// Source is the cache when Redis is configured, the HTTP client otherwise.
func (d *Deps) Source() puzzle.Source {
	if d.Cache != nil {
		return d.Cache
	}
	return d.Client
}

func (d *Deps) Evaluators() trainer.EvaluatorFactory {
	if d.Launcher == nil {
		return nil
	}
	return d.Launcher
}

// Close stops engine processes, drains background prefetches and closes Redis.
func (d *Deps) Close() error {
	var errs []error
	if d.Launcher != nil {
		errs = append(errs, d.Launcher.Close())
	}
	if d.Cache != nil {
		done := make(chan struct{})
		go func() {
			d.Cache.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	if d.rdb != nil {
		errs = append(errs, d.rdb.Close())
	}
	return errors.Join(errs...)
}
