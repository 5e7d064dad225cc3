package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/park285/cheese-puzzle-trainer/internal/chess/uci"
	appcfg "github.com/park285/cheese-puzzle-trainer/internal/config"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle/source"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
)

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed, color.Bold).SprintFunc()
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		fmt.Println(bad("config error:"), err)
		os.Exit(2)
	}

	failed := false
	client := source.NewClient(cfg.PuzzleAPIURL, source.WithTimeout(8*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h, err := client.Health(ctx)
	cancel()
	if err != nil {
		fmt.Printf("%s /api/health: %v\n", bad("FAIL"), err)
		failed = true
	} else {
		fmt.Printf("%s /api/health: status=%s database=%s\n", ok("OK"), h.Status, h.Database)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	p, err := client.Fetch(ctx, cfg.DefaultRating)
	cancel()
	switch {
	case err != nil:
		fmt.Printf("%s /api/puzzle?rating=%d: %v\n", bad("FAIL"), cfg.DefaultRating, err)
		failed = true
	default:
		if verr := p.Validate(); verr != nil {
			fmt.Printf("%s puzzle %s: %v\n", bad("FAIL"), p.ID, verr)
			failed = true
		} else {
			fmt.Printf("%s puzzle %s rating=%d moves=%d themes=%s\n", ok("OK"), p.ID, p.Rating, p.Len(), p.ThemesText())
		}
	}

	if !cfg.EvaluationEnabled() {
		fmt.Println(warn("SKIP"), "STOCKFISH_PATH not set; skipping engine check")
	} else if err := checkEngine(cfg, p); err != nil {
		fmt.Printf("%s engine: %v\n", bad("FAIL"), err)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

// checkEngine runs one handshake and waits for the first scored info line.
func checkEngine(cfg *appcfg.AppConfig, p *puzzle.Puzzle) error {
	l, err := uci.NewLauncher(uci.LauncherConfig{
		BinaryPath:   cfg.StockfishPath,
		Options:      uci.Options{Threads: cfg.EngineThreads, HashMB: cfg.EngineHashMB, Depth: cfg.EngineDepth},
		MaxProcesses: 1,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	fen := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	if p != nil && p.Validate() == nil {
		if g, gerr := puzzle.NewGame(p.FEN); gerr == nil {
			fen = g.Position().String()
		}
	}

	scores := make(chan uci.Evaluation, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ch, err := l.OpenChannel(ctx, func(e uci.Evaluation) {
		select {
		case scores <- e:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Track(fen); err != nil {
		return err
	}

	select {
	case e := <-scores:
		fmt.Printf("%s engine: depth=%d eval=%s bar=%.1f%%\n", ok("OK"), e.Depth,
			trainer.EvalText(e.Score), trainer.BarPercent(e.Score))
		return nil
	case <-ch.Done():
		return uci.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("no score within timeout: %w", ctx.Err())
	}
}
