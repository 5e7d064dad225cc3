package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var ErrLauncherFull = errors.New("engine launcher at capacity")

// Evaluator is the part of a Channel a puzzle session depends on.
type Evaluator interface {
	Track(fen string) error
	Close() error
}

type StartFunc func(ctx context.Context) (Process, error)

type LauncherConfig struct {
	BinaryPath   string
	Options      Options
	MaxProcesses int
	Logger       *zap.Logger
	// Start overrides how processes are spawned; tests inject fakes here.
	Start StartFunc
}

// Launcher opens engine channels and caps how many run at once.
type Launcher struct {
	opt    Options
	max    int
	start  StartFunc
	logger *zap.Logger

	mu     sync.Mutex
	live   map[*Channel]struct{}
	closed bool
}

func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := cfg.Start
	if start == nil {
		if cfg.BinaryPath == "" {
			return nil, fmt.Errorf("binary path required")
		}
		if _, err := os.Stat(cfg.BinaryPath); err != nil {
			return nil, fmt.Errorf("stockfish binary check: %w", err)
		}
		path := cfg.BinaryPath
		start = func(ctx context.Context) (Process, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return StartProcess(path, logger)
		}
	}
	max := cfg.MaxProcesses
	if max <= 0 {
		max = defaultMaxProcesses()
	}
	return &Launcher{
		opt:    cfg.Options.withDefaults(),
		max:    max,
		start:  start,
		logger: logger,
		live:   make(map[*Channel]struct{}),
	}, nil
}

// OpenChannel starts a process and performs the opening handshake send.
func (l *Launcher) OpenChannel(ctx context.Context, onScore func(Evaluation)) (*Channel, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if len(l.live) >= l.max {
		l.mu.Unlock()
		return nil, ErrLauncherFull
	}
	// reserve the slot while the process starts
	placeholder := &Channel{}
	l.live[placeholder] = struct{}{}
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		delete(l.live, placeholder)
		l.mu.Unlock()
	}

	proc, err := l.start(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	ch, err := OpenChannel(proc, l.opt, onScore, l.logger)
	if err != nil {
		release()
		return nil, err
	}

	l.mu.Lock()
	delete(l.live, placeholder)
	if l.closed {
		l.mu.Unlock()
		_ = ch.Close()
		return nil, ErrClosed
	}
	ch.onClose = l.forget
	l.live[ch] = struct{}{}
	n := len(l.live)
	l.mu.Unlock()

	l.logger.Debug("engine_channel_open", zap.Int("live", n))
	return ch, nil
}

func (l *Launcher) Open(onScore func(Evaluation)) (Evaluator, error) {
	ch, err := l.OpenChannel(context.Background(), onScore)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Close closes every live channel; later Opens fail with ErrClosed.
func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	channels := make([]*Channel, 0, len(l.live))
	for ch := range l.live {
		if ch.proc != nil {
			channels = append(channels, ch)
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (l *Launcher) forget(ch *Channel) {
	l.mu.Lock()
	delete(l.live, ch)
	l.mu.Unlock()
}

func defaultMaxProcesses() int {
	cpu := runtime.NumCPU()
	if cpu < 2 {
		return 2
	}
	if cpu > 8 {
		return 8
	}
	return cpu
}
