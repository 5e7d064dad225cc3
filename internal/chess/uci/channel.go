package uci

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultThreads = 4
	DefaultHashMB  = 128
	DefaultDepth   = 12
)

type Options struct {
	Threads int
	HashMB  int
	Depth   int
}

func (o Options) withDefaults() Options {
	if o.Threads <= 0 {
		o.Threads = DefaultThreads
	}
	if o.HashMB <= 0 {
		o.HashMB = DefaultHashMB
	}
	if o.Depth <= 0 {
		o.Depth = DefaultDepth
	}
	return o
}

// Evaluation is a score for a tracked position, normalised so that
// positive favours White.
type Evaluation struct {
	FEN   string
	Score int
	Raw   Score
	Depth int
}

type handshake int

const (
	awaitingUCIOK handshake = iota
	awaitingReady
	ready
)

// Channel drives one engine process for one tracking scope. It performs the
// uci/isready handshake once and then re-searches whenever Track is called.
type Channel struct {
	proc    Process
	opt     Options
	onScore func(Evaluation)
	logger  *zap.Logger
	onClose func(*Channel)

	mu          sync.Mutex
	state       handshake
	fen         string
	whiteToMove bool
	// searches issued with go that have not yet answered bestmove. Scores
	// are only attributed while exactly one is outstanding.
	outstanding int
	closed      bool
	done        chan struct{}
}

// OpenChannel takes ownership of proc and sends the opening "uci".
func OpenChannel(proc Process, opt Options, onScore func(Evaluation), logger *zap.Logger) (*Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		proc:    proc,
		opt:     opt.withDefaults(),
		onScore: onScore,
		logger:  logger,
		state:   awaitingUCIOK,
		done:    make(chan struct{}),
	}
	if err := proc.Send("uci"); err != nil {
		_ = proc.Close()
		return nil, fmt.Errorf("send uci: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Track points the engine at fen. Before the handshake completes the position
// is remembered and searched on readyok.
func (c *Channel) Track(fen string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.fen = strings.TrimSpace(fen)
	c.whiteToMove = whiteToMove(c.fen)
	if c.state != ready {
		return nil
	}
	if c.outstanding > 0 {
		c.send("stop")
	}
	return c.searchLocked()
}

// Close releases the engine process. Lines still in flight are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.proc.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
	c.logger.Debug("engine_channel_close")
	return err
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) readLoop() {
	defer close(c.done)
	for line := range c.proc.Lines() {
		if ev, ok := c.handle(ParseLine(line)); ok && c.onScore != nil {
			c.onScore(ev)
		}
	}
}

func (c *Channel) handle(ev Event) (Evaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Evaluation{}, false
	}

	switch ev.Kind {
	case EventUCIOK:
		if c.state != awaitingUCIOK {
			return Evaluation{}, false
		}
		c.send(fmt.Sprintf("setoption name Threads value %d", c.opt.Threads))
		c.send(fmt.Sprintf("setoption name Hash value %d", c.opt.HashMB))
		c.send("isready")
		c.state = awaitingReady
	case EventReadyOK:
		if c.state != awaitingReady {
			return Evaluation{}, false
		}
		c.state = ready
		c.logger.Debug("engine_channel_ready", zap.Bool("tracking", c.fen != ""))
		if c.fen != "" {
			_ = c.searchLocked()
		}
	case EventBestMove:
		if c.outstanding > 0 {
			c.outstanding--
		}
	case EventInfo:
		if !ev.HasScore || c.outstanding != 1 || c.fen == "" {
			return Evaluation{}, false
		}
		return Evaluation{
			FEN:   c.fen,
			Score: Normalize(ev.Score.Centipawns(), c.whiteToMove),
			Raw:   ev.Score,
			Depth: ev.Depth,
		}, true
	}
	return Evaluation{}, false
}

func (c *Channel) searchLocked() error {
	if err := c.send("position fen " + c.fen); err != nil {
		return err
	}
	if err := c.send(fmt.Sprintf("go depth %d", c.opt.Depth)); err != nil {
		return err
	}
	c.outstanding++
	return nil
}

func (c *Channel) send(cmd string) error {
	if err := c.proc.Send(cmd); err != nil {
		c.logger.Warn("engine_send_failed", zap.String("cmd", cmd), zap.Error(err))
		return err
	}
	return nil
}

// Normalize converts a side-to-move relative score to White's perspective.
func Normalize(raw int, whiteToMove bool) int {
	if whiteToMove {
		return raw
	}
	return -raw
}

func whiteToMove(fen string) bool {
	fields := strings.Fields(fen)
	if len(fields) < 2 {
		return true
	}
	return fields[1] != "b"
}
