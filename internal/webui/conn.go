package webui

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/render"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type ClientMessage struct {
	Type      string `json:"type"`
	Rating    int    `json:"rating,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
}

type ServerFrame struct {
	Type     string            `json:"type"`
	State    *trainer.Snapshot `json:"state,omitempty"`
	Header   string            `json:"header,omitempty"`
	Outcome  string            `json:"outcome,omitempty"`
	Rejected bool              `json:"rejected,omitempty"`
	Message  string            `json:"message,omitempty"`
	Blocking bool              `json:"blocking,omitempty"`
	PNG      string            `json:"png,omitempty"`
}

const (
	frameState    = "state"
	frameResult   = "result"
	frameNotice   = "notice"
	frameSolved   = "solved"
	frameSnapshot = "snapshot"
	frameError    = "error"

	writeTimeout = 5 * time.Second
	fetchTimeout = 15 * time.Second

	// MaxFrameBytes bounds any server frame, snapshot PNGs included. Clients
	// must accept messages of this size (nhooyr's default read limit is 32 KiB).
	MaxFrameBytes = 1 << 20
	// frame envelope allowance on top of the base64 payload
	snapshotOverhead = 256
)

var errSnapshotTooLarge = errors.New("snapshot exceeds frame limit")

type conn struct {
	srv     *Server
	ws      *websocket.Conn
	session *trainer.Session
	id      string
	logger  *zap.Logger

	out      chan ServerFrame
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	rating int
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	c := &conn{
		srv:    srv,
		ws:     ws,
		out:    make(chan ServerFrame, 64),
		stopCh: make(chan struct{}),
		rating: srv.cfg.DefaultRating,
	}
	c.session = trainer.New(trainer.Options{
		Evaluators:  srv.cfg.Evaluators,
		Catalog:     srv.cfg.Catalog,
		Logger:      srv.logger,
		Clock:       srv.cfg.Clock,
		ReplyDelay:  srv.cfg.ReplyDelay,
		SolvedDelay: srv.cfg.SolvedDelay,
		OnChange:    c.onChange,
		OnSolved:    c.onSolved,
	})
	c.id = c.session.ID()
	c.logger = srv.logger.With(zap.String("session_id", c.id))
	return c
}

func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer func() {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("session_close_failed", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(ctx)
	}()

	c.load(ctx, c.currentRating())
	c.readLoop(ctx)

	c.shutdown(websocket.StatusNormalClosure, "bye")
	cancel()
	wg.Wait()
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !c.isStopping() {
				c.logger.Debug("ws_read_error", zap.Error(err))
			}
			return
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.send(ServerFrame{Type: frameError, Message: err.Error()})
		}
	}
}

func (c *conn) dispatch(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case "load":
		rating := msg.Rating
		if rating <= 0 {
			rating = c.currentRating()
		}
		c.setRating(rating)
		c.load(ctx, rating)
	case "move":
		out, err := c.session.AttemptMove(trainer.Candidate{From: msg.From, To: msg.To, Promotion: msg.Promotion})
		if err != nil && !errors.Is(err, trainer.ErrNoPuzzle) {
			return err
		}
		c.send(ServerFrame{Type: frameResult, Outcome: out.String(), Rejected: out.Rejected()})
	case "state":
		snap := c.session.Snapshot()
		c.send(ServerFrame{Type: frameState, State: &snap, Header: c.header(snap)})
	case "snapshot":
		snap := c.session.Snapshot()
		if snap.FEN == "" {
			return trainer.ErrNoPuzzle
		}
		png, err := render.PNG(ctx, render.FrameFromSnapshot(snap, c.header(snap)))
		if err != nil {
			return err
		}
		if base64.StdEncoding.EncodedLen(len(png))+snapshotOverhead > MaxFrameBytes {
			return errSnapshotTooLarge
		}
		c.send(ServerFrame{Type: frameSnapshot, PNG: base64.StdEncoding.EncodeToString(png)})
	default:
		return errUnknownMessage
	}
	return nil
}

// load fetches a puzzle; failures become blocking notices and leave the
// current puzzle in place.
func (c *conn) load(ctx context.Context, rating int) {
	if c.srv.cfg.Source == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	err := c.session.Next(fctx, c.srv.cfg.Source, rating)
	if err == nil {
		return
	}
	cat := c.srv.cfg.Catalog
	var msg string
	switch {
	case errors.Is(err, puzzle.ErrNoPuzzle):
		msg = cat.Text("notice.no_puzzle", map[string]any{"Rating": rating}, "No puzzle found for this rating.")
	case errors.Is(err, puzzle.ErrMalformedPuzzle):
		msg = cat.Text("notice.malformed", map[string]any{"Reason": err.Error()}, "The puzzle cannot be played.")
	case errors.Is(err, trainer.ErrClosed):
		return
	default:
		msg = cat.Text("notice.fetch_failed", nil, "Could not reach backend.")
	}
	c.logger.Warn("puzzle_load_failed", zap.Int("rating", rating), zap.Error(err))
	c.send(ServerFrame{Type: frameNotice, Message: msg, Blocking: true})
}

func (c *conn) onChange(snap trainer.Snapshot) {
	c.send(ServerFrame{Type: frameState, State: &snap, Header: c.header(snap)})
}

func (c *conn) onSolved(snap trainer.Snapshot) {
	msg := c.srv.cfg.Catalog.Text("notice.solved", nil, "Excellent! Puzzle Solved.")
	c.send(ServerFrame{Type: frameSolved, State: &snap, Message: msg})
}

func (c *conn) header(snap trainer.Snapshot) string {
	if snap.PuzzleID == "" {
		return ""
	}
	themes := strings.Join(snap.Themes, ", ")
	return c.srv.cfg.Catalog.Text("header.puzzle", map[string]any{"Rating": snap.Rating, "Themes": themes}, "")
}

func (c *conn) send(f ServerFrame) {
	select {
	case c.out <- f:
	case <-c.stopCh:
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, f)
			cancel()
			if err != nil {
				if !c.isStopping() {
					c.logger.Debug("ws_write_error", zap.Error(err))
				}
				c.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *conn) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.srv.cfg.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.shutdown(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *conn) currentRating() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rating
}

func (c *conn) setRating(r int) {
	c.mu.Lock()
	c.rating = r
	c.mu.Unlock()
}
