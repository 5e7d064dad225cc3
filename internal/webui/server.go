package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/park285/cheese-puzzle-trainer/internal/msgcat"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle/source"
	"github.com/park285/cheese-puzzle-trainer/internal/trainer"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type HealthChecker interface {
	Health(ctx context.Context) (*source.Health, error)
}

type Config struct {
	Source        puzzle.Source
	Evaluators    trainer.EvaluatorFactory
	Catalog       *msgcat.Catalog
	Logger        *zap.Logger
	Clock         trainer.Clock
	Backend       HealthChecker
	DefaultRating int
	ReplyDelay    time.Duration
	SolvedDelay   time.Duration
	PingInterval  time.Duration
	// OriginPatterns is passed to websocket.Accept; empty means same-origin.
	OriginPatterns []string
}

// Server bridges browser boards to trainer sessions, one per connection.
type Server struct {
	cfg    Config
	logger *zap.Logger
	mux    *http.ServeMux

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = msgcat.MustDefault()
	}
	if cfg.DefaultRating <= 0 {
		cfg.DefaultRating = 1500
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
		conns:  make(map[string]*conn),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Sessions reports how many connections are attached.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("ws_accept_failed", zap.Error(err))
		return
	}

	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c.id] = c
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Info("ws_session_open", zap.String("session_id", c.id), zap.Int("sessions", n))

	c.run(r.Context())

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.logger.Info("ws_session_close", zap.String("session_id", c.id))
}

type healthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend,omitempty"`
	Database string `json:"database,omitempty"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: s.Sessions()}
	code := http.StatusOK
	if s.cfg.Backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		h, err := s.cfg.Backend.Health(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Backend = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Backend = h.Status
			resp.Database = h.Database
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Close ends every session and waits for the handlers to return.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.StatusGoingAway, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var errUnknownMessage = errors.New("unknown message type")
