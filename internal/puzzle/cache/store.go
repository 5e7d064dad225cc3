package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultQueueTTL = 6 * time.Hour
	maxQueueLen     = 50
	bandWidth       = 100
)

// Store keeps a short queue of already-fetched puzzles per rating band in
// Redis so the next puzzle is served without a backend round trip. It is a
// puzzle.Source that falls back to its upstream on a miss.
type Store struct {
	rdb      *redis.Client
	upstream puzzle.Source
	logger   *zap.Logger
	ttl      time.Duration
	prefetch int

	mu       sync.Mutex
	inflight map[int]bool
	wg       sync.WaitGroup
}

type Option func(*Store)

// WithPrefetch keeps up to n puzzles queued per band after each Fetch.
func WithPrefetch(n int) Option {
	return func(s *Store) { s.prefetch = n }
}

func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewStore(rdb *redis.Client, upstream puzzle.Source, opts ...Option) *Store {
	s := &Store{
		rdb:      rdb,
		upstream: upstream,
		logger:   zap.NewNop(),
		ttl:      defaultQueueTTL,
		inflight: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func keyQueue(band int) string { return "puzzle:queue:" + strconv.Itoa(band) }

// Band maps a rating onto the 100-point bucket the backend searches.
func Band(rating int) int {
	if rating < 0 {
		return 0
	}
	return rating / bandWidth * bandWidth
}

// Fetch pops a queued puzzle for the rating band, falling back to upstream.
// Redis failures degrade to upstream rather than surfacing.
func (s *Store) Fetch(ctx context.Context, rating int) (*puzzle.Puzzle, error) {
	band := Band(rating)
	p, err := s.pop(ctx, band)
	if err != nil {
		s.logger.Warn("puzzle_cache_pop_error", zap.Int("band", band), zap.Error(err))
	}
	if p == nil {
		p, err = s.upstream.Fetch(ctx, rating)
		if err != nil {
			return nil, err
		}
	}
	if s.prefetch > 0 {
		s.refillAsync(rating)
	}
	return p, nil
}

func (s *Store) pop(ctx context.Context, band int) (*puzzle.Puzzle, error) {
	raw, err := s.rdb.LPop(ctx, keyQueue(band)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p puzzle.Puzzle
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode cached puzzle: %w", err)
	}
	return &p, nil
}

// bandRating is the rating a band's queue is filled with.
func bandRating(band int) int { return band + bandWidth/2 }

// Prefetch fetches up to n puzzles for the rating's band from upstream and
// queues them. Malformed puzzles are skipped. Returns how many were queued.
func (s *Store) Prefetch(ctx context.Context, rating, n int) (int, error) {
	band := Band(rating)
	key := keyQueue(band)
	queued := 0
	for i := 0; i < n; i++ {
		p, err := s.upstream.Fetch(ctx, bandRating(band))
		if err != nil {
			return queued, err
		}
		if err := p.Validate(); err != nil {
			s.logger.Warn("puzzle_cache_skip_malformed", zap.String("puzzle_id", p.ID), zap.Error(err))
			continue
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return queued, err
		}
		pipe := s.rdb.TxPipeline()
		pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, -maxQueueLen, -1)
		pipe.Expire(ctx, key, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

func (s *Store) Pending(ctx context.Context, rating int) (int64, error) {
	return s.rdb.LLen(ctx, keyQueue(Band(rating))).Result()
}

func (s *Store) refillAsync(rating int) {
	band := Band(rating)
	s.mu.Lock()
	if s.inflight[band] {
		s.mu.Unlock()
		return
	}
	s.inflight[band] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, band)
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		have, err := s.Pending(ctx, rating)
		if err != nil {
			s.logger.Warn("puzzle_cache_len_error", zap.Int("band", band), zap.Error(err))
			return
		}
		missing := s.prefetch - int(have)
		if missing <= 0 {
			return
		}
		n, err := s.Prefetch(ctx, rating, missing)
		if err != nil {
			s.logger.Warn("puzzle_cache_refill_error", zap.Int("band", band), zap.Int("queued", n), zap.Error(err))
			return
		}
		s.logger.Debug("puzzle_cache_refill", zap.Int("band", band), zap.Int("queued", n))
	}()
}

func (s *Store) Wait() { s.wg.Wait() }
