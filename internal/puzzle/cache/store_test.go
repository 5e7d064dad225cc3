package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"github.com/redis/go-redis/v9"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	err   error
	bad   bool
}

func (f *fakeSource) Fetch(ctx context.Context, rating int) (*puzzle.Puzzle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	p := &puzzle.Puzzle{
		ID:     fmt.Sprintf("p%d", f.calls),
		FEN:    "startpos",
		Moves:  puzzle.TokenList{"e2e4", "e7e5"},
		Rating: rating,
	}
	if f.bad {
		p.Moves = puzzle.TokenList{"e2e4"}
	}
	return p, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T, src puzzle.Source, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, src, opts...), mr
}

func TestBand(t *testing.T) {
	for rating, want := range map[int]int{1500: 1500, 1549: 1500, 1600: 1600, -20: 0, 99: 0} {
		if got := Band(rating); got != want {
			t.Fatalf("Band(%d) = %d, want %d", rating, got, want)
		}
	}
}

func TestFetchMissFallsBackToUpstream(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestStore(t, src)
	p, err := s.Fetch(context.Background(), 1500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.ID != "p1" || src.count() != 1 {
		t.Fatalf("expected upstream puzzle, got %+v calls=%d", p, src.count())
	}
}

func TestPrefetchThenFetchServesFromQueue(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestStore(t, src)
	ctx := context.Background()

	n, err := s.Prefetch(ctx, 1530, 2)
	if err != nil || n != 2 {
		t.Fatalf("Prefetch: n=%d err=%v", n, err)
	}
	if pending, _ := s.Pending(ctx, 1570); pending != 2 {
		t.Fatalf("expected 2 pending in band, got %d", pending)
	}

	p, err := s.Fetch(ctx, 1510)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.ID != "p1" {
		t.Fatalf("expected FIFO order, got %s", p.ID)
	}
	if src.count() != 2 {
		t.Fatalf("cached fetch should not hit upstream, calls=%d", src.count())
	}
	if p.Len() != 2 || p.Move(1) != "e7e5" {
		t.Fatalf("cached puzzle lost moves: %+v", p)
	}
}

func TestPrefetchSkipsMalformed(t *testing.T) {
	src := &fakeSource{bad: true}
	s, _ := newTestStore(t, src)
	n, err := s.Prefetch(context.Background(), 1500, 3)
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if n != 0 {
		t.Fatalf("malformed puzzles should not be queued, got %d", n)
	}
}

func TestFetchUpstreamError(t *testing.T) {
	boom := errors.New("backend down")
	s, _ := newTestStore(t, &fakeSource{err: boom})
	if _, err := s.Fetch(context.Background(), 1500); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestFetchRefillsInBackground(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestStore(t, src, WithPrefetch(2))
	ctx := context.Background()
	if _, err := s.Fetch(ctx, 1500); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	s.Wait()
	if pending, _ := s.Pending(ctx, 1500); pending != 2 {
		t.Fatalf("expected queue refilled to 2, got %d", pending)
	}
}

func TestFetchRedisDownFallsBack(t *testing.T) {
	src := &fakeSource{}
	s, mr := newTestStore(t, src)
	mr.Close()
	p, err := s.Fetch(context.Background(), 1500)
	if err != nil || p == nil {
		t.Fatalf("expected upstream fallback, got p=%v err=%v", p, err)
	}
}

func TestQueuedPuzzlesUseBandRating(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestStore(t, src, WithPrefetch(1))
	ctx := context.Background()

	if _, err := s.Prefetch(ctx, 1599, 1); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	p, err := s.Fetch(ctx, 1500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Rating != 1550 {
		t.Fatalf("queued puzzle fetched at %d, want band rating 1550", p.Rating)
	}

	// the refill triggered by that fetch targets the band as well
	s.Wait()
	p, err = s.Fetch(ctx, 1599)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Rating != 1550 {
		t.Fatalf("refilled puzzle fetched at %d, want 1550", p.Rating)
	}
	s.Wait()
}
