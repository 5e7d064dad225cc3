package trainer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/park285/cheese-puzzle-trainer/internal/chess/uci"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in order, outside the lock.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeEvaluator struct {
	mu      sync.Mutex
	tracked []string
	closed  bool
	onScore func(uci.Evaluation)
}

func (e *fakeEvaluator) Track(fen string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return uci.ErrClosed
	}
	e.tracked = append(e.tracked, fen)
	return nil
}

func (e *fakeEvaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEvaluator) last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tracked) == 0 {
		return ""
	}
	return e.tracked[len(e.tracked)-1]
}

type fakeFactory struct {
	mu     sync.Mutex
	opened []*fakeEvaluator
	err    error
}

func (f *fakeFactory) Open(onScore func(uci.Evaluation)) (uci.Evaluator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEvaluator{onScore: onScore}
	f.opened = append(f.opened, e)
	return e, nil
}

func (f *fakeFactory) latest() *fakeEvaluator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[len(f.opened)-1]
}

type harness struct {
	s       *Session
	clock   *manualClock
	evals   *fakeFactory
	mu      sync.Mutex
	changes int
	solved  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &manualClock{}, evals: &fakeFactory{}}
	h.s = New(Options{
		Evaluators: h.evals,
		Clock:      h.clock,
		OnChange: func(Snapshot) {
			h.mu.Lock()
			h.changes++
			h.mu.Unlock()
		},
		OnSolved: func(Snapshot) {
			h.mu.Lock()
			h.solved++
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func (h *harness) solvedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.solved
}

func scenarioPuzzle() *puzzle.Puzzle {
	return &puzzle.Puzzle{
		ID:     "scn",
		FEN:    startFEN,
		Moves:  puzzle.TokenList{"e2e4", "e7e5", "g1f3"},
		Rating: 1600,
		Themes: puzzle.TokenList{"opening"},
	}
}

func fenAfter(t *testing.T, moves ...string) string {
	t.Helper()
	p := &puzzle.Puzzle{FEN: startFEN, Moves: puzzle.TokenList(moves)}
	g, err := puzzle.NewGame(p.FEN)
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	for i := range moves {
		if err := g.PushNotationMove(p.Move(i), nchess.UCINotation{}, nil); err != nil {
			t.Fatalf("replay %s: %v", moves[i], err)
		}
	}
	return g.Position().String()
}

func TestLoadPuzzleAppliesSetupMove(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	snap := h.s.Snapshot()
	if snap.SolutionIndex != 1 || snap.SolutionLength != 3 {
		t.Fatalf("unexpected cursor %d/%d", snap.SolutionIndex, snap.SolutionLength)
	}
	if snap.Phase != PhaseAwaitingUserMove || snap.Feedback.Kind != FeedbackStart {
		t.Fatalf("unexpected phase/feedback: %v %+v", snap.Phase, snap.Feedback)
	}
	if snap.FEN != fenAfter(t, "e2e4") {
		t.Fatalf("setup move not applied: %s", snap.FEN)
	}
	if snap.Turn != "black" || snap.Orientation != "black" {
		t.Fatalf("solver should play black: turn=%s orientation=%s", snap.Turn, snap.Orientation)
	}
	if got := h.evals.latest().last(); got != snap.FEN {
		t.Fatalf("evaluator should track the loaded position, got %q", got)
	}
	if snap.ScoreKnown || snap.BarPercent != 50 {
		t.Fatalf("score should start neutral: %+v", snap)
	}
}

func TestLoadPuzzleIdempotent(t *testing.T) {
	h := newHarness(t)
	p := scenarioPuzzle()
	if err := h.s.LoadPuzzle(p); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	first := h.s.Snapshot()
	if _, err := h.s.AttemptMove(Candidate{From: "d7", To: "d5"}); err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}
	if err := h.s.LoadPuzzle(p); err != nil {
		t.Fatalf("LoadPuzzle again: %v", err)
	}
	if diff := cmp.Diff(first, h.s.Snapshot()); diff != "" {
		t.Fatalf("reload differs (-first +second):\n%s", diff)
	}
}

func TestScenarioSolvedOnce(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}

	out, err := h.s.AttemptMove(Candidate{From: "e7", To: "e5"})
	if err != nil || out != OutcomeCorrect {
		t.Fatalf("e7e5: outcome=%v err=%v", out, err)
	}
	snap := h.s.Snapshot()
	if snap.SolutionIndex != 2 || snap.Phase != PhaseApplyingOpponentReply || snap.Feedback.Kind != FeedbackCorrect {
		t.Fatalf("after e7e5: %+v", snap)
	}
	if snap.FEN != fenAfter(t, "e2e4", "e7e5") {
		t.Fatalf("e7e5 not committed: %s", snap.FEN)
	}

	// moves are not accepted while the reply is pending
	if out, _ := h.s.AttemptMove(Candidate{From: "g8", To: "f6"}); out != OutcomeIgnored {
		t.Fatalf("attempt during reply: %v", out)
	}

	h.clock.Advance(599 * time.Millisecond)
	if h.s.Snapshot().SolutionIndex != 2 {
		t.Fatalf("reply fired early")
	}
	h.clock.Advance(time.Millisecond)
	snap = h.s.Snapshot()
	if snap.SolutionIndex != 3 || snap.Phase != PhaseSolved {
		t.Fatalf("after reply: index=%d phase=%v", snap.SolutionIndex, snap.Phase)
	}
	if snap.FEN != fenAfter(t, "e2e4", "e7e5", "g1f3") || snap.LastMove != "g1f3" {
		t.Fatalf("reply not applied: %s last=%s", snap.FEN, snap.LastMove)
	}
	if h.solvedCount() != 0 {
		t.Fatalf("completion should wait for the display delay")
	}

	h.clock.Advance(500 * time.Millisecond)
	if h.solvedCount() != 1 {
		t.Fatalf("completion fired %d times", h.solvedCount())
	}
	if out, _ := h.s.AttemptMove(Candidate{From: "b8", To: "c6"}); out != OutcomeIgnored {
		t.Fatalf("attempt after solve: %v", out)
	}
	h.clock.Advance(5 * time.Second)
	if h.solvedCount() != 1 || h.s.Snapshot().SolutionIndex != 3 {
		t.Fatalf("solved state must be terminal")
	}
}

func TestSolvedByUserMove(t *testing.T) {
	h := newHarness(t)
	p := &puzzle.Puzzle{ID: "short", FEN: startFEN, Moves: puzzle.TokenList{"e2e4", "e7e5"}}
	if err := h.s.LoadPuzzle(p); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	out, err := h.s.AttemptMove(Candidate{From: "e7", To: "e5"})
	if err != nil || out != OutcomeSolved {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
	if snap := h.s.Snapshot(); snap.Phase != PhaseSolved || snap.Feedback.Kind != FeedbackSolved {
		t.Fatalf("unexpected: %+v", snap)
	}
	h.clock.Advance(DefaultSolvedDelay)
	h.clock.Advance(DefaultSolvedDelay)
	if h.solvedCount() != 1 {
		t.Fatalf("completion fired %d times", h.solvedCount())
	}
}

func TestEvenLengthScriptEndsOnSolverMove(t *testing.T) {
	h := newHarness(t)
	p := &puzzle.Puzzle{ID: "four", FEN: startFEN, Moves: puzzle.TokenList{"e2e4", "e7e5", "g1f3", "b8c6"}}
	if err := h.s.LoadPuzzle(p); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	if out, err := h.s.AttemptMove(Candidate{From: "e7", To: "e5"}); err != nil || out != OutcomeCorrect {
		t.Fatalf("e7e5: outcome=%v err=%v", out, err)
	}
	h.clock.Advance(DefaultReplyDelay)
	if snap := h.s.Snapshot(); snap.Phase != PhaseAwaitingUserMove || snap.SolutionIndex != 3 {
		t.Fatalf("after reply: %+v", snap)
	}
	out, err := h.s.AttemptMove(Candidate{From: "b8", To: "c6"})
	if err != nil || out != OutcomeSolved {
		t.Fatalf("b8c6: outcome=%v err=%v", out, err)
	}
	h.clock.Advance(DefaultSolvedDelay)
	if h.solvedCount() != 1 || h.s.Snapshot().SolutionIndex != 4 {
		t.Fatalf("solved=%d index=%d", h.solvedCount(), h.s.Snapshot().SolutionIndex)
	}
}

func TestWrongMoveKeepsPosition(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	before := h.s.Snapshot()
	out, err := h.s.AttemptMove(Candidate{From: "d7", To: "d5"})
	if err != nil || out != OutcomeWrong || !out.Rejected() {
		t.Fatalf("d7d5: outcome=%v err=%v", out, err)
	}
	after := h.s.Snapshot()
	if after.FEN != before.FEN || after.SolutionIndex != 1 {
		t.Fatalf("wrong move committed: %+v", after)
	}
	if after.Feedback.Kind != FeedbackWrong || !strings.Contains(after.Feedback.Message, "0.0") {
		t.Fatalf("unexpected feedback: %+v", after.Feedback)
	}
	if after.Phase != PhaseAwaitingUserMove || h.clock.pending() != 0 {
		t.Fatalf("wrong move must not schedule anything")
	}
}

func TestWrongMoveEmbedsLatestScore(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	ev := h.evals.latest()
	ev.onScore(uci.Evaluation{FEN: ev.last(), Score: -134})
	if snap := h.s.Snapshot(); !snap.ScoreKnown || snap.Score != -134 {
		t.Fatalf("score not applied: %+v", snap)
	}
	_, _ = h.s.AttemptMove(Candidate{From: "a7", To: "a6"})
	if msg := h.s.Snapshot().Feedback.Message; !strings.Contains(msg, "-1.3") {
		t.Fatalf("feedback should embed the evaluation: %q", msg)
	}
}

func TestIllegalMoveChangesNothing(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	before := h.s.Snapshot()
	for _, c := range []Candidate{
		{From: "e7", To: "e4"},
		{From: "e2", To: "e3"},
		{From: "z9", To: "e5"},
		{From: "", To: ""},
	} {
		out, err := h.s.AttemptMove(c)
		if err != nil || out != OutcomeIllegal {
			t.Fatalf("%+v: outcome=%v err=%v", c, out, err)
		}
	}
	if diff := cmp.Diff(before, h.s.Snapshot()); diff != "" {
		t.Fatalf("illegal move changed state (-before +after):\n%s", diff)
	}
}

func TestPromotionDefaultsToQueen(t *testing.T) {
	h := newHarness(t)
	p := &puzzle.Puzzle{
		ID:    "promo",
		FEN:   "8/1P6/8/8/8/8/6k1/K7 b - - 0 1",
		Moves: puzzle.TokenList{"g2g3", "b7b8q"},
	}
	if err := h.s.LoadPuzzle(p); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	out, err := h.s.AttemptMove(Candidate{From: "b7", To: "b8"})
	if err != nil || out != OutcomeSolved {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
}

func TestUnderpromotionIsWrong(t *testing.T) {
	h := newHarness(t)
	p := &puzzle.Puzzle{
		ID:    "promo",
		FEN:   "8/1P6/8/8/8/8/6k1/K7 b - - 0 1",
		Moves: puzzle.TokenList{"g2g3", "b7b8q"},
	}
	if err := h.s.LoadPuzzle(p); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	if out, _ := h.s.AttemptMove(Candidate{From: "b7", To: "b8", Promotion: "n"}); out != OutcomeWrong {
		t.Fatalf("knight promotion should be wrong, got %v", out)
	}
}

func TestCloseWhileReplyPending(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	if out, _ := h.s.AttemptMove(Candidate{From: "e7", To: "e5"}); out != OutcomeCorrect {
		t.Fatalf("expected correct, got %v", out)
	}
	ev := h.evals.latest()
	if err := h.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	before := h.s.Snapshot()

	h.clock.Advance(time.Hour)
	ev.onScore(uci.Evaluation{FEN: ev.last(), Score: 500})

	if diff := cmp.Diff(before, h.s.Snapshot()); diff != "" {
		t.Fatalf("closed session mutated (-before +after):\n%s", diff)
	}
	if before.Phase != PhaseClosed || before.SolutionIndex != 2 {
		t.Fatalf("unexpected closed snapshot: %+v", before)
	}
	if !ev.closed {
		t.Fatalf("evaluator not released")
	}
	if out, err := h.s.AttemptMove(Candidate{From: "g8", To: "f6"}); out != OutcomeIgnored || !errors.Is(err, ErrClosed) {
		t.Fatalf("attempt after close: %v %v", out, err)
	}
	if err := h.s.LoadPuzzle(scenarioPuzzle()); !errors.Is(err, ErrClosed) {
		t.Fatalf("load after close: %v", err)
	}
	if err := h.s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReloadCancelsPendingReplyAndEvaluator(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	_, _ = h.s.AttemptMove(Candidate{From: "e7", To: "e5"})
	oldEval := h.evals.latest()

	other := &puzzle.Puzzle{ID: "other", FEN: startFEN, Moves: puzzle.TokenList{"d2d4", "d7d5", "c2c4"}}
	if err := h.s.LoadPuzzle(other); err != nil {
		t.Fatalf("LoadPuzzle other: %v", err)
	}
	if !oldEval.closed {
		t.Fatalf("old evaluator should be closed on reload")
	}
	h.clock.Advance(time.Hour)
	oldEval.onScore(uci.Evaluation{FEN: oldEval.last(), Score: 900})

	snap := h.s.Snapshot()
	if snap.PuzzleID != "other" || snap.SolutionIndex != 1 || snap.Phase != PhaseAwaitingUserMove {
		t.Fatalf("stale reply leaked into new puzzle: %+v", snap)
	}
	if snap.ScoreKnown {
		t.Fatalf("stale score leaked into new puzzle")
	}
	if h.solvedCount() != 0 {
		t.Fatalf("no completion expected")
	}
}

func TestScoreForOldPositionIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	ev := h.evals.latest()
	loaded := ev.last()
	_, _ = h.s.AttemptMove(Candidate{From: "e7", To: "e5"})
	if ev.last() == loaded {
		t.Fatalf("evaluator should track the new position")
	}
	ev.onScore(uci.Evaluation{FEN: loaded, Score: 300})
	if h.s.Snapshot().ScoreKnown {
		t.Fatalf("score for a superseded position applied")
	}
}

func TestMalformedPuzzleRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	before := h.s.Snapshot()
	bad := &puzzle.Puzzle{ID: "bad", FEN: startFEN}
	if err := h.s.LoadPuzzle(bad); !errors.Is(err, puzzle.ErrMalformedPuzzle) {
		t.Fatalf("expected ErrMalformedPuzzle, got %v", err)
	}
	if diff := cmp.Diff(before, h.s.Snapshot()); diff != "" {
		t.Fatalf("malformed load changed state (-before +after):\n%s", diff)
	}
}

type stubSource struct {
	p   *puzzle.Puzzle
	err error
}

func (s stubSource) Fetch(ctx context.Context, rating int) (*puzzle.Puzzle, error) {
	return s.p, s.err
}

func TestNextFetchFailureLeavesState(t *testing.T) {
	h := newHarness(t)
	if err := h.s.Next(context.Background(), stubSource{p: scenarioPuzzle()}, 1600); err != nil {
		t.Fatalf("Next: %v", err)
	}
	before := h.s.Snapshot()
	err := h.s.Next(context.Background(), stubSource{err: errors.New("connection refused")}, 1600)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if diff := cmp.Diff(before, h.s.Snapshot()); diff != "" {
		t.Fatalf("failed fetch changed state (-before +after):\n%s", diff)
	}
	err = h.s.Next(context.Background(), stubSource{err: puzzle.ErrNoPuzzle}, 3500)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, puzzle.ErrNoPuzzle) {
		t.Fatalf("no-puzzle should keep its cause: %v", err)
	}
}

func TestEvaluatorUnavailableDoesNotBlockSolving(t *testing.T) {
	clock := &manualClock{}
	s := New(Options{Evaluators: &fakeFactory{err: uci.ErrLauncherFull}, Clock: clock})
	defer s.Close()
	if err := s.LoadPuzzle(scenarioPuzzle()); err != nil {
		t.Fatalf("LoadPuzzle: %v", err)
	}
	if out, _ := s.AttemptMove(Candidate{From: "e7", To: "e5"}); out != OutcomeCorrect {
		t.Fatalf("expected correct, got %v", out)
	}
	clock.Advance(DefaultReplyDelay)
	if snap := s.Snapshot(); snap.Phase != PhaseSolved || snap.ScoreKnown {
		t.Fatalf("unexpected: %+v", snap)
	}
}

func TestAttemptWithoutPuzzle(t *testing.T) {
	s := New(Options{Clock: &manualClock{}})
	if out, err := s.AttemptMove(Candidate{From: "e2", To: "e4"}); out != OutcomeIgnored || !errors.Is(err, ErrNoPuzzle) {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
	if s.Snapshot().Feedback.Kind != FeedbackIdle {
		t.Fatalf("idle feedback expected")
	}
}

func TestParseCandidate(t *testing.T) {
	c, err := ParseCandidate(" E7E8Q ")
	if err != nil {
		t.Fatalf("ParseCandidate: %v", err)
	}
	if diff := cmp.Diff(Candidate{From: "e7", To: "e8", Promotion: "q"}, c); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"", "e2", "e9e4", "i2i4", "e2e4qq"} {
		if _, err := ParseCandidate(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}
