package trainer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"github.com/park285/cheese-puzzle-trainer/internal/chess/uci"
	"github.com/park285/cheese-puzzle-trainer/internal/msgcat"
	"github.com/park285/cheese-puzzle-trainer/internal/puzzle"
	"go.uber.org/zap"
)

var (
	ErrFetchFailed = errors.New("puzzle fetch failed")
	ErrNoPuzzle    = errors.New("no puzzle loaded")
	ErrClosed      = errors.New("session closed")
)

const (
	DefaultReplyDelay  = 600 * time.Millisecond
	DefaultSolvedDelay = 500 * time.Millisecond
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingUserMove
	PhaseApplyingOpponentReply
	PhaseSolved
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingUserMove:
		return "awaiting_user_move"
	case PhaseApplyingOpponentReply:
		return "applying_opponent_reply"
	case PhaseSolved:
		return "solved"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for c := PhaseIdle; c <= PhaseClosed; c++ {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeIllegal
	OutcomeWrong
	OutcomeCorrect
	OutcomeSolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIllegal:
		return "illegal"
	case OutcomeWrong:
		return "wrong"
	case OutcomeCorrect:
		return "correct"
	case OutcomeSolved:
		return "solved"
	default:
		return "ignored"
	}
}

// Rejected reports whether the board should snap the attempted move back.
func (o Outcome) Rejected() bool { return o == OutcomeIllegal || o == OutcomeWrong }

type FeedbackKind string

const (
	FeedbackIdle     FeedbackKind = "idle"
	FeedbackStart    FeedbackKind = "start"
	FeedbackCorrect  FeedbackKind = "correct"
	FeedbackOpponent FeedbackKind = "opponent"
	FeedbackSolved   FeedbackKind = "solved"
	FeedbackWrong    FeedbackKind = "wrong"
)

type Feedback struct {
	Kind    FeedbackKind `json:"kind"`
	Message string       `json:"message"`
}

// Candidate is a user move attempt. Promotion is only consulted when a pawn
// reaches the last rank and defaults to a queen.
type Candidate struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// ParseCandidate splits a typed token such as "e7e8q".
func ParseCandidate(token string) (Candidate, error) {
	t := puzzle.NormalizeMove(token)
	if len(t) != 4 && len(t) != 5 {
		return Candidate{}, fmt.Errorf("move %q: want from+to squares", token)
	}
	c := Candidate{From: t[0:2], To: t[2:4]}
	if len(t) == 5 {
		c.Promotion = t[4:]
	}
	if _, ok := parseSquare(c.From); !ok {
		return Candidate{}, fmt.Errorf("move %q: bad square %q", token, c.From)
	}
	if _, ok := parseSquare(c.To); !ok {
		return Candidate{}, fmt.Errorf("move %q: bad square %q", token, c.To)
	}
	return c, nil
}

// EvaluatorFactory opens one evaluation channel per loaded puzzle.
type EvaluatorFactory interface {
	Open(onScore func(uci.Evaluation)) (uci.Evaluator, error)
}

type Options struct {
	Evaluators  EvaluatorFactory
	Catalog     *msgcat.Catalog
	Logger      *zap.Logger
	Clock       Clock
	ReplyDelay  time.Duration
	SolvedDelay time.Duration
	// OnChange receives every state change, outside the session lock.
	OnChange func(Snapshot)
	// OnSolved fires once per puzzle, SolvedDelay after the last move.
	OnSolved func(Snapshot)
}

type Snapshot struct {
	SessionID      string   `json:"session_id"`
	PuzzleID       string   `json:"puzzle_id,omitempty"`
	Rating         int      `json:"rating,omitempty"`
	Themes         []string `json:"themes,omitempty"`
	FEN            string   `json:"fen,omitempty"`
	Turn           string   `json:"turn,omitempty"`
	Orientation    string   `json:"orientation,omitempty"`
	SolutionIndex  int      `json:"solution_index"`
	SolutionLength int      `json:"solution_length"`
	Phase          Phase    `json:"phase"`
	Feedback       Feedback `json:"feedback"`
	Score          int      `json:"score"`
	ScoreKnown     bool     `json:"score_known"`
	BarPercent     float64  `json:"bar_percent"`
	LastMove       string   `json:"last_move,omitempty"`
}

// Session owns one puzzle attempt: the board, the cursor into the solution
// script, feedback, and the evaluation channel tracking the board.
type Session struct {
	id      string
	opt     Options
	logger  *zap.Logger
	catalog *msgcat.Catalog
	clock   Clock

	mu       sync.Mutex
	puzzle   *puzzle.Puzzle
	game     *nchess.Game
	index    int
	phase    Phase
	feedback Feedback
	solver   nchess.Color
	lastMove string

	score      int
	scoreKnown bool

	// gen invalidates timers and evaluator callbacks from earlier loads.
	gen         uint64
	timers      []Timer
	solvedFired bool

	eval    uci.Evaluator
	evalFEN string
}

func New(opt Options) *Session {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Catalog == nil {
		opt.Catalog = msgcat.MustDefault()
	}
	if opt.Clock == nil {
		opt.Clock = RealClock()
	}
	if opt.ReplyDelay <= 0 {
		opt.ReplyDelay = DefaultReplyDelay
	}
	if opt.SolvedDelay <= 0 {
		opt.SolvedDelay = DefaultSolvedDelay
	}
	s := &Session{
		id:      uuid.NewString(),
		opt:     opt,
		logger:  opt.Logger,
		catalog: opt.Catalog,
		clock:   opt.Clock,
		phase:   PhaseIdle,
	}
	s.feedback = s.feedbackFor(FeedbackIdle, nil, "Find the best move!")
	return s
}

func (s *Session) ID() string { return s.id }

// Next fetches a puzzle near rating and loads it. The session is untouched
// when the fetch fails.
func (s *Session) Next(ctx context.Context, src puzzle.Source, rating int) error {
	p, err := src.Fetch(ctx, rating)
	if err != nil {
		s.logger.Warn("session_fetch_failed", zap.String("session_id", s.id), zap.Int("rating", rating), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return s.LoadPuzzle(p)
}

// LoadPuzzle resets the session onto p with the setup move applied. Pending
// timers are cancelled and the evaluation channel is replaced.
func (s *Session) LoadPuzzle(p *puzzle.Puzzle) error {
	if err := p.Validate(); err != nil {
		return err
	}
	game, err := puzzle.NewGame(p.FEN)
	if err != nil {
		return fmt.Errorf("%w: %v", puzzle.ErrMalformedPuzzle, err)
	}
	setup := p.Move(0)
	if err := game.PushNotationMove(setup, nchess.UCINotation{}, nil); err != nil {
		return fmt.Errorf("%w: setup move %s: %v", puzzle.ErrMalformedPuzzle, setup, err)
	}

	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.cancelTimersLocked()
	s.gen++
	gen := s.gen
	old := s.eval
	s.eval = nil
	s.evalFEN = ""

	s.puzzle = p
	s.game = game
	s.index = 1
	s.phase = PhaseAwaitingUserMove
	s.solver = game.Position().Turn()
	s.lastMove = setup
	s.score = 0
	s.scoreKnown = false
	s.solvedFired = false
	s.feedback = s.feedbackFor(FeedbackStart, nil, "Your turn! Find the win.")
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("evaluator_close_failed", zap.String("session_id", s.id), zap.Error(err))
		}
	}
	s.logger.Info("session_load",
		zap.String("session_id", s.id),
		zap.String("puzzle_id", p.ID),
		zap.Int("rating", p.Rating),
		zap.Int("moves", p.Len()),
	)

	s.attachEvaluator(gen)
	s.notify(s.Snapshot())
	return nil
}

func (s *Session) attachEvaluator(gen uint64) {
	if s.opt.Evaluators == nil {
		return
	}
	ev, err := s.opt.Evaluators.Open(func(e uci.Evaluation) { s.applyScore(gen, e) })
	if err != nil {
		s.logger.Warn("evaluator_open_failed", zap.String("session_id", s.id), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.phase == PhaseClosed || s.gen != gen {
		s.mu.Unlock()
		_ = ev.Close()
		return
	}
	s.eval = ev
	s.trackLocked()
	s.mu.Unlock()
}

func (s *Session) AttemptMove(c Candidate) (Outcome, error) {
	s.mu.Lock()
	switch s.phase {
	case PhaseClosed:
		s.mu.Unlock()
		return OutcomeIgnored, ErrClosed
	case PhaseIdle:
		s.mu.Unlock()
		return OutcomeIgnored, ErrNoPuzzle
	case PhaseAwaitingUserMove:
	default:
		s.mu.Unlock()
		return OutcomeIgnored, nil
	}

	pos := s.game.Position()
	token := candidateToken(pos, c)
	mv, err := nchess.UCINotation{}.Decode(pos, token)
	if err != nil {
		s.mu.Unlock()
		return OutcomeIllegal, nil
	}
	next := s.game.Clone()
	if err := next.Move(mv, nil); err != nil {
		s.mu.Unlock()
		return OutcomeIllegal, nil
	}

	played := nchess.UCINotation{}.Encode(pos, mv)
	expected := s.puzzle.Move(s.index)
	if played != expected {
		s.feedback = s.feedbackFor(FeedbackWrong, map[string]any{"Eval": EvalText(s.score)},
			"Bad move! Try a different idea.")
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Debug("session_move_wrong", zap.String("session_id", s.id), zap.String("played", played), zap.String("expected", expected))
		s.notify(snap)
		return OutcomeWrong, nil
	}

	s.game = next
	s.index++
	s.lastMove = played
	s.feedback = s.feedbackFor(FeedbackCorrect, nil, "Correct move!")
	outcome := OutcomeCorrect
	if s.index == s.puzzle.Len() {
		s.enterSolvedLocked()
		outcome = OutcomeSolved
	} else {
		s.phase = PhaseApplyingOpponentReply
		gen := s.gen
		s.scheduleLocked(s.opt.ReplyDelay, func() { s.applyReply(gen) })
	}
	s.trackLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("session_move_correct", zap.String("session_id", s.id), zap.String("move", played), zap.Int("index", snap.SolutionIndex))
	s.notify(snap)
	return outcome, nil
}

func (s *Session) applyReply(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.phase != PhaseApplyingOpponentReply {
		s.mu.Unlock()
		return
	}
	reply := s.puzzle.Move(s.index)
	if err := s.game.PushNotationMove(reply, nchess.UCINotation{}, nil); err != nil {
		// validated at load, so this only happens on a corrupted script
		s.logger.Error("session_reply_failed", zap.String("session_id", s.id), zap.String("move", reply), zap.Error(err))
		s.phase = PhaseAwaitingUserMove
		s.mu.Unlock()
		return
	}
	s.index++
	s.lastMove = reply
	s.feedback = s.feedbackFor(FeedbackOpponent, nil, "Opponent responded. Keep going!")
	if s.index == s.puzzle.Len() {
		s.enterSolvedLocked()
	} else {
		s.phase = PhaseAwaitingUserMove
	}
	s.trackLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Session) enterSolvedLocked() {
	s.phase = PhaseSolved
	s.feedback = s.feedbackFor(FeedbackSolved, nil, "Puzzle Solved!")
	gen := s.gen
	s.scheduleLocked(s.opt.SolvedDelay, func() { s.fireSolved(gen) })
	s.logger.Info("session_solved", zap.String("session_id", s.id), zap.String("puzzle_id", s.puzzle.ID))
}

func (s *Session) fireSolved(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.phase != PhaseSolved || s.solvedFired {
		s.mu.Unlock()
		return
	}
	s.solvedFired = true
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if s.opt.OnSolved != nil {
		s.opt.OnSolved(snap)
	}
}

func (s *Session) applyScore(gen uint64, e uci.Evaluation) {
	s.mu.Lock()
	if s.gen != gen || s.phase == PhaseClosed || e.FEN != s.evalFEN {
		s.mu.Unlock()
		return
	}
	s.score = e.Score
	s.scoreKnown = true
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Close cancels pending timers and releases the evaluation channel. Later
// calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosed
	s.cancelTimersLocked()
	s.gen++
	ev := s.eval
	s.eval = nil
	s.mu.Unlock()

	s.logger.Debug("session_close", zap.String("session_id", s.id))
	if ev != nil {
		return ev.Close()
	}
	return nil
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:     s.id,
		SolutionIndex: s.index,
		Phase:         s.phase,
		Feedback:      s.feedback,
		Score:         s.score,
		ScoreKnown:    s.scoreKnown,
		BarPercent:    BarPercent(s.score),
		LastMove:      s.lastMove,
	}
	if s.puzzle != nil {
		snap.PuzzleID = s.puzzle.ID
		snap.Rating = s.puzzle.Rating
		snap.Themes = append([]string(nil), s.puzzle.Themes...)
		snap.SolutionLength = s.puzzle.Len()
	}
	if s.game != nil {
		pos := s.game.Position()
		snap.FEN = pos.String()
		snap.Turn = colorName(pos.Turn())
		snap.Orientation = colorName(s.solver)
	}
	return snap
}

func (s *Session) scheduleLocked(d time.Duration, f func()) {
	s.timers = append(s.timers, s.clock.AfterFunc(d, f))
}

func (s *Session) cancelTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Session) trackLocked() {
	if s.eval == nil || s.game == nil {
		return
	}
	fen := s.game.Position().String()
	s.evalFEN = fen
	if err := s.eval.Track(fen); err != nil {
		s.logger.Warn("evaluator_track_failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (s *Session) feedbackFor(kind FeedbackKind, data any, fallback string) Feedback {
	return Feedback{Kind: kind, Message: s.catalog.Text("feedback."+string(kind), data, fallback)}
}

func (s *Session) notify(snap Snapshot) {
	if s.opt.OnChange != nil {
		s.opt.OnChange(snap)
	}
}

func candidateToken(pos *nchess.Position, c Candidate) string {
	from := puzzle.NormalizeMove(c.From)
	to := puzzle.NormalizeMove(c.To)
	token := from + to
	if reachesLastRank(pos, from, to) {
		promo := strings.ToLower(strings.TrimSpace(c.Promotion))
		if promo == "" {
			promo = "q"
		}
		token += promo
	}
	return token
}

func reachesLastRank(pos *nchess.Position, from, to string) bool {
	sq, ok := parseSquare(from)
	if !ok || len(to) != 2 {
		return false
	}
	if pos.Board().Piece(sq).Type() != nchess.Pawn {
		return false
	}
	return to[1] == '8' || to[1] == '1'
}

func parseSquare(s string) (nchess.Square, bool) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return nchess.NoSquare, false
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), true
}

func colorName(c nchess.Color) string {
	if c == nchess.Black {
		return "black"
	}
	return "white"
}
