package puzzle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrNoPuzzle        = errors.New("no puzzle available for rating")
	ErrMalformedPuzzle = errors.New("malformed puzzle")
)

type Source interface {
	Fetch(ctx context.Context, rating int) (*Puzzle, error)
}

// Puzzle is a starting position plus the scripted solution. Moves[0] is the
// opponent's setup move; the solver answers from Moves[1] onwards.
type Puzzle struct {
	ID     string    `json:"id"`
	FEN    string    `json:"fen"`
	Moves  TokenList `json:"moves"`
	Rating int       `json:"rating"`
	Themes TokenList `json:"themes"`
}

// TokenList decodes either a JSON array of strings or a single
// space-separated string.
type TokenList []string

func (t *TokenList) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		*t = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*t = TokenList(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = TokenList(strings.Fields(s))
	return nil
}

func (p *Puzzle) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Moves)
}

func (p *Puzzle) Move(i int) string {
	if p == nil || i < 0 || i >= len(p.Moves) {
		return ""
	}
	return NormalizeMove(p.Moves[i])
}

// Validate replays the whole script. A puzzle needs a parseable FEN, a setup
// move plus at least one solver move, and every move legal in sequence.
func (p *Puzzle) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil puzzle", ErrMalformedPuzzle)
	}
	if len(p.Moves) < 2 {
		return fmt.Errorf("%w: need at least 2 moves, got %d", ErrMalformedPuzzle, len(p.Moves))
	}
	game, err := NewGame(p.FEN)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPuzzle, err)
	}
	for i := range p.Moves {
		if err := game.PushNotationMove(p.Move(i), nchess.UCINotation{}, nil); err != nil {
			return fmt.Errorf("%w: move %d (%s) illegal: %v", ErrMalformedPuzzle, i, p.Moves[i], err)
		}
	}
	return nil
}

// NewGame builds a game from a FEN string; empty or "startpos" means the
// initial position.
func NewGame(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return nchess.NewGame(opt), nil
}

func NormalizeMove(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

func (p *Puzzle) ThemesText() string {
	if p == nil {
		return ""
	}
	return strings.Join(p.Themes, ", ")
}
